package cluster

import "time"

// SwitchoverOp implements spec §4.7.2: prepare -> demote -> catchup ->
// promote -> redirect -> stabilize -> done (with a stabilize_gtid step
// between demote and catchup), and an undo path available through the
// catchup phase (the promotion target has not yet been made writable, so
// an aborted switchover can clear read_only on the old primary again).
type SwitchoverOp struct {
	baseOp

	Demotion  *Node
	Promotion *Node
	Others    []*Node
	AllNodes  []*Node

	Backend      OperationBackend
	Credentials  ReplicationCredentials
	PromotionSQL string
	DemotionSQL  string
	DisableEvents bool
	Sleep        sleepFunc

	redirected []*Node
	stable     map[*Node]bool
	undone     bool

	// gtidStabilityReads/gtidStabilityLast track the demote phase's
	// "gtid_binlog_pos stable across three successive reads" check
	// (spec §4.7.2 step 2) across ticks: each Step call in that sub-
	// phase takes one reading, and the run resets on any change.
	gtidStabilityReads int
	gtidStabilityLast  *GtidList
}

// NewSwitchoverOp takes an already-chosen promotion target (named by the
// operator or autoselected by the caller) and returns nil unless it
// replicates from demotion.
func NewSwitchoverOp(demotion, promotion *Node, allNodes []*Node, backend OperationBackend, budget time.Duration, now time.Time, creds ReplicationCredentials, promotionSQL, demotionSQL string) *SwitchoverOp {
	if _, ok := promotion.ReplicaOf(demotion); !ok {
		return nil
	}
	op := &SwitchoverOp{
		baseOp:       newBaseOp(budget, now),
		Demotion:     demotion,
		Promotion:    promotion,
		AllNodes:     allNodes,
		Backend:      backend,
		Credentials:  creds,
		PromotionSQL: promotionSQL,
		DemotionSQL:  demotionSQL,
		Sleep:        func(time.Duration) {},
		stable:       map[*Node]bool{},
	}
	op.phase = "prepare"
	for _, c := range demotion.Children {
		if c != promotion {
			op.Others = append(op.Others, c)
		}
	}
	return op
}

func (op *SwitchoverOp) Kind() OperationKind { return OpSwitchover }

func (op *SwitchoverOp) Step(now time.Time) bool {
	if op.cancelled && op.phase != "promote" && op.phase != "redirect" && op.phase != "stabilize" {
		op.undoFromDemote()
		op.result.addError("ERR02004", op.Kind(), op.phase)
		op.finish(false)
		return true
	}
	if op.timedOut(now) && (op.phase == "prepare" || op.phase == "demote" || op.phase == "stabilize_gtid" || op.phase == "catchup") {
		op.undoFromDemote()
		op.result.addError("ERR02005", op.Kind(), op.phase)
		op.finish(false)
		return true
	}

	switch op.phase {
	case "prepare":
		if !op.Demotion.Running || op.Demotion.Maintenance {
			op.result.addError("ERR02010", op.Kind(), op.Demotion.ConfigName)
			op.finish(false)
			return true
		}
		if !op.Promotion.Running {
			op.result.addError("ERR02010", op.Kind(), op.Promotion.ConfigName)
			op.finish(false)
			return true
		}
		op.phase = "demote"
		return false
	case "demote":
		if err := op.Backend.SetReadOnly(op.Demotion, true); err != nil {
			op.result.addError("ERR02006", op.Kind(), op.phase, err)
			op.finish(false)
			return true
		}
		if err := op.Backend.FlushTablesWithReadLock(op.Demotion); err != nil {
			op.result.addError("ERR02006", op.Kind(), op.phase, err)
			op.finish(false)
			return true
		}
		// Up to 4 rounds: a super/read-only-admin session can still be
		// mid-query when the first KILL lands, so give it a few more
		// rounds to actually disconnect before moving on.
		for i := 0; i < 4; i++ {
			if killed, err := op.Backend.KillNonReplicationConnections(op.Demotion); err == nil && killed == 0 {
				break
			}
		}
		if err := op.Backend.UnlockTables(op.Demotion); err != nil {
			op.result.addError("ERR02006", op.Kind(), op.phase, err)
			op.finish(false)
			return true
		}
		if op.DisableEvents {
			_ = op.Backend.DisableEvents(op.Demotion)
		}
		if op.DemotionSQL != "" {
			_ = op.Backend.RunSQLFile(op.Demotion, op.DemotionSQL)
		}
		_ = op.Backend.FlushLogs(op.Demotion)
		op.phase = "stabilize_gtid"
		return false
	case "stabilize_gtid":
		pos, err := op.Backend.ReadGtidBinlogPos(op.Demotion)
		if err != nil {
			op.Sleep(500 * time.Millisecond)
			return false
		}
		if op.gtidStabilityLast != nil && pos.Equal(op.gtidStabilityLast) {
			op.gtidStabilityReads++
		} else {
			op.gtidStabilityReads = 1
		}
		op.gtidStabilityLast = pos
		if op.gtidStabilityReads >= 3 {
			op.phase = "catchup"
			return false
		}
		op.Sleep(500 * time.Millisecond)
		return false
	case "catchup":
		// Timeout in this phase is handled by the guard at the top of
		// Step, which also covers the undo path.
		if EventsAhead(catchupReference(op.Demotion), op.Promotion.GtidCurrentPos, IGNORE) == 0 {
			op.phase = "promote"
			return false
		}
		op.Sleep(200 * time.Millisecond)
		return false
	case "promote":
		if conn, ok := op.Promotion.ReplicaOf(op.Demotion); ok {
			_ = op.Backend.StopReplica(op.Promotion, conn.ConnectionName)
			_ = op.Backend.ResetReplica(op.Promotion, conn.ConnectionName)
		}
		if err := op.Backend.SetReadOnly(op.Promotion, false); err != nil {
			op.result.addError("ERR02006", op.Kind(), op.phase, err)
			op.finish(false)
			return true
		}
		if op.DisableEvents {
			_ = op.Backend.EnableEvents(op.Promotion)
		}
		if op.PromotionSQL != "" {
			_ = op.Backend.RunSQLFile(op.Promotion, op.PromotionSQL)
		}
		op.Promotion.Master = true
		op.phase = "redirect"
		return false
	case "redirect":
		if conn, ok := op.Demotion.ReplicaOf(op.Promotion); !ok {
			_ = op.Backend.StartReplica(op.Demotion, "", op.Promotion.Endpoint, true, op.Credentials)
		} else {
			_ = op.Backend.StartReplica(op.Demotion, conn.ConnectionName, op.Promotion.Endpoint, true, op.Credentials)
		}
		op.redirected = append(op.redirected, op.Demotion)
		for _, other := range op.Others {
			conn, ok := other.ReplicaOf(op.Demotion)
			name := ""
			if ok {
				name = conn.ConnectionName
			}
			_ = op.Backend.StartReplica(other, name, op.Promotion.Endpoint, true, op.Credentials)
			op.redirected = append(op.redirected, other)
		}
		op.phase = "stabilize"
		return false
	case "stabilize":
		allStable := true
		for _, r := range op.redirected {
			if op.stable[r] {
				continue
			}
			ioErr, _ := op.Backend.ReadReplicaIOError(r, "")
			if ioErr == "" && EventsAhead(op.Promotion.GtidCurrentPos, r.GtidCurrentPos, IGNORE) == 0 {
				op.stable[r] = true
			} else {
				allStable = false
			}
		}
		if allStable {
			op.finish(true)
			return true
		}
		if op.timedOut(now) {
			op.result.Partial = true
			op.result.addError("ERR02012", op.Kind())
			op.finish(true)
			return true
		}
		op.Sleep(200 * time.Millisecond)
		return false
	}
	op.finish(false)
	return true
}

// undoFromDemote restores the old primary to writable if the switchover
// is abandoned no later than the catchup phase, per spec §4.7.2's undo
// guarantee.
func (op *SwitchoverOp) undoFromDemote() {
	if op.undone || op.phase == "prepare" {
		return
	}
	_ = op.Backend.SetReadOnly(op.Demotion, false)
	if op.DisableEvents {
		_ = op.Backend.EnableEvents(op.Demotion)
	}
	op.undone = true
}
