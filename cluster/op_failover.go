package cluster

import (
	"sort"
	"time"
)

// FailoverOp implements spec §4.7.1 / §4.7.7:
// prepare -> demote(short) -> promote -> redirect -> stabilize -> done.
type FailoverOp struct {
	baseOp

	Demotion  *Node
	Promotion *Node
	Others    []*Node // other replicas of Demotion to redirect
	AllNodes  []*Node

	Backend        OperationBackend
	Credentials    ReplicationCredentials
	PromotionSQL   string
	SafeMode       bool
	DisableEvents  bool
	Sleep          sleepFunc

	redirected []*Node
	stable     map[*Node]bool
}

// NewFailoverOp selects the promotion target (highest GTID IO position
// in the demotion target's GTID domain, ties broken by processed
// sequence, log_slave_updates, disk space, configuration index) and
// returns a ready-to-run FailoverOp, or nil if no candidate qualifies.
func NewFailoverOp(demotion *Node, allNodes []*Node, backend OperationBackend, budget time.Duration, now time.Time, safeMode bool, creds ReplicationCredentials, promotionSQL string) *FailoverOp {
	candidates := make([]*Node, 0)
	for _, c := range demotion.Children {
		if conn, ok := c.ReplicaOf(demotion); ok && conn.SeenConnected {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	domain := demotion.GtidDomainID
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aIO, _ := ioSeqInDomain(a, domain)
		bIO, _ := ioSeqInDomain(b, domain)
		if aIO != bIO {
			return aIO > bIO
		}
		aCur, _ := ioSeqInDomainFromList(a.GtidCurrentPos, domain)
		bCur, _ := ioSeqInDomainFromList(b.GtidCurrentPos, domain)
		if aCur != bCur {
			return aCur > bCur
		}
		if a.LogSlaveUpdates != b.LogSlaveUpdates {
			return a.LogSlaveUpdates
		}
		if a.DiskSpaceExhausted != b.DiskSpaceExhausted {
			return !a.DiskSpaceExhausted
		}
		return a.Index < b.Index
	})
	promotion := candidates[0]

	op := &FailoverOp{
		baseOp:    newBaseOp(budget, now),
		Demotion:  demotion,
		Promotion: promotion,
		AllNodes:  allNodes,
		Backend:   backend,
		Credentials: creds,
		PromotionSQL: promotionSQL,
		SafeMode:  safeMode,
		Sleep:     func(time.Duration) {},
		stable:    map[*Node]bool{},
	}
	op.phase = "prepare"
	for _, c := range demotion.Children {
		if c != promotion {
			op.Others = append(op.Others, c)
		}
	}
	return op
}

func ioSeqInDomain(n *Node, domain uint64) (uint64, bool) {
	for _, r := range n.Replicas {
		if t, ok := r.GtidIOPos.Get(domain); ok {
			return t.Sequence, true
		}
	}
	return 0, false
}

func ioSeqInDomainFromList(g *GtidList, domain uint64) (uint64, bool) {
	t, ok := g.Get(domain)
	return t.Sequence, ok
}

func (op *FailoverOp) Kind() OperationKind { return OpFailover }

func (op *FailoverOp) Step(now time.Time) bool {
	if op.cancelled {
		op.result.addError("ERR02004", op.Kind(), op.phase)
		op.finish(false)
		return true
	}
	if op.timedOut(now) && op.phase != "stabilize" {
		op.result.addError("ERR02005", op.Kind(), op.phase)
		op.finish(false)
		return true
	}

	switch op.phase {
	case "prepare":
		if op.SafeMode {
			for _, other := range append([]*Node{op.Promotion}, op.Others...) {
				if EventsAhead(op.Demotion.GtidBinlogPos, other.GtidCurrentPos, IGNORE) != 0 {
					op.result.addError("ERR02011", other.ConfigName)
					op.finish(false)
					return true
				}
			}
		}
		op.phase = "demote"
		return false
	case "demote":
		if conn, ok := op.Promotion.ReplicaOf(op.Demotion); ok {
			_ = op.Backend.StopReplica(op.Promotion, conn.ConnectionName)
			_ = op.Backend.ResetReplica(op.Promotion, conn.ConnectionName)
		}
		op.phase = "promote"
		return false
	case "promote":
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
			op.finish(true) // primary is promoted: partial success, not a hard failure
			return true
		}
		op.Sleep(200 * time.Millisecond)
		return false
	}
	op.finish(false)
	return true
}
