package cluster

import "time"

// ResetOp implements spec §4.7.4: collect -> stop-all -> set-readonly
// -> reset-master -> set-slave-pos -> promote-new -> redirect-others ->
// done. This is the destructive "start the whole replication topology
// over" operation used to recover from unrecoverable GTID divergence;
// every node's replication state is wiped and rebuilt from a single
// chosen node forward.
type ResetOp struct {
	baseOp

	NewPrimary *Node
	Others     []*Node

	Backend      OperationBackend
	Credentials  ReplicationCredentials
	SlaveGtidPos string // gtid_slave_pos to seed on NewPrimary before promotion, if any

	redirected []*Node
}

// NewResetOp targets newPrimary as the post-reset primary; others is
// every other node in the topology, regardless of current role.
func NewResetOp(newPrimary *Node, others []*Node, backend OperationBackend, budget time.Duration, now time.Time, creds ReplicationCredentials, slaveGtidPos string) *ResetOp {
	op := &ResetOp{
		baseOp:       newBaseOp(budget, now),
		NewPrimary:   newPrimary,
		Others:       others,
		Backend:      backend,
		Credentials:  creds,
		SlaveGtidPos: slaveGtidPos,
	}
	op.phase = "collect"
	return op
}

func (op *ResetOp) Kind() OperationKind { return OpReset }

func (op *ResetOp) Step(now time.Time) bool {
	if op.cancelled {
		op.result.addError("ERR02004", op.Kind(), op.phase)
		op.finish(false)
		return true
	}
	if op.timedOut(now) {
		op.result.addError("ERR02005", op.Kind(), op.phase)
		op.finish(false)
		return true
	}

	switch op.phase {
	case "collect":
		if op.NewPrimary == nil {
			op.result.addError("ERR02016")
			op.finish(false)
			return true
		}
		op.phase = "stop-all"
		return false
	case "stop-all":
		_ = op.Backend.StopReplica(op.NewPrimary, "")
		for _, o := range op.Others {
			_ = op.Backend.StopReplica(o, "")
		}
		op.phase = "set-readonly"
		return false
	case "set-readonly":
		for _, o := range op.Others {
			if err := op.Backend.SetReadOnly(o, true); err != nil {
				op.result.addError("ERR02017", o.ConfigName, err)
			}
		}
		op.phase = "reset-master"
		return false
	case "reset-master":
		if err := op.Backend.ResetMaster(op.NewPrimary); err != nil {
			op.result.addError("ERR02018", op.NewPrimary.ConfigName, err)
			op.finish(false)
			return true
		}
		for _, o := range op.Others {
			_ = op.Backend.ResetReplica(o, "")
		}
		op.phase = "set-slave-pos"
		return false
	case "set-slave-pos":
		if op.SlaveGtidPos != "" {
			if err := op.Backend.SetSlaveGtidPos(op.NewPrimary, op.SlaveGtidPos); err != nil {
				op.result.addError("ERR02019", op.NewPrimary.ConfigName, err)
				op.finish(false)
				return true
			}
		}
		op.phase = "promote-new"
		return false
	case "promote-new":
		if err := op.Backend.SetReadOnly(op.NewPrimary, false); err != nil {
			op.result.addError("ERR02020", op.NewPrimary.ConfigName, err)
			op.finish(false)
			return true
		}
		op.NewPrimary.Master = true
		op.phase = "redirect-others"
		return false
	case "redirect-others":
		for _, o := range op.Others {
			if err := op.Backend.StartReplica(o, "", op.NewPrimary.Endpoint, true, op.Credentials); err != nil {
				op.result.addError("ERR02021", o.ConfigName, err)
				continue
			}
			op.redirected = append(op.redirected, o)
		}
		if len(op.redirected) < len(op.Others) {
			op.result.Partial = true
		}
		op.finish(true)
		return true
	}
	op.finish(false)
	return true
}
