package cluster

import "time"

// RejoinOp implements spec §4.7.3: collect-suspects -> verify-per-node
// -> redirect -> done. Suspects are nodes observed without a live
// replication link to the current primary (typically the old primary
// after a failover, or a node that lost its connection and needs to be
// pointed back at whoever is in charge now).
type RejoinOp struct {
	baseOp

	Primary  *Node
	Suspects []*Node

	Backend     OperationBackend
	Credentials ReplicationCredentials

	verified []*Node // suspects cleared to rejoin
	skipped  map[*Node]bool
}

// NewRejoinOp builds a RejoinOp over the given suspect set. Suspects
// already replicating live from primary are dropped immediately.
func NewRejoinOp(primary *Node, suspects []*Node, backend OperationBackend, budget time.Duration, now time.Time, creds ReplicationCredentials) *RejoinOp {
	op := &RejoinOp{
		baseOp:      newBaseOp(budget, now),
		Primary:     primary,
		Backend:     backend,
		Credentials: creds,
		skipped:     map[*Node]bool{},
	}
	for _, s := range suspects {
		if conn, ok := s.ReplicaOf(primary); ok && conn.Live() {
			continue
		}
		op.Suspects = append(op.Suspects, s)
	}
	op.phase = "collect-suspects"
	return op
}

func (op *RejoinOp) Kind() OperationKind { return OpRejoin }

func (op *RejoinOp) Step(now time.Time) bool {
	if op.cancelled {
		op.result.addError("ERR02004", op.Kind(), op.phase)
		op.finish(false)
		return true
	}
	if op.timedOut(now) {
		op.result.addError("ERR02005", op.Kind(), op.phase)
		op.finish(len(op.verified) > 0)
		op.result.Partial = true
		return true
	}

	switch op.phase {
	case "collect-suspects":
		if len(op.Suspects) == 0 {
			op.finish(true)
			return true
		}
		op.phase = "verify-per-node"
		return false
	case "verify-per-node":
		for _, s := range op.Suspects {
			if op.skipped[s] || contains(op.verified, s) {
				continue
			}
			if s.Maintenance || s.AuthError {
				op.skipped[s] = true
				op.result.addError("ERR02013", s.ConfigName)
				continue
			}
			if !CanReplicateFrom(s.GtidCurrentPos, op.Primary.GtidCurrentPos) {
				op.skipped[s] = true
				op.result.addError("ERR02014", s.ConfigName)
				continue
			}
			op.verified = append(op.verified, s)
		}
		op.phase = "redirect"
		return false
	case "redirect":
		succeeded := 0
		for _, s := range op.verified {
			conn, ok := s.ReplicaOf(op.Primary)
			name := ""
			if ok {
				name = conn.ConnectionName
			}
			if err := op.Backend.StopReplica(s, name); err == nil {
				_ = op.Backend.ResetReplica(s, name)
			}
			if err := op.Backend.StartReplica(s, name, op.Primary.Endpoint, true, op.Credentials); err != nil {
				op.skipped[s] = true
				op.result.addError("ERR02015", s.ConfigName, err)
				continue
			}
			succeeded++
		}
		if len(op.skipped) > 0 {
			op.result.Partial = true
		}
		op.finish(succeeded > 0 || len(op.Suspects) == 0)
		return true
	}
	op.finish(false)
	return true
}

func contains(nodes []*Node, n *Node) bool {
	for _, x := range nodes {
		if x == n {
			return true
		}
	}
	return false
}
