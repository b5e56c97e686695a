package cluster

import "time"

// ReleaseLocksOp implements spec §4.7.5: a single-phase operation that
// wraps LockCoordinator.ReleaseAllNow, exposed through the same
// Operation/OperationEngine machinery as the other commands so
// `release-locks`/`async-release-locks` share one dispatch path.
type ReleaseLocksOp struct {
	baseOp

	Nodes         []*Node
	LockBackend   LockBackend
	TicksPerMinute int

	lc *LockCoordinator
}

// NewReleaseLocksOp builds a ReleaseLocksOp over the cluster's current
// LockCoordinator.
func NewReleaseLocksOp(lc *LockCoordinator, nodes []*Node, backend LockBackend, ticksPerMinute int, budget time.Duration, now time.Time) *ReleaseLocksOp {
	op := &ReleaseLocksOp{
		baseOp:         newBaseOp(budget, now),
		Nodes:          nodes,
		LockBackend:    backend,
		TicksPerMinute: ticksPerMinute,
		lc:             lc,
	}
	op.phase = "release"
	return op
}

func (op *ReleaseLocksOp) Kind() OperationKind { return OpReleaseLocks }

func (op *ReleaseLocksOp) Step(now time.Time) bool {
	if op.cancelled {
		op.result.addError("ERR02004", op.Kind(), op.phase)
		op.finish(false)
		return true
	}
	op.lc.ReleaseAllNow(op.Nodes, op.LockBackend, 0, op.TicksPerMinute)
	op.finish(true)
	return true
}
