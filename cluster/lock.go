package cluster

import (
	"math/rand"
	"time"
)

// LockQuorumMode mirrors the `cooperative_monitoring_locks` config
// option (spec §6.2).
type LockQuorumMode int

const (
	LockQuorumNone LockQuorumMode = iota
	LockQuorumMajorityOfRunning
	LockQuorumMajorityOfAll
)

// LockBackend is the per-Node advisory-lock transport; SQLBackend
// implements it on top of utils/dbhelper, tests supply a fake.
type LockBackend interface {
	// ReadLocks reports the owner connection id of both advisory locks
	// on a Node, or an error if the Node could not be queried.
	ReadLocks(n *Node) (server, master LockStatus, err error)
	// Acquire attempts GET_LOCK(name, 0) on n for the given kind.
	Acquire(n *Node, kind LockKind) (owned bool, err error)
	// Release runs RELEASE_LOCK(name) on n for the given kind.
	Release(n *Node, kind LockKind) error
}

// LockCoordinator is C6: it tracks per-Node lock status, computes lock
// majority, and drives the acquire/release protocol of spec §4.6.
type LockCoordinator struct {
	Mode LockQuorumMode

	HasMajority bool

	// SuppressAutomationUntilTick disables auto-failover/auto-rejoin
	// etc. until this tick number (exclusive), used both after
	// gaining majority (debounce window) and after losing it.
	SuppressAutomationUntilTick int

	nextAttemptAtTick int
	rng               *rand.Rand
}

// NewLockCoordinator builds a LockCoordinator in the given quorum mode.
func NewLockCoordinator(mode LockQuorumMode) *LockCoordinator {
	return &LockCoordinator{Mode: mode, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// RefreshLockStatus updates every Node's LockStatus from the backend;
// a Node that fails to answer keeps its previous status (transient
// node error, never aborts the tick).
func (lc *LockCoordinator) RefreshLockStatus(nodes []*Node, backend LockBackend) {
	for _, n := range nodes {
		if n.Down {
			continue
		}
		server, master, err := backend.ReadLocks(n)
		if err != nil {
			continue
		}
		n.Locks[LockServer] = server
		n.Locks[LockMaster] = master
	}
}

// Majority computes whether this monitor holds the `server` lock on a
// majority of the relevant Node population for lc.Mode.
func Majority(nodes []*Node, mode LockQuorumMode) bool {
	if mode == LockQuorumNone {
		return true
	}
	total, owned := 0, 0
	for _, n := range nodes {
		if mode == LockQuorumMajorityOfRunning && !n.Running {
			continue
		}
		total++
		if n.Locks[LockServer].State == LockOwnedSelf {
			owned++
		}
	}
	if total == 0 {
		return false
	}
	return owned*2 > total
}

// nextRelockDelayTicks implements "(5 + U[0,3)) x tickInterval",
// expressed as a number of ticks to wait before the next acquire pass.
func (lc *LockCoordinator) nextRelockDelayTicks() int {
	return 5 + int(lc.rng.Float64()*3)
}

// Tick advances the LockCoordinator by one monitor tick: it recomputes
// majority, attempts acquisition when due, manages the master lock,
// and releases everything on majority loss. currentTick is the
// monitor's monotonically increasing tick counter.
func (lc *LockCoordinator) Tick(nodes []*Node, primary *Node, backend LockBackend, currentTick, failCount int) {
	hadMajority := lc.HasMajority
	lc.HasMajority = Majority(nodes, lc.Mode)

	if lc.Mode == LockQuorumNone {
		return
	}

	if hadMajority && !lc.HasMajority {
		lc.releaseAll(nodes, backend)
		lc.SuppressAutomationUntilTick = currentTick + failCount
		return
	}

	if !hadMajority && lc.HasMajority {
		lc.SuppressAutomationUntilTick = currentTick + failCount
	}

	if lc.HasMajority || currentTick >= lc.nextAttemptAtTick {
		lc.attemptAcquireFree(nodes, backend)
		lc.nextAttemptAtTick = currentTick + lc.nextRelockDelayTicks()
	}

	lc.reconcileMasterLock(nodes, primary, backend)
}

func (lc *LockCoordinator) attemptAcquireFree(nodes []*Node, backend LockBackend) {
	for _, n := range nodes {
		if n.Down {
			continue
		}
		if n.Locks[LockServer].State != LockFree {
			continue
		}
		owned, err := backend.Acquire(n, LockServer)
		if err != nil {
			continue
		}
		if owned {
			n.Locks[LockServer] = LockStatus{State: LockOwnedSelf, LastAcquiredAt: time.Now()}
		}
	}
}

// reconcileMasterLock holds the `master` lock on exactly the current
// primary, releasing and reacquiring if it has drifted.
func (lc *LockCoordinator) reconcileMasterLock(nodes []*Node, primary *Node, backend LockBackend) {
	for _, n := range nodes {
		isPrimary := n == primary
		status := n.Locks[LockMaster]
		switch {
		case isPrimary && status.State == LockOwnedSelf:
			// correctly held, nothing to do
		case isPrimary && status.State != LockOwnedSelf:
			if owned, err := backend.Acquire(n, LockMaster); err == nil && owned {
				n.Locks[LockMaster] = LockStatus{State: LockOwnedSelf, LastAcquiredAt: time.Now()}
			}
		case !isPrimary && status.State == LockOwnedSelf:
			if err := backend.Release(n, LockMaster); err == nil {
				n.Locks[LockMaster] = LockStatus{State: LockFree}
			}
		}
	}
}

func (lc *LockCoordinator) releaseAll(nodes []*Node, backend LockBackend) {
	for _, n := range nodes {
		for _, kind := range []LockKind{LockServer, LockMaster} {
			if n.Locks[kind].State != LockOwnedSelf {
				continue
			}
			if err := backend.Release(n, kind); err == nil {
				n.Locks[kind] = LockStatus{State: LockFree}
			}
		}
	}
}

// ReleaseAllNow is the `release-locks` command (spec §4.7.5): it
// releases both locks on every Node currently owning them and arms a
// one-minute delay before the next automatic acquire pass.
func (lc *LockCoordinator) ReleaseAllNow(nodes []*Node, backend LockBackend, currentTick, ticksPerMinute int) {
	lc.releaseAll(nodes, backend)
	lc.nextAttemptAtTick = currentTick + ticksPerMinute
}
