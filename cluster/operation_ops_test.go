package cluster

import (
	"testing"
	"time"
)

type fakeOpBackend struct {
	ioErrFor map[string]string
	startErr map[string]error

	flushLockCalls  int
	killCalls       int
	unlockCalls     int
	killRounds      []int // killed count returned on each successive call
	binlogPosReads  []*GtidList
}

func newFakeOpBackend() *fakeOpBackend {
	return &fakeOpBackend{ioErrFor: map[string]string{}, startErr: map[string]error{}}
}

func (b *fakeOpBackend) StopReplica(n *Node, connectionName string) error  { return nil }
func (b *fakeOpBackend) ResetReplica(n *Node, connectionName string) error { return nil }
func (b *fakeOpBackend) StartReplica(n *Node, connectionName string, upstream Endpoint, useGTID bool, repl ReplicationCredentials) error {
	if err, ok := b.startErr[n.ConfigName]; ok {
		return err
	}
	n.GtidCurrentPos = upstreamGtid
	return nil
}
func (b *fakeOpBackend) SetReadOnly(n *Node, readOnly bool) error { n.ReadOnly = readOnly; return nil }
func (b *fakeOpBackend) EnableEvents(n *Node) error               { return nil }
func (b *fakeOpBackend) DisableEvents(n *Node) error              { return nil }
func (b *fakeOpBackend) RunSQLFile(n *Node, path string) error    { return nil }
func (b *fakeOpBackend) FlushTablesWithReadLock(n *Node) error {
	b.flushLockCalls++
	return nil
}
func (b *fakeOpBackend) UnlockTables(n *Node) error {
	b.unlockCalls++
	return nil
}
func (b *fakeOpBackend) KillNonReplicationConnections(n *Node) (int, error) {
	killed := 0
	if b.killCalls < len(b.killRounds) {
		killed = b.killRounds[b.killCalls]
	}
	b.killCalls++
	return killed, nil
}
func (b *fakeOpBackend) FlushLogs(n *Node) error { return nil }
func (b *fakeOpBackend) ReadGtidBinlogPos(n *Node) (*GtidList, error) {
	if len(b.binlogPosReads) > 0 {
		pos := b.binlogPosReads[0]
		b.binlogPosReads = b.binlogPosReads[1:]
		return pos, nil
	}
	return n.GtidBinlogPos, nil
}
func (b *fakeOpBackend) ReadGtidCurrentPos(n *Node) (*GtidList, error) {
	return n.GtidCurrentPos, nil
}
func (b *fakeOpBackend) ReadReplicaIOError(n *Node, connectionName string) (string, error) {
	return b.ioErrFor[n.ConfigName], nil
}
func (b *fakeOpBackend) SetSlaveGtidPos(n *Node, value string) error { return nil }
func (b *fakeOpBackend) ResetMaster(n *Node) error                  { return nil }

var upstreamGtid = mustGtidList("1-100-50")

func mustGtidList(s string) *GtidList {
	g, err := ParseGtidList(s)
	if err != nil {
		panic(err)
	}
	return g
}

func makeFailoverFixture() (demotion, promotion, other *Node) {
	demotion = newTestNode("demotion", 0, 1)
	demotion.GtidDomainID = 1
	demotion.GtidBinlogPos = mustGtidList("1-100-50")
	promotion = newTestNode("promotion", 1, 2)
	other = newTestNode("other", 2, 3)

	connectReplica(promotion, demotion, false)
	connectReplica(other, demotion, false)
	promotion.Replicas[0].SeenConnected = true
	promotion.Replicas[0].GtidIOPos = mustGtidList("1-100-50")
	other.Replicas[0].SeenConnected = true
	other.Replicas[0].GtidIOPos = mustGtidList("1-100-10")

	demotion.Children = []*Node{promotion, other}
	promotion.Parents = []*Node{demotion}
	other.Parents = []*Node{demotion}
	promotion.GtidCurrentPos = mustGtidList("1-100-50")
	other.GtidCurrentPos = mustGtidList("1-100-10")
	return
}

func TestFailoverOpPromotesHighestIOPosition(t *testing.T) {
	demotion, promotion, _ := makeFailoverFixture()
	backend := newFakeOpBackend()
	now := time.Unix(0, 0)

	op := NewFailoverOp(demotion, []*Node{demotion, promotion}, backend, time.Minute, now, false, ReplicationCredentials{}, "")
	if op == nil {
		t.Fatalf("expected a FailoverOp")
	}
	if op.Promotion != promotion {
		t.Fatalf("expected promotion target to be the node with the highest IO position")
	}

	for i := 0; i < 20 && op.Status() != StatusDone; i++ {
		op.Step(now)
	}
	res := op.Result()
	if !res.Success {
		t.Fatalf("expected success, got errors: %v", res.Errors)
	}
	if !promotion.Master {
		t.Fatalf("expected promotion node marked Master")
	}
	if promotion.ReadOnly {
		t.Fatalf("expected promotion node read_only off")
	}
}

func TestFailoverOpNoCandidatesReturnsNil(t *testing.T) {
	demotion := newTestNode("solo", 0, 1)
	op := NewFailoverOp(demotion, []*Node{demotion}, newFakeOpBackend(), time.Minute, time.Unix(0, 0), false, ReplicationCredentials{}, "")
	if op != nil {
		t.Fatalf("expected nil when there are no replicating children")
	}
}

func TestFailoverOpStabilizeWaitsForAllRedirectedReplicas(t *testing.T) {
	demotion := newTestNode("demotion", 0, 1)
	demotion.GtidDomainID = 1
	demotion.GtidBinlogPos = mustGtidList("1-100-50")
	promotion := newTestNode("promotion", 1, 2)
	laggard := newTestNode("laggard", 2, 3)

	connectReplica(promotion, demotion, false)
	connectReplica(laggard, demotion, false)
	promotion.Replicas[0].SeenConnected = true
	promotion.Replicas[0].GtidIOPos = mustGtidList("1-100-50")

	demotion.Children = []*Node{promotion, laggard}
	promotion.Parents = []*Node{demotion}
	laggard.Parents = []*Node{demotion}
	promotion.GtidCurrentPos = mustGtidList("1-100-50")
	laggard.GtidCurrentPos = mustGtidList("1-100-10")

	backend := newFakeOpBackend()
	backend.ioErrFor["laggard"] = "Got fatal error reading binlog"
	now := time.Unix(0, 0)

	op := NewFailoverOp(demotion, []*Node{demotion, promotion, laggard}, backend, time.Hour, now, false, ReplicationCredentials{}, "")
	if op == nil {
		t.Fatalf("expected a FailoverOp")
	}
	for i := 0; i < 10 && op.Phase() != "stabilize"; i++ {
		op.Step(now)
	}
	if op.Phase() != "stabilize" {
		t.Fatalf("expected to reach stabilize phase, got %s", op.Phase())
	}

	// One tick with the laggard still erroring: promotion alone catching
	// up must not finish the operation.
	op.Step(now)
	if op.Status() == StatusDone {
		t.Fatalf("expected operation to keep waiting while laggard has a replication IO error")
	}

	// Laggard catches up: now the operation may finish.
	delete(backend.ioErrFor, "laggard")
	laggard.GtidCurrentPos = mustGtidList("1-100-50")
	for i := 0; i < 10 && op.Status() != StatusDone; i++ {
		op.Step(now)
	}
	if op.Status() != StatusDone {
		t.Fatalf("expected operation to finish once all redirected replicas stabilize")
	}
	if !op.Result().Success {
		t.Fatalf("expected success, got errors: %v", op.Result().Errors)
	}
	if op.Result().Partial {
		t.Fatalf("expected a full (non-partial) success once every replica stabilized")
	}
}

func TestSwitchoverOpRejectsNonReplicaTarget(t *testing.T) {
	a := newTestNode("a", 0, 1)
	b := newTestNode("b", 1, 2) // not a replica of a
	op := NewSwitchoverOp(a, b, []*Node{a, b}, newFakeOpBackend(), time.Minute, time.Unix(0, 0), ReplicationCredentials{}, "", "")
	if op != nil {
		t.Fatalf("expected nil for a promotion target that does not replicate from demotion")
	}
}

func TestSwitchoverOpRunsToCompletion(t *testing.T) {
	demotion := newTestNode("demotion", 0, 1)
	promotion := newTestNode("promotion", 1, 2)
	connectReplica(promotion, demotion, false)
	demotion.Children = []*Node{promotion}
	promotion.Parents = []*Node{demotion}
	demotion.GtidBinlogPos = mustGtidList("1-1-5")
	demotion.LogBin = true
	demotion.LogSlaveUpdates = true
	promotion.GtidCurrentPos = mustGtidList("1-1-5")

	backend := newFakeOpBackend()
	now := time.Unix(0, 0)
	op := NewSwitchoverOp(demotion, promotion, []*Node{demotion, promotion}, backend, time.Minute, now, ReplicationCredentials{}, "", "")
	if op == nil {
		t.Fatalf("expected a SwitchoverOp")
	}
	for i := 0; i < 20 && op.Status() != StatusDone; i++ {
		op.Step(now)
	}
	if !op.Result().Success {
		t.Fatalf("expected success, got errors: %v", op.Result().Errors)
	}
	if !promotion.Master {
		t.Fatalf("expected promotion marked Master")
	}
	if !demotion.ReadOnly {
		t.Fatalf("expected old primary demoted to read_only")
	}
}

func TestSwitchoverOpUndoesOnCancelDuringCatchup(t *testing.T) {
	demotion := newTestNode("demotion", 0, 1)
	promotion := newTestNode("promotion", 1, 2)
	connectReplica(promotion, demotion, false)
	demotion.Children = []*Node{promotion}
	promotion.Parents = []*Node{demotion}
	demotion.GtidBinlogPos = mustGtidList("1-1-50")
	demotion.LogBin = true
	demotion.LogSlaveUpdates = true
	promotion.GtidCurrentPos = mustGtidList("1-1-1") // far behind, never catches up in this fake

	backend := newFakeOpBackend()
	now := time.Unix(0, 0)
	op := NewSwitchoverOp(demotion, promotion, []*Node{demotion, promotion}, backend, time.Minute, now, ReplicationCredentials{}, "", "")
	// demote's FLUSH TABLES WITH READ LOCK / kill-loop / UNLOCK TABLES
	// run synchronously within the "demote" step; stabilize_gtid then
	// needs three stable reads of the fake's (unchanging) GtidBinlogPos
	// before it hands off to catchup.
	for i := 0; i < 10 && op.Phase() != "catchup"; i++ {
		op.Step(now)
	}
	if op.Phase() != "catchup" {
		t.Fatalf("expected to reach catchup phase, got %s", op.Phase())
	}
	if !demotion.ReadOnly {
		t.Fatalf("expected demotion set read_only during demote phase")
	}
	op.Cancel()
	op.Step(now)
	if demotion.ReadOnly {
		t.Fatalf("expected undo to restore demotion to writable after cancel")
	}
	if op.Result().Success {
		t.Fatalf("expected a cancelled switchover to report failure")
	}
}

func TestSwitchoverOpDemotePhaseLocksKillsAndWaitsForGtidStability(t *testing.T) {
	demotion := newTestNode("demotion", 0, 1)
	promotion := newTestNode("promotion", 1, 2)
	connectReplica(promotion, demotion, false)
	demotion.Children = []*Node{promotion}
	promotion.Parents = []*Node{demotion}
	demotion.LogBin = true
	demotion.LogSlaveUpdates = true
	promotion.GtidCurrentPos = mustGtidList("1-1-5")

	backend := newFakeOpBackend()
	backend.killRounds = []int{2, 1, 0} // two rounds still have connections, third round is clear
	// Binlog position keeps moving for the first two stability reads,
	// then settles: the stability check must not pass on those shifting
	// reads and must restart its streak each time the value changes.
	backend.binlogPosReads = []*GtidList{
		mustGtidList("1-1-1"),
		mustGtidList("1-1-3"),
		mustGtidList("1-1-5"),
		mustGtidList("1-1-5"),
		mustGtidList("1-1-5"),
	}

	now := time.Unix(0, 0)
	op := NewSwitchoverOp(demotion, promotion, []*Node{demotion, promotion}, backend, time.Minute, now, ReplicationCredentials{}, "", "")
	for i := 0; i < 15 && op.Phase() != "catchup"; i++ {
		op.Step(now)
	}
	if op.Phase() != "catchup" {
		t.Fatalf("expected to reach catchup phase, got %s", op.Phase())
	}
	if backend.flushLockCalls != 1 {
		t.Fatalf("expected exactly one FLUSH TABLES WITH READ LOCK, got %d", backend.flushLockCalls)
	}
	if backend.unlockCalls != 1 {
		t.Fatalf("expected exactly one UNLOCK TABLES, got %d", backend.unlockCalls)
	}
	if backend.killCalls != 3 {
		t.Fatalf("expected the kill loop to stop once a round kills nothing, got %d rounds", backend.killCalls)
	}
}

func TestRejoinOpSkipsDivergedSuspect(t *testing.T) {
	primary := newTestNode("primary", 0, 1)
	primary.GtidCurrentPos = mustGtidList("1-1-10")
	suspect := newTestNode("suspect", 1, 2)
	suspect.GtidCurrentPos = mustGtidList("1-1-20") // ahead of primary: cannot rejoin safely

	backend := newFakeOpBackend()
	now := time.Unix(0, 0)
	op := NewRejoinOp(primary, []*Node{suspect}, backend, time.Minute, now, ReplicationCredentials{})
	for i := 0; i < 10 && op.Status() != StatusDone; i++ {
		op.Step(now)
	}
	res := op.Result()
	if res.Success {
		t.Fatalf("expected no success when the only suspect is skipped")
	}
	if len(res.Errors) == 0 {
		t.Fatalf("expected a skip error recorded")
	}
}

func TestRejoinOpRedirectsCompatibleSuspect(t *testing.T) {
	primary := newTestNode("primary", 0, 1)
	primary.GtidCurrentPos = mustGtidList("1-1-10")
	suspect := newTestNode("suspect", 1, 2)
	suspect.GtidCurrentPos = mustGtidList("1-1-5")

	backend := newFakeOpBackend()
	now := time.Unix(0, 0)
	op := NewRejoinOp(primary, []*Node{suspect}, backend, time.Minute, now, ReplicationCredentials{})
	for i := 0; i < 10 && op.Status() != StatusDone; i++ {
		op.Step(now)
	}
	if !op.Result().Success {
		t.Fatalf("expected success, got errors: %v", op.Result().Errors)
	}
}

func TestRejoinOpEmptySuspectSetSucceedsImmediately(t *testing.T) {
	primary := newTestNode("primary", 0, 1)
	op := NewRejoinOp(primary, nil, newFakeOpBackend(), time.Minute, time.Unix(0, 0), ReplicationCredentials{})
	done := op.Step(time.Unix(0, 0))
	if !done || !op.Result().Success {
		t.Fatalf("expected an immediate success with no suspects")
	}
}

func TestResetOpRunsPhasesInOrder(t *testing.T) {
	newPrimary := newTestNode("newprimary", 0, 1)
	other := newTestNode("other", 1, 2)
	backend := newFakeOpBackend()
	now := time.Unix(0, 0)

	op := NewResetOp(newPrimary, []*Node{other}, backend, time.Minute, now, ReplicationCredentials{}, "")
	for i := 0; i < 10 && op.Status() != StatusDone; i++ {
		op.Step(now)
	}
	res := op.Result()
	if !res.Success {
		t.Fatalf("expected success, got errors: %v", res.Errors)
	}
	if !newPrimary.Master {
		t.Fatalf("expected new primary marked Master")
	}
	if newPrimary.ReadOnly {
		t.Fatalf("expected new primary writable")
	}
}

func TestReleaseLocksOpReleasesAndFinishes(t *testing.T) {
	lc := NewLockCoordinator(LockQuorumMajorityOfAll)
	n := newTestNode("a", 0, 1)
	n.Locks[LockServer] = LockStatus{State: LockOwnedSelf}
	backend := &fakeLockBackend{}
	op := NewReleaseLocksOp(lc, []*Node{n}, backend, 12, time.Minute, time.Unix(0, 0))
	done := op.Step(time.Unix(0, 0))
	if !done || !op.Result().Success {
		t.Fatalf("expected release-locks to finish successfully")
	}
	if n.Locks[LockServer].State != LockFree {
		t.Fatalf("expected lock released")
	}
}
