package cluster

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProbeBackend is everything NodeProbe needs from a live connection to
// one server. SQLBackend (sqlbackend.go) implements it on top of
// utils/dbhelper; tests supply a fake. Splitting this out keeps NodeProbe itself pure control
// flow around a snapshot, the same separation op_backend.go draws for
// the operation state machines.
type ProbeBackend interface {
	Connect(n *Node, timeout time.Duration) error
	ReadVariables(n *Node) (serverID uint64, readOnly bool, gtidDomainID uint64, err error)
	ReadReplicaStatus(n *Node) ([]ReplicaConnection, error)
	ReadGtids(n *Node) (current, binlog *GtidList, err error)
	ReadRplSettings(n *Node) (gtidStrictMode, logBin, logSlaveUpdates bool, err error)
	ReadLocks(n *Node) (server, master LockStatus, err error)
	ReadEnabledEvents(n *Node) ([]string, error)
}

// ProbeResult is one Node's outcome for a tick, applied to the Node by
// the monitor thread at the tick's publish step (spec: "exclusive
// writer of that Node's fields until the tick's publish step" means the
// probe goroutine owns a private copy, never the live Node, while other
// probes run concurrently).
type ProbeResult struct {
	Node             *Node
	TopologyChanged  bool
	Down             bool
	AuthError        bool

	ServerID     uint64
	ReadOnly     bool
	GtidDomainID uint64
	Replicas     []ReplicaConnection
	GtidCurrent  *GtidList
	GtidBinlog   *GtidList
	Locks        map[LockKind]LockStatus
	Events       []string

	GtidStrictMode  bool
	LogBin          bool
	LogSlaveUpdates bool
}

// ProbeNodes runs NodeProbe (C1) over every Node concurrently on a
// bounded worker pool, using errgroup.SetLimit the way the teacher's
// pack-mate repos bound fan-out (no pack file in the retrieved
// Thorsieger fragments shows the teacher's own probe loop, so this
// follows spec.md's "bounded worker pool" requirement using the
// ecosystem's standard concurrent-fan-out helper).
func ProbeNodes(ctx context.Context, nodes []*Node, backend ProbeBackend, timeout time.Duration, maxConcurrency int) []ProbeResult {
	results := make([]ProbeResult, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	if maxConcurrency > 0 {
		g.SetLimit(maxConcurrency)
	}
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			results[i] = probeOne(gctx, n, backend, timeout)
			return nil
		})
	}
	_ = g.Wait() // probeOne never returns an error: failures are encoded in ProbeResult
	return results
}

func probeOne(_ context.Context, n *Node, backend ProbeBackend, timeout time.Duration) ProbeResult {
	res := ProbeResult{Node: n}

	if err := backend.Connect(n, timeout); err != nil {
		if isAuthError(err) {
			res.AuthError = true
		}
		res.Down = true
		res.TopologyChanged = n.Running
		return res
	}

	serverID, readOnly, domainID, err := backend.ReadVariables(n)
	if err != nil {
		res.Down = true
		res.TopologyChanged = n.Running
		return res
	}
	res.ServerID = serverID
	res.ReadOnly = readOnly
	res.GtidDomainID = domainID

	replicas, err := backend.ReadReplicaStatus(n)
	if err != nil {
		res.Down = true
		res.TopologyChanged = n.Running
		return res
	}
	prev := make([]ReplicaConnection, len(n.Replicas))
	for i, r := range n.Replicas {
		prev[i] = *r
	}
	res.Replicas = correlateReplicas(prev, replicas)

	current, binlog, err := backend.ReadGtids(n)
	if err == nil {
		res.GtidCurrent = current
		res.GtidBinlog = binlog
	}

	if strict, logBin, logSlaveUpdates, err := backend.ReadRplSettings(n); err == nil {
		res.GtidStrictMode = strict
		res.LogBin = logBin
		res.LogSlaveUpdates = logSlaveUpdates
	}

	if server, master, err := backend.ReadLocks(n); err == nil {
		res.Locks = map[LockKind]LockStatus{LockServer: server, LockMaster: master}
	}

	if events, err := backend.ReadEnabledEvents(n); err == nil {
		res.Events = events
	}

	res.TopologyChanged = topologyChanged(n, res, serverID, readOnly)
	return res
}

// correlateReplicas matches freshly read rows against the previous
// tick's rows by connection name and upstream endpoint first, falling
// back to positional correlation, and carries seen_connected forward.
func correlateReplicas(prev []ReplicaConnection, fresh []ReplicaConnection) []ReplicaConnection {
	matched := make([]bool, len(prev))
	out := make([]ReplicaConnection, len(fresh))
	for i, f := range fresh {
		out[i] = f
		idx := -1
		for j, p := range prev {
			if matched[j] {
				continue
			}
			if p.ConnectionName == f.ConnectionName && p.UpstreamEndpoint == f.UpstreamEndpoint {
				idx = j
				break
			}
		}
		if idx < 0 && i < len(prev) && !matched[i] {
			idx = i // positional fallback, spec §4.1
		}
		if idx >= 0 {
			matched[idx] = true
			out[i].SeenConnected = prev[idx].SeenConnected
		}
		out[i].markSeenConnected()
	}
	return out
}

func topologyChanged(n *Node, res ProbeResult, serverID uint64, readOnly bool) bool {
	if !n.Running {
		return true // down -> running transition
	}
	if n.ServerID != serverID || n.ReadOnly != readOnly {
		return true
	}
	if len(n.Replicas) != len(res.Replicas) {
		return true
	}
	for i, r := range res.Replicas {
		old := n.Replicas[i]
		if old.ConnectionName != r.ConnectionName || old.UpstreamEndpoint != r.UpstreamEndpoint ||
			old.UpstreamServerID != r.UpstreamServerID || old.IO != r.IO || old.SQL != r.SQL {
			return true
		}
	}
	return false
}

// ApplyProbeResult writes a ProbeResult onto its Node and maintains the
// error-counter/auth-error latch semantics of spec §4.1. It must only
// be called from the monitor thread at the tick's publish step.
func ApplyProbeResult(res ProbeResult) {
	n := res.Node
	if res.Down {
		n.Running = false
		n.Down = true
		n.ErrorCount++
		if res.AuthError {
			n.AuthError = true
		}
		n.ResetGraphLinkage()
		return
	}

	n.Running = true
	n.Down = false
	n.ErrorCount = 0
	n.AuthError = false
	n.ServerID = res.ServerID
	n.ReadOnly = res.ReadOnly
	n.GtidDomainID = res.GtidDomainID
	n.Replicas = make([]*ReplicaConnection, len(res.Replicas))
	for i := range res.Replicas {
		n.Replicas[i] = &res.Replicas[i]
	}
	if res.GtidCurrent != nil {
		n.GtidCurrentPos = res.GtidCurrent
	}
	if res.GtidBinlog != nil {
		n.GtidBinlogPos = res.GtidBinlog
	}
	if res.Locks != nil {
		n.Locks = res.Locks
	}
	if res.Events != nil {
		n.EnabledEvents = res.Events
	}
	n.GtidStrictMode = res.GtidStrictMode
	n.LogBin = res.LogBin
	n.LogSlaveUpdates = res.LogSlaveUpdates
}

func isAuthError(err error) bool {
	type accessDenier interface {
		AccessDenied() bool
	}
	if ad, ok := err.(accessDenier); ok {
		return ad.AccessDenied()
	}
	return false
}
