package cluster

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeProbeBackend struct {
	downFor     map[string]bool
	authErrFor  map[string]bool
	serverID    map[string]uint64
	readOnly    map[string]bool
	replicas    map[string][]ReplicaConnection
}

type accessDeniedErr struct{}

func (accessDeniedErr) Error() string     { return "access denied" }
func (accessDeniedErr) AccessDenied() bool { return true }

func (b *fakeProbeBackend) Connect(n *Node, timeout time.Duration) error {
	if b.downFor[n.ConfigName] {
		if b.authErrFor[n.ConfigName] {
			return accessDeniedErr{}
		}
		return errors.New("connection refused")
	}
	return nil
}

func (b *fakeProbeBackend) ReadVariables(n *Node) (uint64, bool, uint64, error) {
	return b.serverID[n.ConfigName], b.readOnly[n.ConfigName], 1, nil
}

func (b *fakeProbeBackend) ReadReplicaStatus(n *Node) ([]ReplicaConnection, error) {
	return b.replicas[n.ConfigName], nil
}

func (b *fakeProbeBackend) ReadGtids(n *Node) (*GtidList, *GtidList, error) {
	return NewGtidList(), NewGtidList(), nil
}

func (b *fakeProbeBackend) ReadRplSettings(n *Node) (bool, bool, bool, error) {
	return true, true, true, nil
}

func (b *fakeProbeBackend) ReadLocks(n *Node) (LockStatus, LockStatus, error) {
	return LockStatus{State: LockFree}, LockStatus{State: LockFree}, nil
}

func (b *fakeProbeBackend) ReadEnabledEvents(n *Node) ([]string, error) {
	return nil, nil
}

func newFakeBackend() *fakeProbeBackend {
	return &fakeProbeBackend{
		downFor:    map[string]bool{},
		authErrFor: map[string]bool{},
		serverID:   map[string]uint64{},
		readOnly:   map[string]bool{},
		replicas:   map[string][]ReplicaConnection{},
	}
}

func TestProbeNodesMarksDownOnConnectFailure(t *testing.T) {
	n := newTestNode("a", 0, 1)
	n.Running = true
	backend := newFakeBackend()
	backend.downFor["a"] = true

	results := ProbeNodes(context.Background(), []*Node{n}, backend, time.Second, 4)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Down {
		t.Fatalf("expected Down true")
	}
	if !results[0].TopologyChanged {
		t.Fatalf("expected topology changed on running->down transition")
	}
}

func TestProbeNodesLatchesAuthError(t *testing.T) {
	n := newTestNode("a", 0, 1)
	backend := newFakeBackend()
	backend.downFor["a"] = true
	backend.authErrFor["a"] = true

	results := ProbeNodes(context.Background(), []*Node{n}, backend, time.Second, 4)
	ApplyProbeResult(results[0])
	if !n.AuthError {
		t.Fatalf("expected auth error latched")
	}

	backend.downFor["a"] = false
	results = ProbeNodes(context.Background(), []*Node{n}, backend, time.Second, 4)
	ApplyProbeResult(results[0])
	if n.AuthError {
		t.Fatalf("expected auth error cleared after successful probe")
	}
}

func TestProbeNodesErrorCounterResetsOnSuccess(t *testing.T) {
	n := newTestNode("a", 0, 1)
	backend := newFakeBackend()
	backend.downFor["a"] = true

	results := ProbeNodes(context.Background(), []*Node{n}, backend, time.Second, 4)
	ApplyProbeResult(results[0])
	if n.ErrorCount != 1 {
		t.Fatalf("expected error count 1, got %d", n.ErrorCount)
	}

	backend.downFor["a"] = false
	results = ProbeNodes(context.Background(), []*Node{n}, backend, time.Second, 4)
	ApplyProbeResult(results[0])
	if n.ErrorCount != 0 {
		t.Fatalf("expected error count reset to 0, got %d", n.ErrorCount)
	}
}

func TestProbeNodesTopologyChangedOnReadOnlyFlip(t *testing.T) {
	n := newTestNode("a", 0, 1)
	n.Running = true
	n.ReadOnly = false
	backend := newFakeBackend()
	backend.readOnly["a"] = true

	results := ProbeNodes(context.Background(), []*Node{n}, backend, time.Second, 4)
	if !results[0].TopologyChanged {
		t.Fatalf("expected topology changed on read_only flip")
	}
}

func TestCorrelateReplicasPreservesSeenConnectedByNameAndEndpoint(t *testing.T) {
	ep := Endpoint{Host: "upstream", Port: "3306"}
	prev := []ReplicaConnection{{ConnectionName: "", UpstreamEndpoint: ep, SeenConnected: true}}
	fresh := []ReplicaConnection{{ConnectionName: "", UpstreamEndpoint: ep, IO: IOYes, SQL: SQLYes, UpstreamServerID: 5}}

	out := correlateReplicas(prev, fresh)
	if !out[0].SeenConnected {
		t.Fatalf("expected seen_connected carried forward by name+endpoint match")
	}
}

func TestProbeNodesRunsAllConcurrently(t *testing.T) {
	nodes := make([]*Node, 0, 8)
	backend := newFakeBackend()
	for i := 0; i < 8; i++ {
		n := newTestNode("n", i, uint64(i+1))
		nodes = append(nodes, n)
	}
	results := ProbeNodes(context.Background(), nodes, backend, time.Second, 2)
	if len(results) != 8 {
		t.Fatalf("expected 8 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Node != nodes[i] {
			t.Fatalf("result %d not aligned with its Node", i)
		}
	}
}
