package cluster

import "testing"

func newTestNode(name string, index int, serverID uint64) *Node {
	n := NewNode(name, index, Endpoint{Host: name, Port: "3306"})
	n.ServerID = serverID
	n.Running = true
	return n
}

func connectReplica(child, parent *Node, byEndpoint bool) {
	r := &ReplicaConnection{
		IO:               IOYes,
		SQL:              SQLYes,
		UpstreamEndpoint: parent.Endpoint,
		UpstreamServerID: parent.ServerID,
		MasterServer:     parent,
	}
	r.markSeenConnected()
	if !byEndpoint {
		// still require the sticky flag explicitly for clarity in tests
		r.SeenConnected = true
	}
	child.Replicas = append(child.Replicas, r)
}

func TestGraphRebuildByServerID(t *testing.T) {
	n1 := newTestNode("n1", 0, 1)
	n2 := newTestNode("n2", 1, 2)
	connectReplica(n2, n1, false)

	g := NewGraph([]*Node{n1, n2}, false)
	g.Rebuild()

	if !g.HasParent(n2, n1) {
		t.Fatalf("expected n2 to have parent n1")
	}
	if len(n1.Children) != 1 || n1.Children[0] != n2 {
		t.Fatalf("expected n1.Children == [n2], got %v", n1.Children)
	}
}

func TestGraphRebuildByEndpoint(t *testing.T) {
	n1 := newTestNode("n1", 0, 1)
	n2 := newTestNode("n2", 1, 2)
	r := &ReplicaConnection{
		IO:               IOYes,
		SQL:              SQLYes,
		UpstreamEndpoint: n1.Endpoint,
	}
	n2.Replicas = append(n2.Replicas, r)

	g := NewGraph([]*Node{n1, n2}, true)
	g.Rebuild()

	if !g.HasParent(n2, n1) {
		t.Fatalf("expected endpoint-based resolution to link n2 -> n1")
	}
}

func TestGraphUnresolvedUpstreamRecordsExternalMaster(t *testing.T) {
	n1 := newTestNode("n1", 0, 1)
	r := &ReplicaConnection{
		IO:               IOYes,
		SQL:              SQLYes,
		SeenConnected:    true,
		UpstreamServerID: 999,
	}
	n1.Replicas = append(n1.Replicas, r)

	g := NewGraph([]*Node{n1}, false)
	g.Rebuild()

	if !n1.HasExternalMaster || n1.ExternalMasterID != 999 {
		t.Fatalf("expected external master 999 recorded, got %+v", n1)
	}
	if len(n1.Parents) != 0 {
		t.Fatalf("expected no resolved parent, got %v", n1.Parents)
	}
}

func TestGraphNonLiveConnectionIgnored(t *testing.T) {
	n1 := newTestNode("n1", 0, 1)
	n2 := newTestNode("n2", 1, 2)
	r := &ReplicaConnection{
		IO:               IOConnecting,
		SQL:              SQLNo,
		UpstreamServerID: n1.ServerID,
	}
	n2.Replicas = append(n2.Replicas, r)

	g := NewGraph([]*Node{n1, n2}, false)
	g.Rebuild()

	if g.HasParent(n2, n1) {
		t.Fatalf("IO=Connecting,SQL=No must not admit an edge")
	}
}

func TestGraphRebuildIsIdempotent(t *testing.T) {
	n1 := newTestNode("n1", 0, 1)
	n2 := newTestNode("n2", 1, 2)
	connectReplica(n2, n1, false)

	g := NewGraph([]*Node{n1, n2}, false)
	g.Rebuild()
	firstParents := append([]*Node{}, n2.Parents...)
	g.Rebuild()

	if len(firstParents) != len(n2.Parents) || firstParents[0] != n2.Parents[0] {
		t.Fatalf("rebuild is not idempotent: %v vs %v", firstParents, n2.Parents)
	}
}
