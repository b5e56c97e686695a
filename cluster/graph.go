package cluster

// Graph is the directed replication graph reconstructed each tick from
// the current set of Nodes and their ReplicaConnection rows. It holds
// only non-owning references into the monitor's Node slice and is
// rebuilt wholesale on every call to Rebuild: GraphBuilder never
// maintains an incremental graph between ticks (spec design note:
// "the graph is deliberately rebuilt each tick rather than maintained
// incrementally").
type Graph struct {
	Nodes []*Node

	// AssumeUniqueHostnames governs edge resolution: when true, an
	// upstream is resolved by endpoint match; otherwise by upstream
	// server-id, and only once the connection has SeenConnected.
	AssumeUniqueHostnames bool
}

// NewGraph wraps a Node slice; Rebuild must be called before the graph
// is queried.
func NewGraph(nodes []*Node, assumeUniqueHostnames bool) *Graph {
	return &Graph{Nodes: nodes, AssumeUniqueHostnames: assumeUniqueHostnames}
}

// Rebuild is GraphBuilder: it resets parents/children/external-master
// bookkeeping on every Node and re-derives edges from each Node's
// current ReplicaConnection rows, per spec §4.2. It is a pure function
// of (Nodes, ReplicaConnections): identical inputs always produce an
// identical graph.
func (g *Graph) Rebuild() {
	byEndpoint := make(map[string]*Node, len(g.Nodes))
	byServerID := make(map[uint64]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		n.ResetGraphLinkage()
		byEndpoint[n.Endpoint.String()] = n
		if n.ServerID != 0 {
			byServerID[n.ServerID] = n
		}
	}

	for _, n := range g.Nodes {
		for _, r := range n.Replicas {
			r.MasterServer = nil
			if !r.Live() {
				continue
			}

			var upstream *Node
			if g.AssumeUniqueHostnames {
				upstream = byEndpoint[r.UpstreamEndpoint.String()]
			} else if r.SeenConnected && r.UpstreamServerID > 0 {
				upstream = byServerID[r.UpstreamServerID]
			}

			if upstream == nil {
				n.ExternalMasterID = r.UpstreamServerID
				n.HasExternalMaster = r.UpstreamServerID > 0
				continue
			}
			if upstream == n {
				continue
			}

			r.MasterServer = upstream
			n.Parents = append(n.Parents, upstream)
			upstream.Children = append(upstream.Children, n)
		}
	}
}

// HasParent reports whether child currently has parent as an upstream
// in the rebuilt graph.
func (g *Graph) HasParent(child, parent *Node) bool {
	for _, p := range child.Parents {
		if p == parent {
			return true
		}
	}
	return false
}
