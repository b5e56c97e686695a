package cluster

// MasterCondition is a bitmask of requirements that must all hold
// before RoleAssigner will flag the primary Master, mirroring the
// `master_conditions` config option of spec.md §6.2.
type MasterCondition uint32

const (
	MasterCondRequireReplica MasterCondition = 1 << iota
	MasterCondRequireDiskSpace
	MasterCondRequirePeerConcurrence
)

// ReplicaCondition is a bitmask controlling how RoleAssigner treats
// replicas, mirroring the `slave_conditions` config option.
type ReplicaCondition uint32

const (
	ReplicaCondAllowStale ReplicaCondition = 1 << iota
	ReplicaCondRequireWritablePrimary
	ReplicaCondRequireRunningPrimary
	ReplicaCondRequirePeerConcurrence
)

// RoleAssignerInput bundles everything RoleAssigner needs; it is kept
// as an explicit struct (rather than scattering arguments) so the pass
// stays easy to call as a pure function in tests, per the "RoleAssigner
// is pure given the inputs listed in §4.4" testable property.
type RoleAssignerInput struct {
	Nodes               []*Node
	Primary             *Node
	ReplicaConditions   ReplicaCondition
	MasterConditions    MasterCondition
	Cooperative         bool
	PeerConcursOnMaster bool
	EnforceWritableMaster bool
}

// AssignRoles is RoleAssigner (spec §4.4): it clears and recomputes
// Master/Slave/Relay/BinlogRelay on every Node in in.Nodes.
func AssignRoles(in RoleAssignerInput) {
	for _, n := range in.Nodes {
		n.ResetRoles()
	}

	p := in.Primary
	if p == nil {
		return
	}

	if masterEligible(p, in) {
		p.Master = true
	}

	if shortCircuited(p, in) {
		return
	}

	live := map[*Node]bool{p: true}
	visited := map[*Node]bool{p: true}
	propagateLive(p, live, visited)

	if in.ReplicaConditions&ReplicaCondAllowStale != 0 {
		propagateStale(p, live, visited)
	}

	for n := range visited {
		if n == p || !n.Slave {
			continue
		}
		if n.Running && hasRunningChild(n) {
			n.Relay = true
		}
		if n.ServerType == ServerTypeBinlogRelay {
			n.Slave = false
			n.Relay = false
			n.BinlogRelay = true
		}
	}

	computeLag(in.Nodes)
}

func masterEligible(p *Node, in RoleAssignerInput) bool {
	if !p.Running || !p.IsDatabaseServer() || p.Maintenance {
		return false
	}
	if p.ReadOnly && !in.EnforceWritableMaster {
		return false
	}
	if in.MasterConditions&MasterCondRequireReplica != 0 && len(p.Children) == 0 {
		return false
	}
	if in.MasterConditions&MasterCondRequireDiskSpace != 0 && p.DiskSpaceExhausted {
		return false
	}
	if in.Cooperative && in.MasterConditions&MasterCondRequirePeerConcurrence != 0 && !in.PeerConcursOnMaster {
		return false
	}
	return true
}

func shortCircuited(p *Node, in RoleAssignerInput) bool {
	if in.ReplicaConditions&ReplicaCondRequireWritablePrimary != 0 && !p.Master {
		return true
	}
	if in.ReplicaConditions&ReplicaCondRequireRunningPrimary != 0 && p.Down {
		return true
	}
	if in.Cooperative && in.ReplicaConditions&ReplicaCondRequirePeerConcurrence != 0 && !in.PeerConcursOnMaster {
		return true
	}
	return false
}

// propagateLive is a BFS over only live edges: IO=Yes, parent has a
// live link, child is running.
func propagateLive(from *Node, live, visited map[*Node]bool) {
	queue := []*Node{from}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, c := range v.Children {
			conn, ok := c.ReplicaOf(v)
			if !ok {
				continue
			}
			if conn.IO == IOYes && live[v] && c.Running {
				if !live[c] {
					live[c] = true
					c.Slave = true
					visited[c] = true
					queue = append(queue, c)
				} else if !visited[c] {
					visited[c] = true
					c.Slave = true
					queue = append(queue, c)
				}
			}
		}
	}
}

// propagateStale is a second BFS over every remaining graph edge,
// promoting nodes that only have a non-live (Connecting, or Yes-but-
// upstream-not-live) path to the primary, which is only reachable when
// ReplicaCondAllowStale is set.
func propagateStale(from *Node, live, visited map[*Node]bool) {
	queue := []*Node{from}
	seeded := map[*Node]bool{from: true}
	for n := range visited {
		if n != from {
			queue = append(queue, n)
			seeded[n] = true
		}
	}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, c := range v.Children {
			if visited[c] {
				continue
			}
			_, ok := c.ReplicaOf(v)
			if !ok {
				continue
			}
			c.Slave = true
			visited[c] = true
			queue = append(queue, c)
		}
	}
}

func hasRunningChild(n *Node) bool {
	for _, c := range n.Children {
		if c.Running {
			return true
		}
	}
	return false
}

func computeLag(nodes []*Node) {
	for _, n := range nodes {
		if !n.Slave {
			continue
		}
		var min int64
		has := false
		for _, r := range n.Replicas {
			if r.MasterServer == nil || !r.HasSecondsBehind {
				continue
			}
			if !has || r.SecondsBehind < min {
				min = r.SecondsBehind
				has = true
			}
		}
		if has {
			n.HasReplicationLag = true
			n.ReplicationLagSeconds = min
		}
	}
}
