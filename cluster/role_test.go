package cluster

import "testing"

func linkReplica(child, parent *Node, io IOState) {
	r := &ReplicaConnection{
		IO:               io,
		SQL:              SQLYes,
		UpstreamEndpoint: parent.Endpoint,
		UpstreamServerID: parent.ServerID,
		SeenConnected:    io == IOYes,
	}
	child.Replicas = append(child.Replicas, r)
}

func rebuildFor(nodes []*Node) *Graph {
	g := NewGraph(nodes, false)
	g.Rebuild()
	return g
}

func TestAssignRolesBasicMasterSlave(t *testing.T) {
	master := newTestNode("m", 0, 1)
	slave := newTestNode("s", 1, 2)
	linkReplica(slave, master, IOYes)
	rebuildFor([]*Node{master, slave})

	AssignRoles(RoleAssignerInput{Nodes: []*Node{master, slave}, Primary: master})

	if !master.Master {
		t.Fatalf("expected master to be flagged Master")
	}
	if !slave.Slave {
		t.Fatalf("expected slave to be flagged Slave")
	}
	if master.Slave {
		t.Fatalf("master must never also be Slave")
	}
}

func TestAssignRolesMasterReadOnlyInvalid(t *testing.T) {
	master := newTestNode("m", 0, 1)
	master.ReadOnly = true
	AssignRoles(RoleAssignerInput{Nodes: []*Node{master}, Primary: master})

	if master.Master {
		t.Fatalf("read-only primary without enforce_writable_master must not become Master")
	}
}

func TestAssignRolesRelayFlag(t *testing.T) {
	master := newTestNode("m", 0, 1)
	relay := newTestNode("r", 1, 2)
	leaf := newTestNode("l", 2, 3)
	linkReplica(relay, master, IOYes)
	linkReplica(leaf, relay, IOYes)
	rebuildFor([]*Node{master, relay, leaf})

	AssignRoles(RoleAssignerInput{Nodes: []*Node{master, relay, leaf}, Primary: master})

	if !relay.Slave || !relay.Relay {
		t.Fatalf("expected relay to be Slave+Relay, got slave=%v relay=%v", relay.Slave, relay.Relay)
	}
	if !leaf.Slave || leaf.Relay {
		t.Fatalf("expected leaf to be Slave only")
	}
}

func TestAssignRolesBinlogRelayReplacesSlaveRelay(t *testing.T) {
	master := newTestNode("m", 0, 1)
	relay := newTestNode("r", 1, 2)
	relay.ServerType = ServerTypeBinlogRelay
	leaf := newTestNode("l", 2, 3)
	linkReplica(relay, master, IOYes)
	linkReplica(leaf, relay, IOYes)
	rebuildFor([]*Node{master, relay, leaf})

	AssignRoles(RoleAssignerInput{Nodes: []*Node{master, relay, leaf}, Primary: master})

	if relay.Slave || relay.Relay {
		t.Fatalf("binlog relay must not carry Slave/Relay")
	}
	if !relay.BinlogRelay {
		t.Fatalf("expected BinlogRelay flag")
	}
}

func TestAssignRolesStaleNotPromotedWithoutAllowStale(t *testing.T) {
	master := newTestNode("m", 0, 1)
	slave := newTestNode("s", 1, 2)
	linkReplica(slave, master, IOConnecting)
	slave.Replicas[0].SeenConnected = true // was connected before, now reconnecting
	rebuildFor([]*Node{master, slave})

	AssignRoles(RoleAssignerInput{Nodes: []*Node{master, slave}, Primary: master})

	if slave.Slave {
		t.Fatalf("a Connecting replica must not be promoted unless AllowStale is set")
	}
}

func TestAssignRolesStalePromotedWithAllowStale(t *testing.T) {
	master := newTestNode("m", 0, 1)
	slave := newTestNode("s", 1, 2)
	linkReplica(slave, master, IOConnecting)
	slave.Replicas[0].SeenConnected = true // was connected before, now reconnecting
	rebuildFor([]*Node{master, slave})

	AssignRoles(RoleAssignerInput{
		Nodes:             []*Node{master, slave},
		Primary:           master,
		ReplicaConditions: ReplicaCondAllowStale,
	})

	if !slave.Slave {
		t.Fatalf("expected Connecting replica promoted under AllowStale")
	}
}

func TestAssignRolesShortCircuitRequireWritablePrimary(t *testing.T) {
	master := newTestNode("m", 0, 1)
	master.ReadOnly = true // keeps masterEligible false -> P.Master stays false
	slave := newTestNode("s", 1, 2)
	linkReplica(slave, master, IOYes)
	rebuildFor([]*Node{master, slave})

	AssignRoles(RoleAssignerInput{
		Nodes:             []*Node{master, slave},
		Primary:           master,
		ReplicaConditions: ReplicaCondRequireWritablePrimary,
	})

	if slave.Slave {
		t.Fatalf("no slave flags should be set when writable-primary is required but primary isn't Master")
	}
}

func TestAssignRolesIsPure(t *testing.T) {
	master := newTestNode("m", 0, 1)
	slave := newTestNode("s", 1, 2)
	linkReplica(slave, master, IOYes)
	rebuildFor([]*Node{master, slave})

	in := RoleAssignerInput{Nodes: []*Node{master, slave}, Primary: master}
	AssignRoles(in)
	masterFirst, slaveFirst := master.Master, slave.Slave
	AssignRoles(in)

	if master.Master != masterFirst || slave.Slave != slaveFirst {
		t.Fatalf("AssignRoles must be pure given the same inputs")
	}
}
