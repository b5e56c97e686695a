package cluster

import (
	"path/filepath"

	"github.com/opsnexus/replmon/config"
)

// Cluster is the top-level monitor instance: it owns every Node and
// the other C-components that compose one tick, the way server.go's
// ReplicationManager owns a map of *cluster.Cluster, only here a
// Cluster is itself the unit spec.md's core describes.
type Cluster struct {
	Name string
	Conf config.Config

	Nodes []*Node
	Graph *Graph

	Lock   *LockCoordinator
	Engine *OperationEngine
	View   *MonitorView
	Peers  *PeerSet

	journal *Journal
	primary *Node

	ProbeBackend     ProbeBackend
	OperationBackend OperationBackend
	LockBackend      LockBackend
	DiskSpaceChecker DiskSpaceChecker

	tickCount int64

	// commandCh carries manual §6.1 commands from the server package
	// into the monitor thread; see SubmitCommand/drainCommands.
	commandCh chan CommandRequest
}

// NewCluster builds a Cluster from its static node list and config.
// The SQLBackend is used for all three backend roles unless the caller
// substitutes a fake (tests do).
func NewCluster(name string, conf config.Config, nodes []*Node) *Cluster {
	backend := NewSQLBackend(ReplicationCredentials{
		User:          conf.ReplicationUser,
		Password:      conf.ReplicationPassword,
		UseSSL:        conf.ReplicationMasterSSL,
		CustomOptions: conf.ReplicationCustomOptions,
	}, name)

	quorum := LockQuorumMajorityOfAll
	switch conf.CooperativeMonitoringLocks {
	case config.LockQuorumNone:
		quorum = LockQuorumNone
	case config.LockQuorumMajorityOfRunning:
		quorum = LockQuorumMajorityOfRunning
	}

	c := &Cluster{
		Name:             name,
		Conf:             conf,
		Nodes:            nodes,
		Graph:            NewGraph(nodes, conf.AssumeUniqueHostnames),
		Lock:             NewLockCoordinator(quorum),
		Engine:           NewOperationEngine(),
		View:             NewMonitorView(),
		Peers:            &PeerSet{},
		journal:          NewJournal(filepath.Join(conf.JournalPath, name, "journal.json")),
		ProbeBackend:     backend,
		OperationBackend: backend,
		LockBackend:      backend,
		DiskSpaceChecker: noopDiskSpaceChecker{},
		commandCh:        make(chan CommandRequest, 4),
	}
	noPromotion := make(map[string]bool, len(conf.ServersNoPromotion))
	for _, name := range conf.ServersNoPromotion {
		noPromotion[name] = true
	}
	for _, n := range nodes {
		if noPromotion[n.ConfigName] {
			n.NoPromotion = true
		}
	}

	// Pre-loop journal restore (spec §4.9): recover the previously
	// selected primary's identity across a restart, if it still exists.
	if rec, err := c.journal.Load(); err == nil {
		if restored := RestorePrimary(rec, nodes); restored != nil {
			c.primary = restored
		}
	}
	return c
}

// Primary is the Node most recently selected by PrimarySelector.
func (c *Cluster) Primary() *Node { return c.primary }

// roleAssignerInput translates Config into RoleAssignerInput.
func (c *Cluster) roleAssignerInput() RoleAssignerInput {
	var replicaConds ReplicaCondition
	if c.Conf.EnforceWritableMaster {
		replicaConds |= ReplicaCondRequireWritablePrimary
	}
	return RoleAssignerInput{
		Nodes:                 c.Nodes,
		Primary:               c.primary,
		ReplicaConditions:     ReplicaCondition(c.Conf.SlaveConditions) | replicaConds,
		MasterConditions:      MasterCondition(c.Conf.MasterConditions),
		Cooperative:           c.Conf.CooperativeMonitoringLocks != config.LockQuorumNone,
		PeerConcursOnMaster:   c.primary != nil && c.Peers.Concurs(c.primary),
		EnforceWritableMaster: c.Conf.EnforceWritableMaster,
	}
}

func (c *Cluster) primarySelectorInput() PrimarySelectorInput {
	noPromotion := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.NoPromotion {
			noPromotion[n.ConfigName] = true
		}
	}
	return PrimarySelectorInput{
		Nodes:                 c.Nodes,
		Current:               c.primary,
		FailCount:             c.Conf.FailCount,
		Cooperative:           c.Conf.CooperativeMonitoringLocks != config.LockQuorumNone,
		PeerMarksAsMaster:     c.Peers.Concurs,
		EnforceWritableMaster: c.Conf.EnforceWritableMaster,
		AcceptDownCandidate:   c.Conf.EnforceSimpleTopology,
		NoPromotion:           noPromotion,
	}
}
