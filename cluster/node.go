package cluster

import "time"

// IOState is the Slave_IO_Running state of a ReplicaConnection.
type IOState int

const (
	IONo IOState = iota
	IOConnecting
	IOYes
)

func (s IOState) String() string {
	switch s {
	case IOYes:
		return "Yes"
	case IOConnecting:
		return "Connecting"
	default:
		return "No"
	}
}

// SQLState is the Slave_SQL_Running state of a ReplicaConnection.
type SQLState int

const (
	SQLNo SQLState = iota
	SQLYes
)

func (s SQLState) String() string {
	if s == SQLYes {
		return "Yes"
	}
	return "No"
}

// LockKind enumerates the two advisory locks defined on every Node.
type LockKind int

const (
	LockServer LockKind = iota
	LockMaster
)

// LockState is the ownership state of one advisory lock on one Node.
type LockState int

const (
	LockUnknown LockState = iota
	LockFree
	LockOwnedSelf
	LockOwnedOther
)

// LockStatus describes the ownership of one advisory lock.
type LockStatus struct {
	State          LockState
	OwnerConnID    int64
	LastAcquiredAt time.Time
}

// Capabilities is the set of optional server features a Node supports.
// The probe does not fill it in; every flag stays false.
type Capabilities struct {
	Basic           bool
	GTID            bool
	SlaveStatusAll  bool
	Events          bool
	MaxStatementTime bool
	ReadOnlyAdmin   bool
}

// Endpoint is a host/port pair, optionally with a private address used
// for replication traffic between nodes on a separate network.
type Endpoint struct {
	Host        string
	Port        string
	PrivateHost string
}

// ReplicationHost returns the host replicas should use to reach this
// endpoint: the private host when configured, else Host.
func (e Endpoint) ReplicationHost() string {
	if e.PrivateHost != "" {
		return e.PrivateHost
	}
	return e.Host
}

func (e Endpoint) String() string {
	return e.Host + ":" + e.Port
}

// ReplicaConnection is one SHOW ALL SLAVES STATUS row observed on a Node.
type ReplicaConnection struct {
	ConnectionName   string
	UpstreamEndpoint Endpoint
	IO               IOState
	SQL              SQLState
	UpstreamServerID uint64
	GtidIOPos        *GtidList
	SecondsBehind    int64
	HasSecondsBehind bool
	LastIOError      string
	ReceivedHeartbeats int64
	LastDataAt       time.Time

	// SeenConnected is sticky: once true (IO was Yes with a valid
	// upstream server id) it never reverts to false on this connection.
	SeenConnected bool

	// MasterServer is re-resolved by GraphBuilder on every rebuild; it
	// is never an ownership edge.
	MasterServer *Node
}

// markSeenConnected applies the sticky seen_connected rule: it only
// turns on, and only when the upstream id is known to be valid.
func (r *ReplicaConnection) markSeenConnected() {
	if r.IO == IOYes && r.UpstreamServerID > 0 {
		r.SeenConnected = true
	}
}

// Live reports whether this connection currently admits a graph edge:
// IO must not be No and SQL must be Yes.
func (r *ReplicaConnection) Live() bool {
	return r.IO != IONo && r.SQL == SQLYes
}

// Node is one monitored database server.
type Node struct {
	// Identity, fixed at configuration bind.
	ConfigName string
	Index      int // configuration index, used for deterministic tie-breaks
	Endpoint   Endpoint

	// Mutable, owned exclusively by the monitor tick (or the probe task
	// assigned to this Node) until the tick's publish step.
	ServerID       uint64
	ReadOnly       bool
	GtidCurrentPos *GtidList
	GtidBinlogPos  *GtidList
	GtidDomainID   uint64

	// Replication settings read alongside the GTID positions; used to
	// pick the catchup/stabilization comparator (spec §4.7.3: compare on
	// gtid_binlog_pos when LogBin && LogSlaveUpdates, else gtid_current_pos).
	GtidStrictMode  bool
	LogBin          bool
	LogSlaveUpdates bool

	Running     bool
	Down        bool
	Maintenance bool
	AuthError   bool

	Replicas []*ReplicaConnection

	Locks map[LockKind]LockStatus

	ErrorCount int
	LastSeen   time.Time

	Capabilities Capabilities

	// ServerType distinguishes ordinary database servers from
	// binlog-relay servers (MaxScale binlog router-alikes).
	ServerType ServerType

	DiskSpaceExhausted bool

	// Role flags, recomputed by RoleAssigner every tick.
	Master      bool
	Slave       bool
	Relay       bool
	BinlogRelay bool
	ReplicationLagSeconds int64
	HasReplicationLag     bool
	// LagAboveThreshold is sticky so script_max_replication_lag only
	// logs on the rising/falling edge, not every tick (spec §6.2).
	LagAboveThreshold bool

	// Graph linkage, recomputed by GraphBuilder every tick. Non-owning:
	// plain pointers into the monitor's Node slice.
	Parents          []*Node
	Children         []*Node
	ExternalMasterID uint64
	HasExternalMaster bool

	// CycleID is nil unless this Node is a member of a cycle of size >=2.
	CycleID *int

	// DownTicks counts consecutive ticks this Node has been observed
	// Down; reset to 0 on any tick it is seen Running.
	DownTicks int

	// PrevHadParents/PrevCycleID capture the previous tick's topology,
	// snapshotted by Tick after PrimarySelector runs, so the next
	// tick's validity test can detect "was standalone, now has
	// parents" and "was in a cycle, no longer" transitions.
	PrevHadParents bool
	PrevCycleID    *int

	EnabledEvents []string

	NoPromotion bool // servers_no_promotion
}

// ServerType distinguishes a real database server from a relay-only
// binlog-relay server.
type ServerType int

const (
	ServerTypeDatabase ServerType = iota
	ServerTypeBinlogRelay
)

// NewNode creates a Node bound to its static configuration.
func NewNode(configName string, index int, ep Endpoint) *Node {
	return &Node{
		ConfigName: configName,
		Index:      index,
		Endpoint:   ep,
		Locks: map[LockKind]LockStatus{
			LockServer: {State: LockUnknown},
			LockMaster: {State: LockUnknown},
		},
		GtidCurrentPos: NewGtidList(),
		GtidBinlogPos:  NewGtidList(),
	}
}

// ResetGraphLinkage clears the Node's graph-derived fields ahead of a
// GraphBuilder rebuild. CycleID is left untouched here; FindCycles
// clears and recomputes it after each rebuild, and PrimarySelector
// compares it against PrevCycleID, the previous tick's membership.
func (n *Node) ResetGraphLinkage() {
	n.Parents = nil
	n.Children = nil
	n.ExternalMasterID = 0
	n.HasExternalMaster = false
}

// ResetRoles clears all role flags and lag, done at the start of every
// RoleAssigner pass.
func (n *Node) ResetRoles() {
	n.Master = false
	n.Slave = false
	n.Relay = false
	n.BinlogRelay = false
	n.HasReplicationLag = false
	n.ReplicationLagSeconds = 0
}

// IsDatabaseServer reports whether this Node is a database server as
// opposed to a binlog-relay-only server.
func (n *Node) IsDatabaseServer() bool {
	return n.ServerType == ServerTypeDatabase
}

// ReplicaOf returns the ReplicaConnection on n whose resolved upstream
// is m, if any.
func (n *Node) ReplicaOf(m *Node) (*ReplicaConnection, bool) {
	for _, r := range n.Replicas {
		if r.MasterServer == m {
			return r, true
		}
	}
	return nil, false
}
