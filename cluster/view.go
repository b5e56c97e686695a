package cluster

import "sync"

// ObservableNode is the read-only slice of a Node published to the
// outside world at tick end (spec §6.4).
type ObservableNode struct {
	Name            string
	ServerID        uint64
	ReadOnly        bool
	GtidCurrentPos  string
	GtidBinlogPos   string
	CycleID         *int
	LockHeld        *LockKind
	SlaveConnections []string
	StateDetails    string

	Running            bool
	Master             bool
	Slave              bool
	RelayMaster        bool
	BinlogRelay        bool
	Maintenance        bool
	Draining           bool
	AuthError          bool
	DiskSpaceExhausted bool
}

func snapshotNode(n *Node) ObservableNode {
	var lockHeld *LockKind
	if n.Locks[LockServer].State == LockOwnedSelf {
		k := LockServer
		lockHeld = &k
	} else if n.Locks[LockMaster].State == LockOwnedSelf {
		k := LockMaster
		lockHeld = &k
	}
	conns := make([]string, 0, len(n.Replicas))
	for _, r := range n.Replicas {
		conns = append(conns, r.ConnectionName)
	}
	return ObservableNode{
		Name:               n.ConfigName,
		ServerID:           n.ServerID,
		ReadOnly:           n.ReadOnly,
		GtidCurrentPos:     n.GtidCurrentPos.String(),
		GtidBinlogPos:      n.GtidBinlogPos.String(),
		CycleID:            n.CycleID,
		LockHeld:           lockHeld,
		SlaveConnections:   conns,
		Running:            n.Running,
		Master:             n.Master,
		Slave:              n.Slave,
		RelayMaster:        n.Relay,
		BinlogRelay:        n.BinlogRelay,
		Maintenance:        n.Maintenance,
		AuthError:          n.AuthError,
		DiskSpaceExhausted: n.DiskSpaceExhausted,
	}
}

// MonitorView is the aggregate snapshot consumed outside the tick:
// REST command dispatch, the journal writer, and any router. Writes
// are coarse and non-blocking: Tick takes the mutex only to publish.
type MonitorView struct {
	mu sync.RWMutex

	Nodes         []ObservableNode
	PrimaryName   string
	HasPrimary    bool
	Cycles        map[int][]string
	LockMajority  bool
	LastTickAt    int64
}

// NewMonitorView builds an empty MonitorView, safe for concurrent reads
// before the first Publish.
func NewMonitorView() *MonitorView {
	return &MonitorView{}
}

// Publish atomically replaces the view's contents at tick end.
func (v *MonitorView) Publish(nodes []*Node, primary *Node, hasMajority bool, tick int64) {
	observables := make([]ObservableNode, 0, len(nodes))
	cycles := make(map[int][]string)
	for _, n := range nodes {
		observables = append(observables, snapshotNode(n))
		if n.CycleID != nil {
			cycles[*n.CycleID] = append(cycles[*n.CycleID], n.ConfigName)
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.Nodes = observables
	v.Cycles = cycles
	v.LockMajority = hasMajority
	v.LastTickAt = tick
	if primary != nil {
		v.PrimaryName = primary.ConfigName
		v.HasPrimary = true
	} else {
		v.PrimaryName = ""
		v.HasPrimary = false
	}
}

// Snapshot returns a copy of the published fields for a reader; copying
// out avoids holding the lock across the caller's own processing.
func (v *MonitorView) Snapshot() MonitorView {
	v.mu.RLock()
	defer v.mu.RUnlock()
	nodes := make([]ObservableNode, len(v.Nodes))
	copy(nodes, v.Nodes)
	cycles := make(map[int][]string, len(v.Cycles))
	for k, vv := range v.Cycles {
		cycles[k] = append([]string{}, vv...)
	}
	return MonitorView{
		Nodes:        nodes,
		PrimaryName:  v.PrimaryName,
		HasPrimary:   v.HasPrimary,
		Cycles:       cycles,
		LockMajority: v.LockMajority,
		LastTickAt:   v.LastTickAt,
	}
}
