// Adapted from the teacher's cluster/prx.go DatabaseProxy/Proxy
// machinery: same id/state/fail-count bookkeeping shape, repurposed
// from "remote query-routing proxy" to "peer monitor instance" for
// cooperative-monitoring concurrence (spec §4.6: "primary-monitor
// concurrence when cooperative").
package cluster

import (
	"hash/crc64"
	"strconv"
)

var crcTable = crc64.MakeTable(crc64.ECMA)

// PeerState is the observed liveness of a peer monitor.
type PeerState string

const (
	PeerStateSuspect PeerState = "suspect"
	PeerStateRunning PeerState = "running"
	PeerStateFailed  PeerState = "failed"
)

// PeerMonitor is another monitor instance watching the same cluster,
// coordinated with through the LockCoordinator's advisory locks.
type PeerMonitor struct {
	ID        string
	Host      string
	Port      string
	State     PeerState
	PrevState PeerState
	FailCount int

	// MarkedPrimary is the server-id the peer currently believes is
	// the cluster primary, as last reported over the peer transport.
	MarkedPrimary uint64
}

// PeerTransport reaches another monitor instance to ask what it
// currently believes about the cluster; a real implementation
// round-trips over HTTP against the peer's command endpoint (§6.1).
type PeerTransport interface {
	FetchMarkedPrimary(p *PeerMonitor) (serverID uint64, err error)
}

// NewPeerMonitor builds a PeerMonitor with a stable crc64-derived id,
// the same scheme the teacher uses for Proxy.Id in cluster/prx.go.
func NewPeerMonitor(clusterName, host, port string) *PeerMonitor {
	id := "pm" + strconv.FormatUint(crc64.Checksum([]byte(clusterName+host+":"+port), crcTable), 10)
	return &PeerMonitor{ID: id, Host: host, Port: port, State: PeerStateSuspect}
}

// PeerSet manages the peer monitors participating in cooperative
// monitoring for one cluster.
type PeerSet struct {
	Peers   []*PeerMonitor
	MaxFail int
}

// Refresh polls every peer and updates its state/fail-count, following
// the teacher's refreshProxies loop in cluster/prx.go.
func (ps *PeerSet) Refresh(transport PeerTransport) {
	for _, p := range ps.Peers {
		serverID, err := transport.FetchMarkedPrimary(p)
		if err == nil {
			p.MarkedPrimary = serverID
			p.FailCount = 0
			p.State = PeerStateRunning
		} else {
			p.FailCount++
			if p.FailCount >= ps.MaxFail {
				p.State = PeerStateFailed
			} else {
				p.State = PeerStateSuspect
			}
		}
		if p.PrevState != p.State {
			p.PrevState = p.State
		}
	}
}

// Concurs reports whether any running peer agrees that n is the
// primary, the input PrimarySelector/RoleAssigner need for
// "primary-monitor concurrence when cooperative".
func (ps *PeerSet) Concurs(n *Node) bool {
	if len(ps.Peers) == 0 {
		return true
	}
	for _, p := range ps.Peers {
		if p.State == PeerStateRunning && p.MarkedPrimary == n.ServerID {
			return true
		}
	}
	return false
}
