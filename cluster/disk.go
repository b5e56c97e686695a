package cluster

// DiskSpaceChecker is an external collaborator NodeProbe does not
// itself implement: disk usage lives on the server's filesystem, read
// out-of-band (over SSH, an agent, a monitoring sidecar) rather than
// through the SQL connection NodeProbe queries (spec §1 excludes
// physical-transport mechanics from the core; this mirrors that split
// the same way PeerTransport externalizes cross-monitor communication
// in cluster/peer.go). The monitor only needs the yes/no verdict this
// interface reports, consulted once per tick per Node.
type DiskSpaceChecker interface {
	Exhausted(n *Node) (bool, error)
}

// noopDiskSpaceChecker is the default when no external checker is
// wired in: every Node reports disk space OK, so
// maintenance_on_low_disk_space and switchover_on_low_disk_space are
// inert until a real checker is supplied.
type noopDiskSpaceChecker struct{}

func (noopDiskSpaceChecker) Exhausted(*Node) (bool, error) { return false, nil }
