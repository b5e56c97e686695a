package cluster

import (
	"context"
	"time"
)

const defaultProbeConcurrency = 8
const defaultProbeTimeout = 3 * time.Second

// Tick runs exactly one pass of spec.md §4.8/§5: probe -> graph ->
// cycles -> locks -> primary -> roles -> engine -> journal -> publish.
// It never returns an error: every failure mode is absorbed into Node
// status bits, the OperationResult of whatever is running, or a log
// line, per spec.md §7's propagation policy.
func (c *Cluster) Tick(ctx context.Context, now time.Time) {
	results := ProbeNodes(ctx, c.Nodes, c.ProbeBackend, defaultProbeTimeout, defaultProbeConcurrency)

	topologyChanged := false
	for _, res := range results {
		wasRunning := res.Node.Running
		ApplyProbeResult(res)
		if res.Node.Running {
			res.Node.DownTicks = 0
		} else {
			res.Node.DownTicks++
		}
		if res.TopologyChanged || wasRunning != res.Node.Running {
			topologyChanged = true
		}
	}

	c.refreshDiskSpace()

	if topologyChanged || c.tickCount == 0 {
		c.Graph.Rebuild()
		FindCycles(c.Nodes)
	}

	c.Lock.RefreshLockStatus(c.Nodes, c.LockBackend)
	c.Lock.Tick(c.Nodes, c.primary, c.LockBackend, int(c.tickCount), c.Conf.FailCount)

	c.primary = SelectPrimary(c.primarySelectorInput())
	AssignRoles(c.roleAssignerInput())
	c.enforceReadOnlySlaves()
	c.reportReplicationLag()

	for _, n := range c.Nodes {
		n.PrevHadParents = len(n.Parents) > 0
		n.PrevCycleID = n.CycleID
	}

	c.drainCommands(now)
	c.maybeScheduleAutomaticOp(now)
	c.Engine.Advance(now)

	if c.primary != nil {
		c.journal.MarkDirty(JournalRecord{MasterServer: c.primary.ConfigName, MasterGtidDomain: c.primary.GtidDomainID})
	}
	if err := c.journal.Flush(); err != nil {
		c.LogPrintf(LvlErr, "journal flush failed: %v", err)
	}

	c.View.Publish(c.Nodes, c.primary, c.Lock.HasMajority, c.tickCount)
	c.tickCount++
}

// maybeScheduleAutomaticOp implements spec §4.7.6's auto-loop policies.
// It never overrides a manually scheduled or running operation, and it
// respects the LockCoordinator's post-majority-change suppression
// window.
func (c *Cluster) maybeScheduleAutomaticOp(now time.Time) {
	if c.Engine.HasScheduledOrRunning() {
		return
	}
	if c.Conf.CooperativeMonitoringLocks != "none" && int(c.tickCount) < c.Lock.SuppressAutomationUntilTick {
		return
	}

	if c.Conf.AutoFailover && c.primary != nil && c.primary.Down && c.primary.DownTicks >= c.Conf.FailCount {
		if c.primaryHeartbeatStale(now) {
			if op := NewFailoverOp(c.primary, c.Nodes, c.OperationBackend, c.Conf.FailoverTimeout, now, !c.Conf.EnforceSimpleTopology, c.replicationCredentials(), c.Conf.PromotionSQLFile); op != nil {
				c.Engine.Schedule(op)
			}
		}
		return
	}

	if c.Conf.AutoRejoin && c.primary != nil && c.primary.Running && c.primary.GtidDomainID != 0 {
		var suspects []*Node
		for _, n := range c.Nodes {
			if n == c.primary || !n.IsDatabaseServer() || n.Maintenance {
				continue
			}
			if _, ok := n.ReplicaOf(c.primary); !ok {
				suspects = append(suspects, n)
			}
		}
		if len(suspects) > 0 {
			op := NewRejoinOp(c.primary, suspects, c.OperationBackend, c.Conf.SwitchoverTimeout, now, c.replicationCredentials())
			c.Engine.Schedule(op)
			return
		}
	}

	if c.Conf.SwitchoverOnLowDiskSpace && c.primary != nil && c.primary.DiskSpaceExhausted {
		var target *Node
		for _, child := range c.primary.Children {
			if isValidCandidate(child, c.primarySelectorInput()) && !child.DiskSpaceExhausted {
				target = child
				break
			}
		}
		if target != nil {
			if op := NewSwitchoverOp(c.primary, target, c.Nodes, c.OperationBackend, c.Conf.SwitchoverTimeout, now, c.replicationCredentials(), c.Conf.PromotionSQLFile, c.Conf.DemotionSQLFile); op != nil {
				c.Engine.Schedule(op)
			}
		}
	}
}

// primaryHeartbeatStale reports whether no replica of the current
// primary has received data from it within master_failure_timeout,
// spec §4.7.6's second auto-failover precondition.
func (c *Cluster) primaryHeartbeatStale(now time.Time) bool {
	if !c.Conf.VerifyMasterFailure {
		return true
	}
	for _, n := range c.primary.Children {
		conn, ok := n.ReplicaOf(c.primary)
		if !ok {
			continue
		}
		if now.Sub(conn.LastDataAt) < c.Conf.MasterFailureTimeout {
			return false
		}
	}
	return true
}

func (c *Cluster) replicationCredentials() ReplicationCredentials {
	return ReplicationCredentials{
		User:          c.Conf.ReplicationUser,
		Password:      c.Conf.ReplicationPassword,
		UseSSL:        c.Conf.ReplicationMasterSSL,
		CustomOptions: c.Conf.ReplicationCustomOptions,
	}
}

// refreshDiskSpace consults the DiskSpaceChecker external collaborator
// for every Node and, per spec §6.2's maintenance_on_low_disk_space,
// flags an exhausted Node as Maintenance rather than leaving it to be
// treated as Down. There is no manual maintenance command in §6.1, so
// Maintenance is driven entirely by disk space in this core.
func (c *Cluster) refreshDiskSpace() {
	for _, n := range c.Nodes {
		if !n.Running {
			continue
		}
		exhausted, err := c.DiskSpaceChecker.Exhausted(n)
		if err != nil {
			continue
		}
		n.DiskSpaceExhausted = exhausted
		if c.Conf.MaintenanceOnLowDiskSpace {
			n.Maintenance = exhausted
		}
	}
}

// enforceReadOnlySlaves implements spec §6.2's enforce_read_only_slaves:
// any Node RoleAssigner flagged Slave that isn't read_only is pushed
// back to read_only=on, best-effort.
func (c *Cluster) enforceReadOnlySlaves() {
	if !c.Conf.EnforceReadOnlySlaves {
		return
	}
	for _, n := range c.Nodes {
		if !n.Slave || !n.Running || n.ReadOnly {
			continue
		}
		if err := c.OperationBackend.SetReadOnly(n, true); err != nil {
			c.LogPrintf(LvlWarn, "enforce read_only on %s failed: %v", n.ConfigName, err)
			continue
		}
		n.ReadOnly = true
	}
}

// reportReplicationLag implements spec §6.2's script_max_replication_lag:
// log once on the rising edge and once on the falling edge, using the
// sticky LagAboveThreshold bit so a steady lag doesn't re-log every
// tick.
func (c *Cluster) reportReplicationLag() {
	if c.Conf.ScriptMaxReplicationLag <= 0 {
		return
	}
	threshold := c.Conf.ScriptMaxReplicationLag
	for _, n := range c.Nodes {
		if !n.HasReplicationLag {
			continue
		}
		above := n.ReplicationLagSeconds >= threshold
		if above && !n.LagAboveThreshold {
			c.LogCode(LvlWarn, "WARN0201", n.ConfigName, n.ReplicationLagSeconds)
		} else if !above && n.LagAboveThreshold {
			c.LogCode(LvlWarn, "WARN0202", n.ConfigName, n.ReplicationLagSeconds)
		}
		n.LagAboveThreshold = above
	}
}
