package cluster

import (
	"errors"
	"time"
)

// CommandKind is the §6.1 command vocabulary the server package
// dispatches against a Cluster. fetch-cmd-result and cancel-cmd are
// handled directly against OperationEngine and never enqueued here.
type CommandKind string

const (
	CmdSwitchover    CommandKind = "switchover"
	CmdFailover      CommandKind = "failover"
	CmdRejoin        CommandKind = "rejoin"
	CmdResetReplication CommandKind = "reset-replication"
	CmdReleaseLocks  CommandKind = "release-locks"
)

// CommandRequest is one manual command submission. It is built by the
// server package from an HTTP request and processed on the monitor
// thread at the next tick boundary, the same place automatic
// operations are built in maybeScheduleAutomaticOp, so node-state reads
// for promotion-candidate selection never race the probe goroutines.
type CommandRequest struct {
	Kind CommandKind

	// NewPrimary/CurrentPrimary are switchover's optional arguments.
	NewPrimary     string
	CurrentPrimary string

	// Server is rejoin's and reset-replication's argument.
	Server string

	ack chan CommandAck
}

// CommandAck reports whether the request was accepted and scheduled,
// or rejected outright (bad argument, precondition failed, an
// operation is already scheduled/running).
type CommandAck struct {
	Scheduled bool
	// ID is the scheduled Operation's correlation id (see operation.go's
	// baseOp), so a client can confirm a later fetch-cmd-result answers
	// this request and not a stale previous one.
	ID    string
	Error string
}

var errCommandQueueFull = errors.New("a command is already pending dispatch")

// SubmitCommand enqueues req for processing by the next Tick and blocks
// until that Tick has produced an accept/reject decision, or until
// wait elapses. The caller (server package) is expected to follow a
// CommandAck{Scheduled: true} with polling FetchResult for the
// synchronous command variants.
func (c *Cluster) SubmitCommand(req CommandRequest, wait time.Duration) (CommandAck, error) {
	req.ack = make(chan CommandAck, 1)
	select {
	case c.commandCh <- req:
	default:
		return CommandAck{}, errCommandQueueFull
	}
	select {
	case ack := <-req.ack:
		return ack, nil
	case <-time.After(wait):
		return CommandAck{}, errors.New("timed out waiting for the monitor loop to process the command")
	}
}

// FetchResult reports the `fetch-cmd-result` command.
func (c *Cluster) FetchResult() (OperationStatus, OperationResult) {
	return c.Engine.FetchResult()
}

// CancelCommand reports the `cancel-cmd` command.
func (c *Cluster) CancelCommand() bool {
	return c.Engine.Cancel()
}

// NodeByName looks up a Node by its configuration name.
func (c *Cluster) NodeByName(name string) (*Node, bool) {
	for _, n := range c.Nodes {
		if n.ConfigName == name {
			return n, true
		}
	}
	return nil, false
}

// drainCommands processes every CommandRequest queued since the last
// tick, building and scheduling an Operation for each. Called from
// Tick, on the monitor thread, before maybeScheduleAutomaticOp so a
// manual command always takes priority over an automatic one.
func (c *Cluster) drainCommands(now time.Time) {
	for {
		select {
		case req := <-c.commandCh:
			req.ack <- c.dispatchCommand(req, now)
		default:
			return
		}
	}
}

func (c *Cluster) dispatchCommand(req CommandRequest, now time.Time) CommandAck {
	if c.Engine.HasScheduledOrRunning() {
		return CommandAck{Error: "an operation is already scheduled or running"}
	}

	switch req.Kind {
	case CmdSwitchover:
		return c.dispatchSwitchover(req, now)
	case CmdFailover:
		return c.dispatchFailover(now)
	case CmdRejoin:
		return c.dispatchRejoin(req, now)
	case CmdResetReplication:
		return c.dispatchReset(req, now)
	case CmdReleaseLocks:
		op := NewReleaseLocksOp(c.Lock, c.Nodes, c.LockBackend, ticksPerMinute(c.Conf.Interval), c.Conf.FailoverTimeout, now)
		c.Engine.Schedule(op)
		return CommandAck{Scheduled: true, ID: op.Result().ID}
	default:
		return CommandAck{Error: "unknown command"}
	}
}

func (c *Cluster) dispatchSwitchover(req CommandRequest, now time.Time) CommandAck {
	demotion := c.primary
	if req.CurrentPrimary != "" {
		n, ok := c.NodeByName(req.CurrentPrimary)
		if !ok {
			return CommandAck{Error: "unknown current-primary server " + req.CurrentPrimary}
		}
		demotion = n
	}
	if demotion == nil {
		return CommandAck{Error: "no current primary to demote"}
	}
	if !demotion.Running && !c.Conf.EnforceSimpleTopology {
		return CommandAck{Error: "demotion target " + demotion.ConfigName + " is not running"}
	}

	var promotion *Node
	if req.NewPrimary != "" {
		n, ok := c.NodeByName(req.NewPrimary)
		if !ok {
			return CommandAck{Error: "unknown new-primary server " + req.NewPrimary}
		}
		promotion = n
	} else {
		promotion = pickByReach(eligibleChildren(demotion, c.primarySelectorInput()), true)
		if promotion == nil {
			promotion = pickByReach(eligibleChildren(demotion, c.primarySelectorInput()), false)
		}
	}
	if promotion == nil {
		return CommandAck{Error: "no promotion candidate found under " + demotion.ConfigName}
	}

	op := NewSwitchoverOp(demotion, promotion, c.Nodes, c.OperationBackend, c.Conf.SwitchoverTimeout, now,
		c.replicationCredentials(), c.Conf.PromotionSQLFile, c.Conf.DemotionSQLFile)
	if op == nil {
		return CommandAck{Error: promotion.ConfigName + " does not currently replicate from " + demotion.ConfigName}
	}
	op.DisableEvents = c.Conf.HandleEvents
	c.Engine.Schedule(op)
	return CommandAck{Scheduled: true, ID: op.Result().ID}
}

func (c *Cluster) dispatchFailover(now time.Time) CommandAck {
	if c.primary == nil {
		return CommandAck{Error: "no current primary"}
	}
	if c.primary.Running && !c.Conf.EnforceSimpleTopology {
		return CommandAck{Error: "primary " + c.primary.ConfigName + " is running; use switchover"}
	}
	op := NewFailoverOp(c.primary, c.Nodes, c.OperationBackend, c.Conf.FailoverTimeout, now,
		!c.Conf.EnforceSimpleTopology, c.replicationCredentials(), c.Conf.PromotionSQLFile)
	if op == nil {
		return CommandAck{Error: "no promotion candidate found under " + c.primary.ConfigName}
	}
	op.DisableEvents = c.Conf.HandleEvents
	c.Engine.Schedule(op)
	return CommandAck{Scheduled: true, ID: op.Result().ID}
}

func (c *Cluster) dispatchRejoin(req CommandRequest, now time.Time) CommandAck {
	if c.primary == nil {
		return CommandAck{Error: "no current primary to rejoin to"}
	}
	var suspects []*Node
	if req.Server != "" {
		n, ok := c.NodeByName(req.Server)
		if !ok {
			return CommandAck{Error: "unknown server " + req.Server}
		}
		suspects = []*Node{n}
	} else {
		for _, n := range c.Nodes {
			if n == c.primary || !n.IsDatabaseServer() {
				continue
			}
			suspects = append(suspects, n)
		}
	}
	op := NewRejoinOp(c.primary, suspects, c.OperationBackend, c.Conf.SwitchoverTimeout, now, c.replicationCredentials())
	c.Engine.Schedule(op)
	return CommandAck{Scheduled: true, ID: op.Result().ID}
}

func (c *Cluster) dispatchReset(req CommandRequest, now time.Time) CommandAck {
	var newPrimary *Node
	if req.Server != "" {
		n, ok := c.NodeByName(req.Server)
		if !ok {
			return CommandAck{Error: "unknown server " + req.Server}
		}
		newPrimary = n
	} else {
		newPrimary = c.primary
	}
	if newPrimary == nil {
		return CommandAck{Error: "reset-replication requires a target primary"}
	}
	var others []*Node
	for _, n := range c.Nodes {
		if n != newPrimary {
			others = append(others, n)
		}
	}
	slavePos := ""
	if newPrimary.GtidDomainID != 0 {
		slavePos = gtidSlaveSeedPos(newPrimary.GtidDomainID, newPrimary.ServerID)
	}
	op := NewResetOp(newPrimary, others, c.OperationBackend, c.Conf.FailoverTimeout, now, c.replicationCredentials(), slavePos)
	c.Engine.Schedule(op)
	return CommandAck{Scheduled: true, ID: op.Result().ID}
}

// eligibleChildren returns demotion's direct replicas that pass the
// valid-candidate test switchover's autoselect path reuses from
// PrimarySelector (spec §4.5's candidate filter, not its reach scoring,
// since switchover picks among demotion's own children only).
func eligibleChildren(demotion *Node, in PrimarySelectorInput) []*Node {
	var out []*Node
	for _, c := range demotion.Children {
		if isValidCandidate(c, in) {
			out = append(out, c)
		}
	}
	return out
}

func ticksPerMinute(interval time.Duration) int {
	if interval <= 0 {
		return 30
	}
	n := int(time.Minute / interval)
	if n < 1 {
		return 1
	}
	return n
}
