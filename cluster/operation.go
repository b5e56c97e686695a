package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OperationKind names a manual/automatic cluster-manipulation job.
type OperationKind string

const (
	OpFailover     OperationKind = "failover"
	OpSwitchover   OperationKind = "switchover"
	OpRejoin       OperationKind = "rejoin"
	OpReset        OperationKind = "reset-replication"
	OpReleaseLocks OperationKind = "release-locks"
)

// OperationStatus is the lifecycle state of spec §4.7:
// Scheduled -> Running -> Done.
type OperationStatus string

const (
	StatusScheduled OperationStatus = "scheduled"
	StatusRunning   OperationStatus = "running"
	StatusDone      OperationStatus = "done"
)

// OperationResult is an Operation's output sink: a success flag plus a
// structured error object accumulated over the run, per spec §3/§7.
type OperationResult struct {
	ID      string
	Success bool
	Partial bool
	Phase   string
	Errors  []string
	Output  map[string]string
}

// addError formats a catalogued diagnostic the way the teacher's
// AddState does: fmt.Sprintf(clusterError[code], args...), prefixed
// with the code itself.
func (r *OperationResult) addError(code string, args ...interface{}) {
	r.Errors = append(r.Errors, formatError(code, args...))
}

func formatError(code string, args ...interface{}) string {
	return code + ": " + sprintfSafe(clusterError[code], args...)
}

// Operation is the common state-machine interface every cluster
// manipulation implements; dispatch is by tagged kind, not by dynamic
// type switches, per spec design note 4.9 ("Polymorphism").
type Operation interface {
	Kind() OperationKind
	Status() OperationStatus
	Phase() string
	// Step advances the operation by one state transition (or, for
	// short operations, runs to completion) and returns true once Done.
	Step(now time.Time) bool
	Cancel()
	Result() OperationResult
	Deadline() time.Time
}

// OperationEngine is C7: at most one Operation Scheduled and at most
// one Running at any time.
type OperationEngine struct {
	mu        sync.Mutex
	scheduled Operation
	running   Operation
	lastDone  Operation
}

// NewOperationEngine builds an empty engine.
func NewOperationEngine() *OperationEngine {
	return &OperationEngine{}
}

// Schedule enqueues op as the next operation to run, replacing any
// previously scheduled (not yet running) operation. It refuses to
// schedule over an operation that is already Running.
func (e *OperationEngine) Schedule(op Operation) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running != nil {
		return false
	}
	e.scheduled = op
	return true
}

// Cancel cancels the scheduled operation (discarding it outright) or
// signals the running operation's own cancel flag.
func (e *OperationEngine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scheduled != nil {
		e.scheduled = nil
		return true
	}
	if e.running != nil {
		e.running.Cancel()
		return true
	}
	return false
}

// Advance is driven once per tick: it promotes a Scheduled operation to
// Running at the tick boundary, then steps whatever is Running.
func (e *OperationEngine) Advance(now time.Time) {
	e.mu.Lock()
	if e.running == nil && e.scheduled != nil {
		e.running = e.scheduled
		e.scheduled = nil
	}
	running := e.running
	e.mu.Unlock()

	if running == nil {
		return
	}

	done := running.Step(now)
	if done {
		e.mu.Lock()
		if e.running == running {
			e.lastDone = running
			e.running = nil
		}
		e.mu.Unlock()
	}
}

// FetchResult is the `fetch-cmd-result` command: it reports the last
// completed operation's result, or a pending/running marker.
func (e *OperationEngine) FetchResult() (status OperationStatus, result OperationResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.running != nil:
		return StatusRunning, e.running.Result()
	case e.scheduled != nil:
		return StatusScheduled, e.scheduled.Result()
	case e.lastDone != nil:
		return StatusDone, e.lastDone.Result()
	default:
		return StatusDone, OperationResult{}
	}
}

// HasScheduledOrRunning reports whether the engine currently carries
// any operation, used to enforce "at most one scheduled and one
// running" at call sites that build new operations.
func (e *OperationEngine) HasScheduledOrRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduled != nil || e.running != nil
}

// baseOp factors the bookkeeping every Operation implementation needs:
// status, cancellation, deadline, and the accumulated result.
type baseOp struct {
	id        string
	status    OperationStatus
	phase     string
	cancelled bool
	deadline  time.Time
	result    OperationResult
}

func newBaseOp(budget time.Duration, now time.Time) baseOp {
	return baseOp{id: uuid.NewString(), status: StatusRunning, deadline: now.Add(budget)}
}

func (b *baseOp) Status() OperationStatus { return b.status }
func (b *baseOp) Phase() string           { return b.phase }
func (b *baseOp) Cancel()                 { b.cancelled = true }
func (b *baseOp) Result() OperationResult {
	r := b.result
	r.ID = b.id
	r.Phase = b.phase
	return r
}
func (b *baseOp) Deadline() time.Time { return b.deadline }

func (b *baseOp) timedOut(now time.Time) bool {
	return now.After(b.deadline)
}

func (b *baseOp) finish(success bool) {
	b.status = StatusDone
	b.result.Success = success
}

func sprintfSafe(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
