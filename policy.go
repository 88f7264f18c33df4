package workflow

import (
	"sync"
	"time"

	"github.com/wtthornton/TappsCodingAgents-sub003/state"
)

// CheckpointPolicy decides when the engine persists the run. Policies never
// perform I/O; the engine asks ShouldCheckpoint after each committed step and
// calls RecordCheckpoint once the snapshot is durable. Asking twice without an
// intervening RecordCheckpoint returns the same answer.
//
// Terminal transitions are always persisted regardless of policy.
type CheckpointPolicy interface {
	ShouldCheckpoint(stepID string, run state.Reader, isGateStep bool) bool
	RecordCheckpoint(stepID string)
}

// EveryStep checkpoints after every step
type EveryStep struct{}

func (EveryStep) ShouldCheckpoint(string, state.Reader, bool) bool { return true }
func (EveryStep) RecordCheckpoint(string)                          {}

// GatesOnly checkpoints only around gate evaluation
type GatesOnly struct{}

func (GatesOnly) ShouldCheckpoint(_ string, _ state.Reader, isGateStep bool) bool { return isGateStep }
func (GatesOnly) RecordCheckpoint(string)                                         {}

// TerminalOnly never asks for intermediate checkpoints
type TerminalOnly struct{}

func (TerminalOnly) ShouldCheckpoint(string, state.Reader, bool) bool { return false }
func (TerminalOnly) RecordCheckpoint(string)                          {}

// EveryN checkpoints once N step executions have finished since the last
// recorded checkpoint. Executions are counted from the run itself, so
// loopback re-executions count too.
type EveryN struct {
	n        int
	mutex    sync.Mutex
	base     int
	observed int
}

// NewEveryN returns a policy that checkpoints every n executions. Values
// below 1 are treated as 1.
func NewEveryN(n int) *EveryN {
	if n < 1 {
		n = 1
	}
	return &EveryN{n: n}
}

func (p *EveryN) ShouldCheckpoint(_ string, run state.Reader, _ bool) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.observed = run.Executions()
	return p.observed-p.base >= p.n
}

func (p *EveryN) RecordCheckpoint(string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.base = p.observed
}

// Interval checkpoints when at least the given wall-clock duration has
// passed since the last recorded checkpoint, regardless of step count.
type Interval struct {
	interval time.Duration
	now      func() time.Time
	mutex    sync.Mutex
	last     time.Time
}

// NewInterval returns a time-based policy. The clock starts now.
func NewInterval(interval time.Duration) *Interval {
	return NewIntervalWithClock(interval, time.Now)
}

// NewIntervalWithClock is NewInterval with an injectable clock
func NewIntervalWithClock(interval time.Duration, now func() time.Time) *Interval {
	return &Interval{interval: interval, now: now, last: now()}
}

func (p *Interval) ShouldCheckpoint(string, state.Reader, bool) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.now().Sub(p.last) >= p.interval
}

func (p *Interval) RecordCheckpoint(string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.last = p.now()
}

// AnyOf combines policies: a checkpoint is due when any member says so, and
// every member is told when one is recorded.
type AnyOf []CheckpointPolicy

func (a AnyOf) ShouldCheckpoint(stepID string, run state.Reader, isGateStep bool) bool {
	due := false
	for _, p := range a {
		// Ask every member so their observations stay current
		if p.ShouldCheckpoint(stepID, run, isGateStep) {
			due = true
		}
	}
	return due
}

func (a AnyOf) RecordCheckpoint(stepID string) {
	for _, p := range a {
		p.RecordCheckpoint(stepID)
	}
}
