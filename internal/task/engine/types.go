package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task engine. The scheduler only triggers; execution
// policy lives here. Zero fields take the defaults applied by New.
type Config struct {
	Enabled   bool
	Workers   int // default 2
	QueueSize int // default 64

	// DefaultTimeout applies when Task.Timeout is 0. Zero disables it.
	DefaultTimeout time.Duration

	HistorySize int // default 100
	RetryMax    int // default 1

	// Consecutive-failure circuit breaker. CircuitTripFailures < 0 disables
	// it; 0 means 5.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 1
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

type OverlapPolicy int

const (
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// CircuitTripFailures overrides the engine threshold; < 0 disables.
	CircuitTripFailures int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// Task is a unit of work. Tasks with the same Name share overlap state.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
}

// runState gates OverlapSkipIfRunning: a task is skipped while another run
// with the same name is queued or running.
type runState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Event types published on the bus; Data is a HistoryItem.
const (
	EventTaskFinished = "task.finished"
	EventTaskFailed   = "task.failed"
	EventTaskSkipped  = "task.skipped"
	EventTaskDropped  = "task.dropped"
)

// Snapshot is the diagnostics view served by /healthz and the status command.
type Snapshot struct {
	Enabled     bool          `json:"enabled"`
	Workers     int           `json:"workers"`
	QueueLen    int           `json:"queue_len"`
	QueueCap    int           `json:"queue_cap"`
	InFlight    int           `json:"in_flight"`
	Dropped     uint64        `json:"dropped"`
	Skipped     uint64        `json:"skipped"`
	CircuitOpen int           `json:"circuit_open"`
	History     []HistoryItem `json:"history,omitempty"`
}
