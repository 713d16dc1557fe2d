package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"arpgbot/internal/task/engine"
	logx "arpgbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means Local
}

// Enqueuer is the execution side; *engine.Service implements it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type scheduleDef struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	opt     engine.TaskOptions
	job     func(ctx context.Context) error
	entryID cron.EntryID
	spread  time.Duration
}

func (d *scheduleDef) task() engine.Task {
	return engine.Task{Name: d.name, Timeout: d.timeout, Run: d.job, Opt: d.opt}
}

// Service turns schedules into task-engine enqueues. It never runs jobs
// itself.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	engine Enqueuer
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	defs   map[string]*scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
