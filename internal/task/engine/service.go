// Package engine executes triggered tasks (the season sync cycle) on a
// small worker pool with overlap gating, bounded retries and a circuit
// breaker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"arpgbot/internal/eventbus"
	rtsup "arpgbot/internal/runtime/supervisor"
	logx "arpgbot/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	q      chan queuedTask
	sup    *rtsup.Supervisor
	states map[string]*runState

	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	idSeq        atomic.Uint64
	inFlight     atomic.Int32
	dropped      atomic.Uint64
	skipped      atomic.Uint64
	lastDropWarn atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *runState
}

// New builds an engine; bus may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "taskengine")),
		bus:    bus,
		states: make(map[string]*runState),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor exposes worker health; nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config and restarts the workers when the pool shape or
// the enabled flag changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.sup != nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || !cfg.Enabled) {
		s.Stop(ctx)
	}
	if cfg.Enabled {
		s.Start(ctx)
	}
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sup != nil {
		return
	}
	s.q = make(chan queuedTask, s.cfg.QueueSize)
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	queue, sup := s.q, s.sup
	for i := 0; i < s.cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, queue)
			if err := c.Err(); err != nil {
				return err
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop cancels running tasks and waits for the workers or ctx. Queued tasks
// are discarded.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, queue := s.sup, s.q
	s.sup, s.q = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	if err := sup.Stop(ctx); err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		return
	}
	for {
		select {
		case qt := <-queue:
			qt.release()
		default:
			s.log.Info("task engine stopped")
			return
		}
	}
}

func (qt queuedTask) release() {
	if qt.state != nil {
		qt.state.release()
	}
}

// Enqueue queues t without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()
	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}

	opt := t.Opt.withDefaults(cfg)
	if open, until := s.circuits.isOpen(now, t.Name, cfg, opt); open {
		s.skipped.Add(1)
		item := HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"}
		s.record(item, cfg)
		s.publish(EventTaskSkipped, item)
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.Time("until", until))
		return ErrCircuitOpen
	}

	var st *runState
	if opt.Overlap == OverlapSkipIfRunning {
		st = s.stateFor(t.Name)
		if !st.tryAcquire() {
			s.skipped.Add(1)
			s.publish(EventTaskSkipped, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped: still running", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st}
	select {
	case q <- qt:
		return nil
	default:
		qt.release()
		s.dropped.Add(1)
		s.publish(EventTaskDropped, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
		if s.shouldWarn(now) {
			s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)))
		}
		return ErrQueueFull
	}
}

func (s *Service) stateFor(name string) *runState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &runState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) shouldWarn(now time.Time) bool {
	prev := s.lastDropWarn.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return false
	}
	return s.lastDropWarn.CompareAndSwap(prev, now.UnixNano())
}

func (s *Service) publish(typ string, item HistoryItem) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: item})
	}
}

func (s *Service) record(item HistoryItem, cfg Config) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if over := len(s.history) - cfg.HistorySize; over > 0 {
		s.history = s.history[over:]
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap := Snapshot{
		Enabled:     cfg.Enabled,
		Workers:     cfg.Workers,
		InFlight:    int(s.inFlight.Load()),
		Dropped:     s.dropped.Load(),
		Skipped:     s.skipped.Load(),
		CircuitOpen: s.circuits.openCount(time.Now()),
		History:     h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}
