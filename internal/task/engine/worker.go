package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "arpgbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, queue <-chan queuedTask) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask, rng *rand.Rand) {
	defer qt.release()

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	log := s.log.With(logx.String("task", qt.task.Name), logx.String("id", qt.task.ID))
	log.Debug("task started", logx.Duration("queue_delay", queueDelay))

	var err error
	attempts := 0
	for attempts <= qt.opt.RetryMax {
		attempts++
		err = s.runAttempt(ctx, qt, log)
		if err == nil || ctx.Err() != nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempts > qt.opt.RetryMax {
			break
		}
		delay := backoffDelayWithHint(qt.opt, attempts, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			err = errors.Join(err, ctx.Err())
		case <-t.C:
			continue
		}
		break
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	s.circuits.record(time.Now(), qt.task.Name, cfg, qt.opt, err)
	if err != nil {
		item.Error = err.Error()
		log.Warn("task failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.record(item, cfg)
		s.publish(EventTaskFailed, item)
		return
	}
	log.Debug("task completed", logx.Duration("dur", dur), logx.Int("attempts", attempts))
	s.record(item, cfg)
	s.publish(EventTaskFinished, item)
}

// runAttempt runs the task once with its timeout, turning a panic into an
// error so a bad task cannot kill the worker.
func (s *Service) runAttempt(ctx context.Context, qt queuedTask, log logx.Logger) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

// backoffDelayWithHint honours a retry hint carried by err, capped and
// jittered like the computed delay.
func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	if d, ok := retryHint(err); ok {
		return jitter(min(max(d, 0), opt.RetryMaxDelay), opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, opt.RetryMaxDelay), opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && rng != nil && d > 0 {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
