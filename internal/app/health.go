package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	rtsup "arpgbot/internal/runtime/supervisor"
	"arpgbot/internal/task/engine"
	"arpgbot/internal/task/scheduler"
)

type healthReport struct {
	Status      string             `json:"status"`
	Uptime      string             `json:"uptime"`
	LastCycle   *cycleResult       `json:"last_cycle,omitempty"`
	TokenExpiry *time.Time         `json:"token_expires_at,omitempty"`
	Engine      engine.Snapshot    `json:"engine"`
	Scheduler   scheduler.Snapshot `json:"scheduler"`
	Tasks       []rtsup.TaskStatus `json:"tasks"`
	Dropped     uint64             `json:"events_dropped"`
	Errors      map[string]string  `json:"errors,omitempty"`
}

// health backs /healthz. The service is unhealthy once the app supervisor
// recorded a fatal error or the last cycle was aborted.
func (a *App) health(_ context.Context) (any, bool) {
	r := healthReport{
		Status:    "ok",
		Engine:    a.engine.Snapshot(),
		Scheduler: a.sched.Snapshot(),
		LastCycle: a.last.Load(),
		Dropped:   a.bus.Dropped(),
	}
	if !a.startedAt.IsZero() {
		r.Uptime = time.Since(a.startedAt).Round(time.Second).String()
	}
	if exp, ok := a.tokens.Snapshot(); ok {
		r.TokenExpiry = &exp
	}
	if a.sup != nil {
		r.Tasks = a.sup.Snapshot()
		if err := a.sup.Err(); err != nil {
			r.Errors = map[string]string{"app": err.Error()}
		}
	}
	ok := r.Errors == nil
	if r.LastCycle != nil && r.LastCycle.Result == "aborted" {
		ok = false
	}
	if !ok {
		r.Status = "degraded"
	}
	return r, ok
}

// statusText is the operator /status reply.
func (a *App) statusText(now time.Time) string {
	var b strings.Builder
	if !a.startedAt.IsZero() {
		fmt.Fprintf(&b, "arpgbot up since %s\n", humanize.RelTime(a.startedAt, now, "ago", "from now"))
	}
	if last := a.last.Load(); last != nil {
		rep := last.Report
		fmt.Fprintf(&b, "last cycle: %s, %s (%d announced, %d failed, %d game errors, took %s)\n",
			last.Result, humanize.RelTime(rep.Started, now, "ago", "from now"),
			rep.Announced, rep.DeliveryFailed, len(rep.GameErrors), rep.Duration.Round(time.Millisecond))
		if last.Err != "" {
			fmt.Fprintf(&b, "error: %s\n", last.Err)
		}
	} else {
		b.WriteString("last cycle: none yet\n")
	}
	for _, s := range a.sched.Snapshot().Schedules {
		if s.Name == SyncSchedule && !s.Next.IsZero() {
			fmt.Fprintf(&b, "next poll: %s (%s)\n", humanize.RelTime(s.Next, now, "ago", "from now"), s.Spec)
		}
	}
	es := a.engine.Snapshot()
	fmt.Fprintf(&b, "queue: %d/%d, in flight %d, dropped %s\n", es.QueueLen, es.QueueCap, es.InFlight, humanize.Comma(int64(es.Dropped)))
	if exp, ok := a.tokens.Snapshot(); ok {
		fmt.Fprintf(&b, "api token expires %s\n", humanize.RelTime(exp, now, "ago", "from now"))
	} else {
		b.WriteString("api token: none cached\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) operatorStatus(context.Context) (string, error) {
	return a.statusText(time.Now()), nil
}

func (a *App) operatorSync(context.Context) (string, error) {
	if err := a.TriggerSync(); err != nil {
		return "", err
	}
	return "sync cycle queued", nil
}
