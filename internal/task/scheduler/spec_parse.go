package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a schedule string resolved into a cron expression or a
// fixed interval.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

func (p ParsedSpec) String() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

// standard 5-field cron with optional seconds and descriptors
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule accepts:
//   - cron: "*/5 * * * *", "0 */10 * * * *", "@hourly"
//   - "@every 5m" or a bare Go duration "5m"
//
// Cron expressions are validated here so config reloads can reject them.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}
	if rest, ok := strings.CutPrefix(s, "@every"); ok {
		return parseEvery(strings.TrimSpace(rest), raw)
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		if _, err := specParser.Parse(s); err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid cron schedule %q: %w", raw, err)
		}
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	return parseEvery(s, raw)
}

func parseEvery(v, raw string) (ParsedSpec, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *' or a duration like '5m')", raw)
	}
	if d < time.Second {
		return ParsedSpec{}, fmt.Errorf("interval %s is below 1s", d)
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}
