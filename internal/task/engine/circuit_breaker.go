package engine

import (
	"sync"
	"time"
)

// circuit opens after trip consecutive failed runs of a task and keeps new
// runs out for an exponentially growing cooldown. A success closes it; a
// quiet period longer than resetAfter forgets old failures.
type circuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuit
}

type circuitCfg struct {
	trip       int
	base       time.Duration
	max        time.Duration
	resetAfter time.Duration
}

func effectiveCircuit(cfg Config, opt TaskOptions) (circuitCfg, bool) {
	trip := cfg.CircuitTripFailures
	if opt.CircuitTripFailures != 0 {
		trip = opt.CircuitTripFailures
	}
	if trip < 0 {
		return circuitCfg{}, false
	}
	return circuitCfg{trip: trip, base: cfg.CircuitBaseDelay, max: cfg.CircuitMaxDelay, resetAfter: cfg.CircuitResetAfter}, true
}

// get must be called with mu held.
func (s *circuitStore) get(name string) *circuit {
	if s.m == nil {
		s.m = make(map[string]*circuit)
	}
	c := s.m[name]
	if c == nil {
		c = &circuit{}
		s.m[name] = c
	}
	return c
}

func (c *circuit) maybeReset(now time.Time, cc circuitCfg) {
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > cc.resetAfter {
		c.fails = 0
		c.openUntil = time.Time{}
	}
}

func (s *circuitStore) isOpen(now time.Time, name string, cfg Config, opt TaskOptions) (bool, time.Time) {
	cc, ok := effectiveCircuit(cfg, opt)
	if !ok {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(name)
	c.maybeReset(now, cc)
	if now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

func (s *circuitStore) record(now time.Time, name string, cfg Config, opt TaskOptions, err error) {
	cc, ok := effectiveCircuit(cfg, opt)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(name)
	c.maybeReset(now, cc)
	if err == nil {
		*c = circuit{}
		return
	}
	c.fails++
	c.lastFailure = now
	if c.fails < cc.trip {
		return
	}
	d := cc.base
	for i := 0; i < c.fails-cc.trip && d < cc.max; i++ {
		d *= 2
	}
	c.openUntil = now.Add(min(d, cc.max))
}

func (s *circuitStore) openCount(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.m {
		if now.Before(c.openUntil) {
			n++
		}
	}
	return n
}
