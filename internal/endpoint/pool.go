// Package endpoint tracks the health of interchangeable chapter API
// endpoints and leases them to download workers. Endpoints that fail
// repeatedly are put in a cooldown window rather than banned; a later
// success resets the failure streak.
package endpoint

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/kyten/ficdl/internal/utils"
)

const (
	// Failure streak beyond which an endpoint enters cooldown.
	cooldownThreshold = 5
	minCooldown       = 10 * time.Second
	maxCooldown       = 30 * time.Second

	leasePollInterval = 50 * time.Millisecond
)

// Status holds the health record of a single endpoint.
type Status struct {
	Failures        int
	LastSuccess     time.Time
	LatencyEstimate float64 // seconds, exponential moving average
	CooldownUntil   time.Time
}

// Pool is a bounded, thread-safe leasing structure over a fixed endpoint
// set. Leased endpoints are out of circulation until released; every exit
// path of a caller must release exactly once.
type Pool struct {
	mu        sync.Mutex
	available []string
	status    map[string]*Status
	now       func() time.Time
}

func NewPool(endpoints []string) *Pool {
	p := &Pool{
		status: make(map[string]*Status, len(endpoints)),
		now:    time.Now,
	}
	for _, ep := range endpoints {
		p.available = append(p.available, ep)
		p.status[ep] = &Status{LatencyEstimate: math.Inf(1)}
	}
	return p
}

// Size returns the number of endpoints managed by the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.status)
}

// Lease pulls an endpoint that is not in excluding and not in cooldown.
// When no candidate qualifies it polls until timeout, then reports a miss.
func (p *Pool) Lease(excluding map[string]struct{}, timeout time.Duration) (string, bool) {
	deadline := p.now().Add(timeout)
	for {
		if ep, ok := p.tryLease(excluding); ok {
			return ep, true
		}
		if p.now().After(deadline) {
			return "", false
		}
		time.Sleep(leasePollInterval)
	}
}

func (p *Pool) tryLease(excluding map[string]struct{}) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for i, ep := range p.available {
		if _, skip := excluding[ep]; skip {
			continue
		}
		if now.Before(p.status[ep].CooldownUntil) {
			continue
		}
		p.available = append(p.available[:i], p.available[i+1:]...)
		return ep, true
	}
	return "", false
}

// Release returns an endpoint to circulation unconditionally.
func (p *Pool) Release(ep string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, known := p.status[ep]; !known {
		return
	}
	p.available = append(p.available, ep)
}

// RecordSuccess resets the failure streak and folds elapsed into the
// latency estimate (0.7*old + 0.3*new).
func (p *Pool) RecordSuccess(ep string, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, known := p.status[ep]
	if !known {
		return
	}
	st.Failures = 0
	st.LastSuccess = p.now()
	secs := elapsed.Seconds()
	if math.IsInf(st.LatencyEstimate, 1) {
		st.LatencyEstimate = secs
	} else {
		st.LatencyEstimate = st.LatencyEstimate*0.7 + secs*0.3
	}
}

// RecordFailure bumps the failure streak; past the threshold the endpoint
// cools down for a random 10-30s window.
func (p *Pool) RecordFailure(ep string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, known := p.status[ep]
	if !known {
		return
	}
	st.Failures++
	if st.Failures > cooldownThreshold {
		cooldown := minCooldown + time.Duration(rand.Int63n(int64(maxCooldown-minCooldown)))
		st.CooldownUntil = p.now().Add(cooldown)
		logger := utils.GetLogger("endpoint")
		logger.Warn().Str("endpoint", ep).Int("failures", st.Failures).
			Dur("cooldown", cooldown).Msg("Endpoint cooling down")
	}
}

// Snapshot copies the current per-endpoint stats, for status display and
// debug logging.
func (p *Pool) Snapshot() map[string]Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Status, len(p.status))
	for ep, st := range p.status {
		out[ep] = *st
	}
	return out
}
