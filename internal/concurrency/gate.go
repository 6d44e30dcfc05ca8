// Package concurrency implements the two-limiter gate from spec §4.7: a
// global budget shared by every dispatched run, and a smaller per-service
// budget per engine family so one slow engine can't monopolize every slot
// while a second engine still has quota.
package concurrency

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Metrics is the occupancy-gauge surface the gate updates as tokens are
// taken and released. Optional; a nil Metrics disables reporting.
type Metrics interface {
	SetConcurrencyInUse(n int)
	SetServiceInUse(engine string, n int)
}

// Gate bounds concurrent dispatches. It is cooperative (token-based), not
// preemptive: a held token is released only when the caller calls Release,
// normally via the Token returned from Acquire.
type Gate struct {
	global   *semaphore.Weighted
	services map[string]*semaphore.Weighted

	Metrics Metrics

	mu           sync.Mutex
	globalInUse  int
	serviceInUse map[string]int
}

// New builds a Gate with a global concurrency budget and a per-service
// budget map (engine kind -> max parallel runs). An engine kind absent from
// serviceLimits falls back to the global budget alone.
func New(globalLimit int64, serviceLimits map[string]int64) *Gate {
	if globalLimit < 1 {
		globalLimit = 1
	}
	services := make(map[string]*semaphore.Weighted, len(serviceLimits))
	for kind, limit := range serviceLimits {
		if limit < 1 {
			limit = 1
		}
		services[kind] = semaphore.NewWeighted(limit)
	}
	return &Gate{
		global:       semaphore.NewWeighted(globalLimit),
		services:     services,
		serviceInUse: make(map[string]int),
	}
}

func (g *Gate) trackAcquire(serviceKind string, hasService bool) {
	g.mu.Lock()
	g.globalInUse++
	if hasService {
		g.serviceInUse[serviceKind]++
	}
	global, svc := g.globalInUse, g.serviceInUse[serviceKind]
	g.mu.Unlock()

	if g.Metrics != nil {
		g.Metrics.SetConcurrencyInUse(global)
		if hasService {
			g.Metrics.SetServiceInUse(serviceKind, svc)
		}
	}
}

func (g *Gate) trackRelease(serviceKind string, hasService bool) {
	g.mu.Lock()
	g.globalInUse--
	if hasService {
		g.serviceInUse[serviceKind]--
	}
	global, svc := g.globalInUse, g.serviceInUse[serviceKind]
	g.mu.Unlock()

	if g.Metrics != nil {
		g.Metrics.SetConcurrencyInUse(global)
		if hasService {
			g.Metrics.SetServiceInUse(serviceKind, svc)
		}
	}
}

// Token represents one held slot. Release must be called exactly once.
type Token struct {
	gate    *Gate
	kind    string
	global  *semaphore.Weighted
	service *semaphore.Weighted
}

// Release returns the token's slots to the gate.
func (t Token) Release() {
	if t.service != nil {
		t.service.Release(1)
	}
	if t.global != nil {
		t.global.Release(1)
	}
	if t.gate != nil {
		t.gate.trackRelease(t.kind, t.service != nil)
	}
}

// Acquire blocks until both the global budget and the named service's budget
// (if configured) have a free slot, or ctx is done. On success the caller
// owns a Token that must be released.
func (g *Gate) Acquire(ctx context.Context, serviceKind string) (Token, error) {
	if err := g.global.Acquire(ctx, 1); err != nil {
		return Token{}, err
	}
	svc := g.services[serviceKind]
	if svc == nil {
		g.trackAcquire(serviceKind, false)
		return Token{gate: g, kind: serviceKind, global: g.global}, nil
	}
	if err := svc.Acquire(ctx, 1); err != nil {
		g.global.Release(1)
		return Token{}, err
	}
	g.trackAcquire(serviceKind, true)
	return Token{gate: g, kind: serviceKind, global: g.global, service: svc}, nil
}

// TryAcquire is the non-blocking form: it returns ok=false immediately if
// either limiter is saturated, releasing anything it provisionally took.
func (g *Gate) TryAcquire(serviceKind string) (Token, bool) {
	if !g.global.TryAcquire(1) {
		return Token{}, false
	}
	svc := g.services[serviceKind]
	if svc == nil {
		g.trackAcquire(serviceKind, false)
		return Token{gate: g, kind: serviceKind, global: g.global}, true
	}
	if !svc.TryAcquire(1) {
		g.global.Release(1)
		return Token{}, false
	}
	g.trackAcquire(serviceKind, true)
	return Token{gate: g, kind: serviceKind, global: g.global, service: svc}, true
}
