// Package pool manages a bounded set of live browser sessions. It hands out
// one session per task, recycles sessions that stay healthy, discards the
// rest, and keeps FIFO order among callers waiting for capacity.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/bookingd/pkg/driver"
	"github.com/odvcencio/bookingd/pkg/telemetry"
)

var (
	// ErrExhausted is returned when no session becomes available before the
	// caller's deadline. Callers may retry with backoff.
	ErrExhausted = errors.New("session pool exhausted")
	// ErrShutdown is returned for acquisitions after Shutdown begins.
	ErrShutdown = errors.New("session pool shutting down")
	// ErrUnavailable is returned while the pool cannot spawn any browser
	// process at all. Cleared once a creation succeeds again.
	ErrUnavailable = errors.New("browser sessions unavailable")
)

// Config bounds the pool.
type Config struct {
	// MaxSessions caps concurrent browser sessions (and therefore tasks).
	MaxSessions int
	// MaxSessionTasks retires a session after this many tasks. 0 disables.
	MaxSessionTasks int
	// MaxSessionAge retires a session after this wall-clock age. 0 disables.
	MaxSessionAge time.Duration
	// StartupTimeout bounds one session creation.
	StartupTimeout time.Duration
	// UnavailableAfter marks the pool unavailable after this many
	// consecutive creation failures.
	UnavailableAfter int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:      4,
		MaxSessionTasks:  25,
		MaxSessionAge:    30 * time.Minute,
		StartupTimeout:   30 * time.Second,
		UnavailableAfter: 3,
	}
}

// Stats is a point-in-time view of the pool for observability.
type Stats struct {
	Idle        int     `json:"idle"`
	InUse       int     `json:"in_use"`
	Degraded    int     `json:"degraded"`
	Reserved    int     `json:"reserved"`
	QueueDepth  int     `json:"queue_depth"`
	Created     int64   `json:"created"`
	Destroyed   int64   `json:"destroyed"`
	Unavailable bool    `json:"unavailable"`
	FailureRate float64 `json:"failure_rate"`
}

type waiter struct {
	ch  chan *Handle
	err error
}

// Pool owns the handle registry. It is the only component that creates or
// destroys browser processes.
type Pool struct {
	cfg     Config
	runtime driver.Runtime
	hub     *telemetry.Hub

	mu             sync.Mutex
	handles        map[string]*Handle
	idle           []*Handle
	waiters        []*waiter
	reserved       int
	shutdown       bool
	createFailures int
	unavailable    bool
	lastCreateErr  error

	created   int64
	destroyed int64
	// releaseRing tracks the health of recent releases for the rolling
	// failure rate.
	releaseRing [64]bool
	releasePos  int
	releaseN    int

	wg sync.WaitGroup
}

// New builds a pool over the given runtime. Sessions are created lazily on
// first acquisition.
func New(runtime driver.Runtime, cfg Config, hub *telemetry.Hub) *Pool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultConfig().MaxSessions
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultConfig().StartupTimeout
	}
	if cfg.UnavailableAfter <= 0 {
		cfg.UnavailableAfter = DefaultConfig().UnavailableAfter
	}
	return &Pool{
		cfg:     cfg,
		runtime: runtime,
		hub:     hub,
		handles: make(map[string]*Handle),
	}
}

// Acquire blocks until an idle session exists or a new one can be created
// under the cap, honoring ctx for the wait bound. Waiters are served in
// strict FIFO order.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	start := time.Now()
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrShutdown
	}
	if p.unavailable {
		err := p.lastCreateErr
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if h := p.popIdleLocked(); h != nil {
		h.state = StateInUse
		p.mu.Unlock()
		metricAcquires.Inc()
		metricAcquireWait.Observe(time.Since(start).Seconds())
		return h, nil
	}
	// Only jump the queue into creation when nobody is already waiting;
	// otherwise a newcomer would overtake older waiters.
	if len(p.waiters) == 0 && p.totalLocked() < p.cfg.MaxSessions {
		p.reserved++
		metricReserved.Set(float64(p.reserved))
		p.mu.Unlock()
		h, err := p.createAndRegister(ctx, StateInUse)
		if err != nil {
			return nil, err
		}
		metricAcquires.Inc()
		metricAcquireWait.Observe(time.Since(start).Seconds())
		return h, nil
	}

	w := &waiter{ch: make(chan *Handle, 1)}
	p.waiters = append(p.waiters, w)
	metricQueueDepth.Set(float64(len(p.waiters)))
	p.mu.Unlock()

	select {
	case h := <-w.ch:
		if h == nil {
			if w.err != nil {
				return nil, w.err
			}
			return nil, ErrShutdown
		}
		metricAcquires.Inc()
		metricAcquireWait.Observe(time.Since(start).Seconds())
		return h, nil
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(w)
		p.mu.Unlock()
		if !removed {
			// Delivery raced the timeout; take the handle and put it back.
			if h := <-w.ch; h != nil {
				p.Release(h, true)
			} else if w.err != nil {
				return nil, w.err
			}
		}
		metricAcquireTimeouts.Inc()
		if p.hub != nil {
			p.hub.Publish(telemetry.Event{Type: telemetry.EventPoolExhausted})
		}
		return nil, fmt.Errorf("%w: %v", ErrExhausted, ctx.Err())
	}
}

// Release returns a borrowed handle. Healthy handles under their reuse caps
// go back to Idle (or straight to the oldest waiter); everything else is
// destroyed and a replacement creation is scheduled so capacity recovers
// without waiting for the next acquisition.
func (p *Pool) Release(h *Handle, observedHealthy bool) {
	if h == nil {
		return
	}
	now := time.Now()
	p.mu.Lock()
	if _, ok := p.handles[h.id]; !ok {
		p.mu.Unlock()
		return
	}
	h.taskCount++
	h.lastUsedAt = now
	p.recordReleaseLocked(!observedHealthy)

	if p.shutdown || !observedHealthy ||
		h.expired(p.cfg.MaxSessionTasks, p.cfg.MaxSessionAge, now) {
		p.destroyLocked(h, releaseReason(p.shutdown, observedHealthy))
		p.scheduleReplacementLocked()
		p.mu.Unlock()
		return
	}

	h.state = StateIdle
	p.dispatchLocked(h)
	p.mu.Unlock()
}

func releaseReason(shutdown, healthy bool) string {
	switch {
	case shutdown:
		return "shutdown"
	case !healthy:
		return "unhealthy"
	default:
		return "expired"
	}
}

// Discard destroys a borrowed handle outright, bypassing the health
// judgment. Used when a task deadline fired mid-operation and the browser
// state can no longer be trusted.
func (p *Pool) Discard(h *Handle) {
	p.Release(h, false)
}

// Shutdown drains the pool, terminating every browser session. Idempotent;
// waiters are failed with ErrShutdown.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.shutdown = true
	waiters := p.waiters
	p.waiters = nil
	metricQueueDepth.Set(0)
	var victims []*Handle
	for _, h := range p.handles {
		victims = append(victims, h)
	}
	for _, h := range victims {
		p.destroyLocked(h, "shutdown")
	}
	p.mu.Unlock()

	for _, w := range waiters {
		w.err = ErrShutdown
		w.ch <- nil
	}
	p.wg.Wait()
	if p.runtime != nil {
		_ = p.runtime.Close()
	}
}

// Stats returns a snapshot of pool accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Reserved:    p.reserved,
		QueueDepth:  len(p.waiters),
		Created:     p.created,
		Destroyed:   p.destroyed,
		Unavailable: p.unavailable,
	}
	for _, h := range p.handles {
		switch h.state {
		case StateIdle:
			s.Idle++
		case StateInUse:
			s.InUse++
		case StateDegraded:
			s.Degraded++
		}
	}
	if p.releaseN > 0 {
		failed := 0
		for i := 0; i < p.releaseN; i++ {
			if p.releaseRing[i] {
				failed++
			}
		}
		s.FailureRate = float64(failed) / float64(p.releaseN)
	}
	return s
}

// Unavailable reports whether the pool has given up spawning sessions.
func (p *Pool) Unavailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unavailable
}

// --- internals; callers hold p.mu where noted ---

func (p *Pool) totalLocked() int {
	return len(p.handles) + p.reserved
}

func (p *Pool) popIdleLocked() *Handle {
	for len(p.idle) > 0 {
		h := p.idle[0]
		p.idle = p.idle[1:]
		if h.state == StateIdle && !h.probing {
			return h
		}
	}
	return nil
}

// dispatchLocked hands an idle handle to the oldest waiter, or parks it.
func (p *Pool) dispatchLocked(h *Handle) {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		metricQueueDepth.Set(float64(len(p.waiters)))
		h.state = StateInUse
		w.ch <- h
		return
	}
	p.idle = append(p.idle, h)
	p.updateStateMetricsLocked()
}

// replenishLocked starts an async session creation when callers are queued
// and capacity is free. Used on the creation-failure path, where the waiter
// gate keeps retries demand-driven and bounded by the unavailability
// threshold.
func (p *Pool) replenishLocked() {
	if len(p.waiters) == 0 {
		return
	}
	p.scheduleReplacementLocked()
}

// scheduleReplacementLocked starts an async session creation under the cap,
// whether or not anyone is waiting. Destroyed sessions are replaced eagerly
// so the pool returns to strength before the next acquisition. Creation
// never runs under the lock.
func (p *Pool) scheduleReplacementLocked() {
	if p.shutdown || p.unavailable || p.totalLocked() >= p.cfg.MaxSessions {
		return
	}
	p.reserved++
	metricReserved.Set(float64(p.reserved))
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, _ = p.createAndRegister(context.Background(), StateIdle)
	}()
}

// createAndRegister spawns a session outside the lock against a reservation
// the caller has already taken, then registers it in the requested state.
// With targetState InUse the handle is returned to the caller; with Idle it
// is dispatched to waiters.
func (p *Pool) createAndRegister(ctx context.Context, targetState State) (*Handle, error) {
	createCtx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
	drv, err := p.runtime.NewDriver(createCtx)
	cancel()

	p.mu.Lock()
	p.reserved--
	metricReserved.Set(float64(p.reserved))
	if err != nil {
		p.createFailures++
		p.lastCreateErr = err
		becameUnavailable := false
		if p.createFailures >= p.cfg.UnavailableAfter && !p.unavailable {
			p.unavailable = true
			becameUnavailable = true
		}
		var stranded []*waiter
		if p.unavailable {
			stranded = p.waiters
			p.waiters = nil
			metricQueueDepth.Set(0)
		} else {
			// Keep queued callers moving; retries are bounded by the
			// unavailability threshold.
			p.replenishLocked()
		}
		p.mu.Unlock()

		metricCreateFailures.Inc()
		for _, w := range stranded {
			w.err = fmt.Errorf("%w: %v", ErrUnavailable, err)
			w.ch <- nil
		}
		if becameUnavailable && p.hub != nil {
			p.hub.Publish(telemetry.Event{
				Type: telemetry.EventPoolUnavailable,
				Data: map[string]any{"error": err.Error()},
			})
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	if p.shutdown {
		p.mu.Unlock()
		_ = drv.Close()
		return nil, ErrShutdown
	}

	recovered := p.unavailable
	p.createFailures = 0
	p.unavailable = false
	now := time.Now()
	h := &Handle{
		id:         uuid.NewString(),
		drv:        drv,
		state:      targetState,
		createdAt:  now,
		lastUsedAt: now,
	}
	p.handles[h.id] = h
	p.created++
	if targetState == StateIdle {
		p.dispatchLocked(h)
	}
	p.updateStateMetricsLocked()
	p.mu.Unlock()

	metricSessionsCreated.Inc()
	if p.hub != nil {
		p.hub.Publish(telemetry.Event{
			Type:      telemetry.EventSessionCreated,
			SessionID: h.id,
		})
		if recovered {
			p.hub.Publish(telemetry.Event{Type: telemetry.EventPoolRecovered})
		}
	}
	if targetState == StateInUse {
		return h, nil
	}
	return nil, nil
}

// destroyLocked removes a handle from the registry and closes its driver
// asynchronously (process teardown can be slow).
func (p *Pool) destroyLocked(h *Handle, reason string) {
	if _, ok := p.handles[h.id]; !ok {
		return
	}
	delete(p.handles, h.id)
	h.state = StateDead
	p.destroyed++
	p.updateStateMetricsLocked()

	drv := h.drv
	id := h.id
	hub := p.hub
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = drv.Close()
		metricSessionsDestroyed.Inc()
		if hub != nil {
			hub.Publish(telemetry.Event{
				Type:      telemetry.EventSessionDestroyed,
				SessionID: id,
				Data:      map[string]any{"reason": reason},
			})
		}
	}()
}

func (p *Pool) removeWaiterLocked(target *waiter) bool {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			metricQueueDepth.Set(float64(len(p.waiters)))
			return true
		}
	}
	return false
}

func (p *Pool) recordReleaseLocked(failed bool) {
	p.releaseRing[p.releasePos] = failed
	p.releasePos = (p.releasePos + 1) % len(p.releaseRing)
	if p.releaseN < len(p.releaseRing) {
		p.releaseN++
	}
}

func (p *Pool) updateStateMetricsLocked() {
	var idle, inUse, degraded float64
	for _, h := range p.handles {
		switch h.state {
		case StateIdle:
			idle++
		case StateInUse:
			inUse++
		case StateDegraded:
			degraded++
		}
	}
	metricSessions.WithLabelValues(string(StateIdle)).Set(idle)
	metricSessions.WithLabelValues(string(StateInUse)).Set(inUse)
	metricSessions.WithLabelValues(string(StateDegraded)).Set(degraded)
}
