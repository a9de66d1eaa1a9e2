package pool

import (
	"context"
	"sync"
	"time"

	"github.com/odvcencio/bookingd/pkg/telemetry"
)

// MonitorConfig tunes the background health sweep.
type MonitorConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// ProbeAfter probes idle sessions that have not served a task for this
	// long. Recently used sessions are assumed live.
	ProbeAfter time.Duration
	// ProbeTimeout bounds one liveness probe.
	ProbeTimeout time.Duration
}

// DefaultMonitorConfig returns production defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:     15 * time.Second,
		ProbeAfter:   time.Minute,
		ProbeTimeout: 5 * time.Second,
	}
}

// Monitor periodically probes idle sessions, parks failing ones as degraded,
// gives degraded ones a second chance, and replaces the rest. While the pool
// is unavailable it also tries a canary creation so availability recovers
// without waiting for the next task.
type Monitor struct {
	pool     *Pool
	cfg      MonitorConfig
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor builds a monitor over the pool. Call Start to begin sweeping.
func NewMonitor(pool *Pool, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorConfig().Interval
	}
	if cfg.ProbeAfter <= 0 {
		cfg.ProbeAfter = DefaultMonitorConfig().ProbeAfter
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultMonitorConfig().ProbeTimeout
	}
	return &Monitor{pool: pool, cfg: cfg, stopChan: make(chan struct{})}
}

// Start launches the sweep loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopChan:
			return
		}
	}
}

// Sweep runs one health pass. Exported so tests and operators can trigger it
// without waiting for the ticker.
func (m *Monitor) Sweep() {
	for _, h := range m.pool.beginProbes(m.cfg.ProbeAfter) {
		m.probe(h)
	}
	if m.pool.Unavailable() {
		m.pool.canary()
	}
}

func (m *Monitor) probe(h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	err := h.drv.Ping(ctx)
	cancel()
	if err != nil {
		metricProbes.WithLabelValues("fail").Inc()
	} else {
		metricProbes.WithLabelValues("pass").Inc()
	}
	m.pool.finishProbe(h, err == nil)
}

// beginProbes pulls probe candidates out of rotation: idle handles past the
// staleness threshold, plus every degraded handle for its re-check.
func (p *Pool) beginProbes(probeAfter time.Duration) []*Handle {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return nil
	}
	var out []*Handle
	remaining := p.idle[:0]
	for _, h := range p.idle {
		if h.state == StateIdle && now.Sub(h.lastUsedAt) >= probeAfter {
			h.probing = true
			out = append(out, h)
			continue
		}
		remaining = append(remaining, h)
	}
	p.idle = remaining
	for _, h := range p.handles {
		if h.state == StateDegraded && !h.probing {
			h.probing = true
			out = append(out, h)
		}
	}
	return out
}

// finishProbe applies a probe verdict. Healthy handles rejoin rotation
// (degraded ones recover); unhealthy idle handles are parked as degraded for
// one grace re-check, and unhealthy degraded handles are replaced.
func (p *Pool) finishProbe(h *Handle, healthy bool) {
	p.mu.Lock()
	if _, ok := p.handles[h.id]; !ok {
		p.mu.Unlock()
		return
	}
	h.probing = false
	wasDegraded := h.state == StateDegraded

	switch {
	case healthy:
		h.state = StateIdle
		h.lastUsedAt = time.Now()
		p.dispatchLocked(h)
		p.mu.Unlock()
		if wasDegraded && p.hub != nil {
			p.hub.Publish(telemetry.Event{
				Type:      telemetry.EventSessionRecovered,
				SessionID: h.id,
			})
		}
	case wasDegraded:
		p.destroyLocked(h, "health_probe")
		p.scheduleReplacementLocked()
		p.mu.Unlock()
	default:
		h.state = StateDegraded
		p.updateStateMetricsLocked()
		p.mu.Unlock()
		if p.hub != nil {
			p.hub.Publish(telemetry.Event{
				Type:      telemetry.EventSessionDegraded,
				SessionID: h.id,
			})
		}
	}
}

// canary attempts one session creation while the pool is marked unavailable.
// Success clears the flag inside createAndRegister.
func (p *Pool) canary() {
	p.mu.Lock()
	if p.shutdown || !p.unavailable || p.totalLocked() >= p.cfg.MaxSessions {
		p.mu.Unlock()
		return
	}
	p.reserved++
	metricReserved.Set(float64(p.reserved))
	p.mu.Unlock()
	_, _ = p.createAndRegister(context.Background(), StateIdle)
}
