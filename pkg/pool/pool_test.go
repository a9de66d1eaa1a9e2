package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/bookingd/pkg/driver"
	"github.com/odvcencio/bookingd/pkg/driver/drivertest"
	"github.com/odvcencio/bookingd/pkg/telemetry"
)

func testConfig() Config {
	return Config{
		MaxSessions:      2,
		MaxSessionTasks:  0,
		MaxSessionAge:    0,
		StartupTimeout:   time.Second,
		UnavailableAfter: 3,
	}
}

func TestAcquireCreatesUpToCap(t *testing.T) {
	rt := drivertest.NewRuntime()
	p := New(rt, testConfig(), nil)
	defer p.Shutdown()

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, h1.ID(), h2.ID())
	require.Equal(t, 2, rt.Created())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 2, rt.Created())
}

func TestAcquireReusesIdleSession(t *testing.T) {
	rt := drivertest.NewRuntime()
	p := New(rt, testConfig(), nil)
	defer p.Shutdown()

	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(h1, true)

	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, h1.ID(), h2.ID())
	require.Equal(t, 1, rt.Created())
	require.Equal(t, 1, h2.TaskCount())
}

func TestWaitersWakeInFIFOOrder(t *testing.T) {
	rt := drivertest.NewRuntime()
	cfg := testConfig()
	cfg.MaxSessions = 1
	p := New(rt, cfg, nil)
	defer p.Shutdown()

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	const waiters = 3
	order := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			order <- i
			p.Release(h, true)
		}(i)
		require.Eventually(t, func() bool {
			return p.Stats().QueueDepth == i+1
		}, time.Second, time.Millisecond)
	}

	p.Release(first, true)
	wg.Wait()
	close(order)

	var got []int
	for i := range order {
		got = append(got, i)
	}
	require.Equal(t, []int{0, 1, 2}, got)
	require.Equal(t, 1, rt.Created())
}

func TestReleaseUnhealthyDestroysSession(t *testing.T) {
	rt := drivertest.NewRuntime()
	p := New(rt, testConfig(), nil)
	defer p.Shutdown()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	fake := rt.Drivers()[0]
	p.Release(h, false)

	require.Eventually(t, fake.Closed, time.Second, time.Millisecond)

	// The destroyed session is replaced without anyone asking for it.
	require.Eventually(t, func() bool {
		return p.Stats().Idle == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, 2, rt.Created())

	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, h.ID(), h2.ID())
	require.Equal(t, 2, rt.Created())
}

func TestReuseCapsRetireSessions(t *testing.T) {
	rt := drivertest.NewRuntime()
	cfg := testConfig()
	cfg.MaxSessionTasks = 2
	p := New(rt, cfg, nil)
	defer p.Shutdown()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(h, true)

	h, err = p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rt.Created())
	p.Release(h, true)

	// Second task hit the cap; the retired session's replacement serves the
	// next acquire fresh.
	require.Eventually(t, func() bool {
		return p.Stats().Idle == 1
	}, time.Second, time.Millisecond)
	h, err = p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, rt.Created())
	require.Equal(t, 0, h.TaskCount())
	p.Release(h, true)
}

func TestAcquireTimeoutLeavesNoLeak(t *testing.T) {
	rt := drivertest.NewRuntime()
	cfg := testConfig()
	cfg.MaxSessions = 1
	p := New(rt, cfg, nil)
	defer p.Shutdown()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrExhausted)

	p.Release(h, true)
	stats := p.Stats()
	assert.Equal(t, 0, stats.QueueDepth)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.InUse)
}

func TestUnavailableAfterConsecutiveFailures(t *testing.T) {
	rt := drivertest.NewRuntime()
	rt.FailNextCreates = 3
	hub := telemetry.NewHub()
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	p := New(rt, testConfig(), hub)
	defer p.Shutdown()

	for i := 0; i < 3; i++ {
		_, err := p.Acquire(context.Background())
		require.Error(t, err)
		require.ErrorIs(t, err, driver.ErrStartupFailed)
	}
	require.True(t, p.Unavailable())

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, 0, rt.Created())

	var sawUnavailable bool
	for !sawUnavailable {
		select {
		case ev := <-events:
			sawUnavailable = ev.Type == telemetry.EventPoolUnavailable
		case <-time.After(time.Second):
			t.Fatal("no pool.unavailable event")
		}
	}
}

func TestCanaryClearsUnavailability(t *testing.T) {
	rt := drivertest.NewRuntime()
	rt.FailNextCreates = 3
	p := New(rt, testConfig(), nil)
	defer p.Shutdown()

	for i := 0; i < 3; i++ {
		_, err := p.Acquire(context.Background())
		require.Error(t, err)
	}
	require.True(t, p.Unavailable())

	m := NewMonitor(p, MonitorConfig{
		Interval:     time.Hour,
		ProbeAfter:   time.Nanosecond,
		ProbeTimeout: time.Second,
	})
	m.Sweep()

	require.False(t, p.Unavailable())
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(h, true)
}

func TestShutdownFailsWaitersAndClosesDrivers(t *testing.T) {
	rt := drivertest.NewRuntime()
	cfg := testConfig()
	cfg.MaxSessions = 1
	p := New(rt, cfg, nil)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waiterErr <- err
	}()
	require.Eventually(t, func() bool {
		return p.Stats().QueueDepth == 1
	}, time.Second, time.Millisecond)

	p.Shutdown()
	require.ErrorIs(t, <-waiterErr, ErrShutdown)

	for _, d := range rt.Drivers() {
		require.True(t, d.Closed())
	}
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrShutdown)

	// Releasing after shutdown must not panic or resurrect the handle.
	p.Release(h, true)
	p.Shutdown()
}

func TestHealthProbeDegradesThenReplaces(t *testing.T) {
	rt := drivertest.NewRuntime()
	p := New(rt, testConfig(), nil)
	defer p.Shutdown()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	fake := rt.Drivers()[0]
	fake.PingErr = errors.New("tab gone")
	p.Release(h, true)
	time.Sleep(5 * time.Millisecond)

	m := NewMonitor(p, MonitorConfig{
		Interval:     time.Hour,
		ProbeAfter:   time.Nanosecond,
		ProbeTimeout: time.Second,
	})

	// First failed probe parks the session as degraded, out of rotation.
	m.Sweep()
	stats := p.Stats()
	require.Equal(t, 1, stats.Degraded)
	require.Equal(t, 0, stats.Idle)

	// Second failed probe gives up on it and schedules a replacement.
	m.Sweep()
	require.Eventually(t, fake.Closed, time.Second, time.Millisecond)
	require.Equal(t, 0, p.Stats().Degraded)
	require.Eventually(t, func() bool {
		return p.Stats().Idle == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, 2, rt.Created())
}

func TestHealthProbeRecoversDegradedSession(t *testing.T) {
	rt := drivertest.NewRuntime()
	hub := telemetry.NewHub()
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	p := New(rt, testConfig(), hub)
	defer p.Shutdown()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	fake := rt.Drivers()[0]
	fake.PingErr = errors.New("transient")
	p.Release(h, true)
	time.Sleep(5 * time.Millisecond)

	m := NewMonitor(p, MonitorConfig{
		Interval:     time.Hour,
		ProbeAfter:   time.Nanosecond,
		ProbeTimeout: time.Second,
	})
	m.Sweep()
	require.Equal(t, 1, p.Stats().Degraded)

	fake.PingErr = nil
	m.Sweep()
	stats := p.Stats()
	require.Equal(t, 0, stats.Degraded)
	require.Equal(t, 1, stats.Idle)

	var recovered bool
	deadline := time.After(time.Second)
	for !recovered {
		select {
		case ev := <-events:
			recovered = ev.Type == telemetry.EventSessionRecovered
		case <-deadline:
			t.Fatal("no session.recovered event")
		}
	}

	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, h.ID(), h2.ID())
}

func TestConcurrentAcquireReleaseNeverExceedsCap(t *testing.T) {
	rt := drivertest.NewRuntime()
	cfg := testConfig()
	cfg.MaxSessions = 3
	p := New(rt, cfg, nil)
	defer p.Shutdown()

	var (
		mu      sync.Mutex
		inUse   int
		maxSeen int
	)
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			h, err := p.Acquire(ctx)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			inUse++
			if inUse > maxSeen {
				maxSeen = inUse
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inUse--
			mu.Unlock()
			p.Release(h, i%7 != 0)
		}(i)
	}
	wg.Wait()

	require.LessOrEqual(t, maxSeen, 3)
	stats := p.Stats()
	require.Equal(t, 0, stats.InUse)
	require.Equal(t, 0, stats.QueueDepth)
	require.LessOrEqual(t, stats.Idle, 3)
}
