// Package drivertest provides an in-memory driver runtime for exercising the
// pool, executor and orchestrator without a browser process.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/bookingd/pkg/driver"
)

// Runtime is a scriptable driver.Runtime.
type Runtime struct {
	mu sync.Mutex

	// FailNextCreates makes the next N NewDriver calls fail.
	FailNextCreates int
	// CreateDelay simulates slow process spawn.
	CreateDelay time.Duration
	// Configure is applied to every new driver before it is returned.
	Configure func(*Driver)

	created atomic.Int64
	closed  atomic.Bool
	drivers []*Driver
}

// NewRuntime builds an empty fake runtime.
func NewRuntime() *Runtime {
	return &Runtime{}
}

// Created returns how many drivers were successfully created.
func (r *Runtime) Created() int { return int(r.created.Load()) }

// Drivers returns every driver handed out, including closed ones.
func (r *Runtime) Drivers() []*Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Driver, len(r.drivers))
	copy(out, r.drivers)
	return out
}

func (r *Runtime) NewDriver(ctx context.Context) (driver.Driver, error) {
	if r.closed.Load() {
		return nil, driver.ErrUnavailable
	}
	r.mu.Lock()
	if r.FailNextCreates > 0 {
		r.FailNextCreates--
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: simulated spawn failure", driver.ErrStartupFailed)
	}
	delay := r.CreateDelay
	configure := r.Configure
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n := r.created.Add(1)
	d := &Driver{
		id:      fmt.Sprintf("fake-%d", n),
		html:    "<html><body></body></html>",
		extract: make(map[string][]string),
	}
	if configure != nil {
		configure(d)
	}
	r.mu.Lock()
	r.drivers = append(r.drivers, d)
	r.mu.Unlock()
	return d, nil
}

func (r *Runtime) Close() error {
	r.closed.Store(true)
	return nil
}

// Driver is a scriptable driver.Driver. Zero value behavior: every
// operation succeeds, Check returns true.
type Driver struct {
	mu sync.Mutex

	id      string
	closed  bool
	html    string
	extract map[string][]string

	// Scripted failures. A nil entry means success.
	NavigateErr error
	ActErr      error
	WaitErr     error
	PingErr     error
	// FailNextActs fails the next N Act calls with ErrNotFound, then
	// succeeds. Exercises retry loops without racing on ActErr.
	FailNextActs int
	// CheckResults is consumed front to back; when exhausted Check returns
	// CheckDefault.
	CheckResults []bool
	CheckDefault bool
	// OpDelay makes every operation block before completing, to exercise
	// timeouts and cancellation.
	OpDelay time.Duration

	navigations []string
	actions     []driver.Action
	pings       int
	checks      int
}

func (d *Driver) ID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// SetHTML replaces the page HTML returned by PageHTML.
func (d *Driver) SetHTML(html string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.html = html
}

// SetExtract scripts the result for a selector.
func (d *Driver) SetExtract(selector string, values ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extract[selector] = values
}

// Crash closes the driver so further operations fail with ErrCrashed.
func (d *Driver) Crash() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

// Navigations returns every URL navigated to.
func (d *Driver) Navigations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.navigations))
	copy(out, d.navigations)
	return out
}

// Actions returns every action performed.
func (d *Driver) Actions() []driver.Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]driver.Action, len(d.actions))
	copy(out, d.actions)
	return out
}

// Pings returns how many liveness probes the driver served.
func (d *Driver) Pings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pings
}

// Closed reports whether the driver has been closed or crashed.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Driver) wait(ctx context.Context) error {
	d.mu.Lock()
	delay := d.OpDelay
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: fake driver crashed", driver.ErrCrashed)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.NavigateErr != nil {
		return d.NavigateErr
	}
	d.navigations = append(d.navigations, url)
	return nil
}

func (d *Driver) WaitFor(ctx context.Context, cond driver.Condition) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.WaitErr
}

func (d *Driver) Check(ctx context.Context, cond driver.Condition) (bool, error) {
	if err := d.wait(ctx); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checks++
	if len(d.CheckResults) > 0 {
		ok := d.CheckResults[0]
		d.CheckResults = d.CheckResults[1:]
		return ok, nil
	}
	return d.CheckDefault, nil
}

func (d *Driver) Act(ctx context.Context, action driver.Action) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailNextActs > 0 {
		d.FailNextActs--
		return fmt.Errorf("%w: %s", driver.ErrNotFound, action.Selector)
	}
	if d.ActErr != nil {
		return d.ActErr
	}
	d.actions = append(d.actions, action)
	return nil
}

func (d *Driver) Extract(ctx context.Context, query driver.Query) ([]string, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	values, ok := d.extract[query.Selector]
	if !ok {
		if query.All {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s", driver.ErrNotFound, query.Selector)
	}
	out := make([]string, len(values))
	copy(out, values)
	return out, nil
}

func (d *Driver) PageHTML(ctx context.Context) (string, error) {
	if err := d.wait(ctx); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.html, nil
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	return []byte("fake-png"), nil
}

func (d *Driver) Ping(ctx context.Context) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pings++
	return d.PingErr
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
