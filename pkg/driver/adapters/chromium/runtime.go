// Package chromium drives headless Chromium over the DevTools protocol.
// It adapts chromedp's event-driven model into the blocking driver.Driver
// capability interface, with explicit timeouts at the boundary.
package chromium

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"github.com/odvcencio/bookingd/pkg/driver"
)

// Config configures the Chromium allocator.
type Config struct {
	// BinPath is the Chromium binary. Maps to CHROMIUM_BIN.
	BinPath string
	// UserAgent overrides the browser user agent for every session.
	UserAgent string
	// StartupTimeout bounds process spawn plus the startup handshake.
	StartupTimeout time.Duration
	// Headless and NoSandbox mirror the deployment launch flags.
	Headless  bool
	NoSandbox bool
}

// DefaultConfig returns the launch settings used in the container image.
func DefaultConfig() Config {
	return Config{
		BinPath:        "/usr/bin/chromium",
		UserAgent:      defaultUserAgent,
		StartupTimeout: 30 * time.Second,
		Headless:       true,
		NoSandbox:      true,
	}
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36"

// Runtime implements driver.Runtime on a shared exec allocator. Each
// NewDriver call opens an isolated browser context (its own tab tree and
// profile state) under the allocator.
type Runtime struct {
	cfg Config

	mu         sync.Mutex
	allocCtx   context.Context
	allocStop  context.CancelFunc
	closed     bool
}

// NewRuntime builds the allocator. No process is spawned until the first
// driver is created.
func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.BinPath == "" {
		return nil, fmt.Errorf("chromium: binary path required")
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	opts := append([]chromedp.ExecAllocatorOption{},
		chromedp.ExecPath(cfg.BinPath),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", true))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}

	allocCtx, allocStop := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Runtime{
		cfg:       cfg,
		allocCtx:  allocCtx,
		allocStop: allocStop,
	}, nil
}

// NewDriver spawns a browser context and performs the startup handshake.
// Startup failure never yields a driver.
func (r *Runtime) NewDriver(ctx context.Context) (driver.Driver, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, driver.ErrUnavailable
	}
	allocCtx := r.allocCtx
	r.mu.Unlock()

	tabCtx, tabStop := chromedp.NewContext(allocCtx)
	d := &chromiumDriver{
		id:        uuid.NewString(),
		ctx:       tabCtx,
		stop:      tabStop,
		userAgent: r.cfg.UserAgent,
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, r.cfg.StartupTimeout)
	defer cancel()
	if err := d.handshake(handshakeCtx); err != nil {
		tabStop()
		return nil, fmt.Errorf("%w: %v", driver.ErrStartupFailed, err)
	}
	return d, nil
}

// Close tears down the allocator and every browser process under it.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.allocStop()
	return nil
}
