package pool

import (
	"time"

	"github.com/odvcencio/bookingd/pkg/driver"
)

// State is the lifecycle state of a pooled browser session.
type State string

const (
	StateIdle     State = "idle"
	StateInUse    State = "in_use"
	StateDegraded State = "degraded"
	StateDead     State = "dead"
)

// Handle wraps one live browser driver owned by the pool. Tasks borrow a
// handle for the duration of one run; only the pool mutates its state.
type Handle struct {
	id         string
	drv        driver.Driver
	state      State
	createdAt  time.Time
	lastUsedAt time.Time
	taskCount  int
	probing    bool
}

// ID returns the pool-assigned handle ID.
func (h *Handle) ID() string { return h.id }

// Driver returns the underlying browser driver. The caller must hold the
// handle (state InUse) to touch it.
func (h *Handle) Driver() driver.Driver { return h.drv }

// CreatedAt returns when the underlying browser session was started.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// TaskCount returns how many tasks this session has served.
func (h *Handle) TaskCount() int { return h.taskCount }

// expired reports whether the handle has hit its reuse caps. Sessions are
// retired after enough tasks or enough wall-clock age to bound memory growth
// and DOM-state drift in the browser process.
func (h *Handle) expired(maxTasks int, maxAge time.Duration, now time.Time) bool {
	if maxTasks > 0 && h.taskCount >= maxTasks {
		return true
	}
	if maxAge > 0 && now.Sub(h.createdAt) >= maxAge {
		return true
	}
	return false
}
