// Package bus publishes task and pool lifecycle messages to external
// consumers. The default implementation uses NATS; an in-memory bus serves
// tests and single-process deployments.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// Well-known subjects. Task results carry the JSON-encoded result body.
const (
	SubjectTaskCompleted = "bookingd.task.completed"
	SubjectTaskFailed    = "bookingd.task.failed"
	SubjectPoolEvents    = "bookingd.pool.events"
)

// MessageBus delivers fire-and-forget messages to subject subscribers.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Supports wildcards: "bookingd.task.*" matches "bookingd.task.failed".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(msg *Message)

// Message is an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config holds connection settings for the NATS bus.
type Config struct {
	// URL is the NATS server URL. Empty disables the external bus; the
	// engine falls back to the in-memory implementation.
	URL string `yaml:"url" json:"url"`
	// Name is the client identifier for monitoring.
	Name string `yaml:"name" json:"name"`
	// Timeout bounds connection establishment.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:    "bookingd",
		Timeout: 30 * time.Second,
	}
}

// New builds a bus from config: NATS when a URL is set, in-memory otherwise.
func New(cfg Config) (MessageBus, error) {
	if cfg.URL == "" {
		return NewMemoryBus(), nil
	}
	return NewNATSBus(cfg)
}
