package bus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus implements MessageBus over a NATS connection.
type NATSBus struct {
	conn   *nats.Conn
	closed atomic.Bool
}

// NewNATSBus connects to the configured NATS server. Reconnects are
// unlimited so a broker restart does not lose the engine's publisher.
func NewNATSBus(cfg Config) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBus{conn: conn}, nil
}

// NewNATSBusFromConn wraps an existing connection. Useful for tests with an
// embedded server.
func NewNATSBusFromConn(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn}
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(&Message{Subject: msg.Subject, Data: msg.Data})
	})
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	b.conn.Close()
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSubscription) Subject() string    { return s.sub.Subject }
