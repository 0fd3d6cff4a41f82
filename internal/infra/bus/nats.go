package bus

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSRelay uses core NATS subjects. Delivery is fire-and-forget like redis pub/sub.
type NATSRelay struct {
	conn    *nats.Conn
	subject string
}

func NewNATSRelay(url, subject string, opts ...nats.Option) (*NATSRelay, error) {
	if subject == "" {
		return nil, errors.New("relay subject is required")
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSRelay{conn: nc, subject: subject}, nil
}

func (r *NATSRelay) Publish(ctx context.Context, data []byte) error {
	if r == nil {
		return errors.New("nil relay")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.conn.Publish(r.subject, data)
}

func (r *NATSRelay) Subscribe(ctx context.Context, fn func(ctx context.Context, data []byte)) (io.Closer, error) {
	if r == nil {
		return nil, errors.New("nil relay")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	sub, err := r.conn.Subscribe(r.subject, func(msg *nats.Msg) {
		fn(ctx, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	if err := r.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	s := &natsSubscription{sub: sub}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}

// Close drains the connection, falling back to a hard close.
func (r *NATSRelay) Close() error {
	if r == nil {
		return nil
	}
	if err := r.conn.Drain(); err != nil {
		r.conn.Close()
		return err
	}
	return nil
}

type natsSubscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *natsSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Unsubscribe()
}
