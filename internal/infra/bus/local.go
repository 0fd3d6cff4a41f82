package bus

import (
	"context"
	"errors"
	"io"
	"sync"
)

// LocalRelay connects instances living in one process. It is used by tests that run
// several API nodes side by side.
type LocalRelay struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(ctx context.Context, data []byte)
}

func NewLocalRelay() *LocalRelay {
	return &LocalRelay{subs: make(map[int]func(ctx context.Context, data []byte))}
}

func (r *LocalRelay) Publish(ctx context.Context, data []byte) error {
	r.mu.RLock()
	handlers := make([]func(ctx context.Context, data []byte), 0, len(r.subs))
	for _, fn := range r.subs {
		handlers = append(handlers, fn)
	}
	r.mu.RUnlock()

	for _, fn := range handlers {
		fn(ctx, append([]byte(nil), data...))
	}
	return nil
}

func (r *LocalRelay) Subscribe(_ context.Context, fn func(ctx context.Context, data []byte)) (io.Closer, error) {
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[id] = fn
	r.mu.Unlock()

	return closerFunc(func() error {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		return nil
	}), nil
}

func (r *LocalRelay) Close() error {
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
