// Package bus relays realtime events between API instances.
package bus

import (
	"context"
	"io"
)

// Relay publishes opaque frames to every instance subscribed to the same channel, including
// the publisher itself. Receivers filter their own frames.
type Relay interface {
	Publish(ctx context.Context, data []byte) error
	Subscribe(ctx context.Context, fn func(ctx context.Context, data []byte)) (io.Closer, error)
	Close() error
}
