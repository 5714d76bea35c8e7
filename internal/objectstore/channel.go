package objectstore

import (
	"context"

	"github.com/weiawesome/thumbing/internal/event"
)

// ChannelEmitter delivers events in-process over a buffered channel.
type ChannelEmitter struct {
	ch chan event.StorageEvent
}

// NewChannelEmitter creates a ChannelEmitter with the given buffer size.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	return &ChannelEmitter{ch: make(chan event.StorageEvent, buffer)}
}

// Emit blocks until the event is buffered or ctx is done.
func (c *ChannelEmitter) Emit(ctx context.Context, e event.StorageEvent) error {
	select {
	case c.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side of the channel.
func (c *ChannelEmitter) Events() <-chan event.StorageEvent {
	return c.ch
}

// Close closes the channel. Emit must not be called afterwards.
func (c *ChannelEmitter) Close() {
	close(c.ch)
}
