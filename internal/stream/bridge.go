package stream

import (
	"context"
	"sync"
)

// Bridge hands events from a worker to the session's event channel. There is
// exactly one writer per bridge, so events arrive in the order they were
// delivered. When the channel is full the writer blocks; nothing is dropped.
type Bridge struct {
	events    chan Event
	closeOnce sync.Once
}

// NewBridge creates a bridge with the given channel capacity. A capacity of
// zero makes every Deliver a rendezvous with the reader.
func NewBridge(capacity int) *Bridge {
	if capacity < 0 {
		capacity = 0
	}
	return &Bridge{events: make(chan Event, capacity)}
}

// Deliver blocks until ev is accepted by the channel or ctx ends.
func (b *Bridge) Deliver(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case b.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) Events() <-chan Event {
	return b.events
}

// Close closes the event channel. Only the writer may call it.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.events) })
}
