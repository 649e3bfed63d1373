package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgePreservesOrder(t *testing.T) {
	b := NewBridge(4)
	go func() {
		defer b.Close()
		for i := 0; i < 100; i++ {
			if err := b.Deliver(context.Background(), ErrorEvent(fmt.Sprint(i))); err != nil {
				return
			}
		}
	}()

	i := 0
	for ev := range b.Events() {
		assert.Equal(t, fmt.Sprint(i), ev.Message)
		i++
	}
	assert.Equal(t, 100, i)
}

func TestBridgeBlocksWhenFull(t *testing.T) {
	b := NewBridge(1)
	require.NoError(t, b.Deliver(context.Background(), ErrorEvent("first")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Deliver(ctx, ErrorEvent("second"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ev := <-b.Events()
	assert.Equal(t, "first", ev.Message)
	assert.Empty(t, b.Events(), "the rejected event must not be queued")
}

func TestBridgeRendezvous(t *testing.T) {
	b := NewBridge(0)
	delivered := make(chan error, 1)
	go func() { delivered <- b.Deliver(context.Background(), ErrorEvent("x")) }()

	select {
	case <-delivered:
		t.Fatal("deliver returned before the reader took the event")
	case <-time.After(20 * time.Millisecond):
	}

	<-b.Events()
	assert.NoError(t, <-delivered)
}

func TestBridgeDeliverCancelled(t *testing.T) {
	b := NewBridge(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Deliver(ctx, ErrorEvent("x")), context.Canceled)
	assert.Empty(t, b.Events())
}

func TestBridgeCloseIsIdempotent(t *testing.T) {
	b := NewBridge(0)
	b.Close()
	b.Close()
	_, ok := <-b.Events()
	assert.False(t, ok)
}
