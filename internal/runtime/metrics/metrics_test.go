package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistered(t *testing.T) (*StreamMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := NewStreamMetrics(reg)
	require.NoError(t, m.Register())
	return m, reg
}

func TestStreamMetrics_SessionLifecycle(t *testing.T) {
	m, _ := newRegistered(t)

	m.SessionStarted("/")
	m.SessionStarted("/")
	m.SessionClosed(OutcomeStopped)

	snap := m.GetSnapshot()
	assert.Equal(t, uint64(2), snap.SessionsStarted)
	assert.Equal(t, int64(1), snap.SessionsActive)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsClosed.WithLabelValues(OutcomeStopped)))
}

func TestStreamMetrics_ActiveNeverNegative(t *testing.T) {
	m, _ := newRegistered(t)

	m.SessionClosed(OutcomeFailed)

	assert.Equal(t, int64(0), m.GetSnapshot().SessionsActive)
}

func TestStreamMetrics_MessagesPerQueue(t *testing.T) {
	m, _ := newRegistered(t)

	m.MessageDelivered("/", "orders")
	m.MessageDelivered("/", "orders")
	m.MessageFailed("/", "orders")
	m.MessageDelivered("tenant", "orders")

	snap := m.GetSnapshot()
	require.Len(t, snap.Queues, 2)
	orders := snap.Queues["/|orders"]
	require.NotNil(t, orders)
	assert.Equal(t, uint64(2), orders.MessagesDelivered)
	assert.Equal(t, uint64(1), orders.MessageErrors)
	assert.False(t, orders.LastMessageAt.IsZero())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesDelivered.WithLabelValues("/", "orders")))

	// snapshot entries are copies
	orders.MessagesDelivered = 99
	assert.Equal(t, uint64(2), m.GetSnapshot().Queues["/|orders"].MessagesDelivered)
}

func TestStreamMetrics_OneShotOutcomes(t *testing.T) {
	m, _ := newRegistered(t)

	m.OneShot("browse", nil)
	m.OneShot("browse", errors.New("boom"))
	m.OneShot("browse", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.oneShotTotal.WithLabelValues("browse", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.oneShotTotal.WithLabelValues("browse", "error")))
}

func TestStreamMetrics_SetupHistogram(t *testing.T) {
	m, reg := newRegistered(t)

	m.SetupFinished("ok", 30*time.Millisecond)

	count, err := testutil.GatherAndCount(reg, "rabbitscope_stream_setup_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStreamMetrics_RegisterTwice(t *testing.T) {
	m, _ := newRegistered(t)
	assert.NoError(t, m.Register())

	// a second collector set on the same registry reuses the existing collectors
	other := NewStreamMetrics(m.registerer)
	assert.NoError(t, other.Register())
}

func TestStreamMetrics_NilIsNoop(t *testing.T) {
	var m *StreamMetrics
	assert.NoError(t, m.Register())
	m.SessionStarted("/")
	m.SessionClosed(OutcomeStopped)
	m.MessageDelivered("/", "q")
	m.MessageFailed("/", "q")
	m.SetupFinished("ok", time.Second)
	m.OneShot("consume", nil)
	assert.Empty(t, m.GetSnapshot().Queues)
}

func TestStreamMetrics_Reset(t *testing.T) {
	m, _ := newRegistered(t)
	m.SessionStarted("/")
	m.MessageDelivered("/", "q")

	m.Reset()

	snap := m.GetSnapshot()
	assert.Zero(t, snap.SessionsStarted)
	assert.Zero(t, snap.SessionsActive)
	assert.Empty(t, snap.Queues)
}
