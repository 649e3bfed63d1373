package oneshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rabbitscope/internal/broker"
	"github.com/drblury/rabbitscope/internal/broker/brokertest"
	rserrors "github.com/drblury/rabbitscope/internal/runtime/errors"
	"github.com/drblury/rabbitscope/internal/runtime/logging"
	"github.com/drblury/rabbitscope/internal/runtime/metrics"
)

var params = broker.Params{Host: "rabbit.test", Username: "app", Password: "pw"}

func newClient(fb *brokertest.Broker, m *metrics.StreamMetrics) *Client {
	return New(Options{
		Dial: fb.Dial,
		Now:  func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}, logging.NewNopLogger(), m)
}

func fill(fb *brokertest.Broker, queue string, bodies ...string) {
	for _, b := range bodies {
		fb.Enqueue("/", queue, amqp.Publishing{ContentType: "text/plain", Body: []byte(b)})
	}
}

func bodies(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Body)
	}
	return out
}

func TestBrowseLeavesQueueUntouched(t *testing.T) {
	fb := brokertest.New()
	fb.DeclareQueue("/", "orders")
	fill(fb, "orders", "a", "b", "c", "d")
	c := newClient(fb, nil)

	msgs, err := c.Browse(context.Background(), params, "orders", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, bodies(msgs))
	assert.Equal(t, "orders", msgs[0].Queue)
	assert.Equal(t, 4, fb.Depth("/", "orders"))
	assert.Equal(t, 0, fb.Unacked("/", "orders"))
	assert.Equal(t, 0, fb.OpenConnections())

	again, err := c.Browse(context.Background(), params, "orders", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, bodies(again))
	assert.True(t, again[0].DeliveryInfo.Redelivered)
}

func TestConsumeRemovesMessages(t *testing.T) {
	for _, autoAck := range []bool{true, false} {
		fb := brokertest.New()
		fb.DeclareQueue("/", "orders")
		fill(fb, "orders", "a", "b", "c", "d", "e")
		c := newClient(fb, nil)

		msgs, err := c.Consume(context.Background(), params, "orders", 2, autoAck)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, bodies(msgs))
		assert.Equal(t, 3, fb.Depth("/", "orders"), "autoAck=%v", autoAck)
		assert.Equal(t, 0, fb.Unacked("/", "orders"), "autoAck=%v", autoAck)
	}
}

func TestConsumeStopsWhenQueueEmpty(t *testing.T) {
	fb := brokertest.New()
	fb.DeclareQueue("/", "orders")
	fill(fb, "orders", "a")
	c := newClient(fb, nil)

	msgs, err := c.Consume(context.Background(), params, "orders", 0, false)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, 0, fb.Depth("/", "orders"))
}

func TestLimitClamping(t *testing.T) {
	c := New(Options{DefaultMax: 5, MaxLimit: 20}, nil, nil)
	assert.Equal(t, 5, c.limit(0))
	assert.Equal(t, 7, c.limit(7))
	assert.Equal(t, 20, c.limit(500))

	d := New(Options{}, nil, nil)
	assert.Equal(t, DefaultMaxMessages, d.limit(-1))
	assert.Equal(t, DefaultMaxLimit, d.limit(DefaultMaxLimit+1))
}

func TestFetchErrors(t *testing.T) {
	fb := brokertest.New()
	c := newClient(fb, nil)

	_, err := c.Consume(context.Background(), params, " ", 1, true)
	require.ErrorIs(t, err, rserrors.ErrQueueRequired)

	_, err = c.Browse(context.Background(), params, "missing", 1)
	require.ErrorIs(t, err, rserrors.ErrQueueNotFound)
	assert.Equal(t, 0, fb.OpenConnections())

	fb.FailDial(amqp.ErrCredentials)
	_, err = c.Consume(context.Background(), params, "missing", 1, true)
	require.ErrorIs(t, err, rserrors.ErrAuthenticationFailed)
}

func TestPublishDefaultExchange(t *testing.T) {
	fb := brokertest.New()
	fb.DeclareQueue("/", "orders")
	c := newClient(fb, nil)

	res, err := c.Publish(context.Background(), params, PublishRequest{
		RoutingKey: "orders",
		Body:       `{"id":1}`,
		Properties: PublishProperties{
			ContentType: "application/json",
			Headers:     map[string]any{"retries": float64(3), "ratio": 0.5, "meta": map[string]any{"tenant": "acme"}},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.MessageID)

	msgs, err := c.Consume(context.Background(), params, "orders", 1, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	got := msgs[0]
	assert.Equal(t, `{"id":1}`, got.Body)
	require.NotNil(t, got.Properties.MessageID)
	assert.Equal(t, res.MessageID, *got.Properties.MessageID)
	require.NotNil(t, got.Properties.Timestamp)
	assert.True(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Equal(*got.Properties.Timestamp))
	assert.Equal(t, int64(3), got.Properties.Headers["retries"])
	assert.Equal(t, map[string]any{"tenant": "acme"}, got.Properties.Headers["meta"])
}

func TestPublishKeepsCallerMessageID(t *testing.T) {
	fb := brokertest.New()
	fb.DeclareExchange("/", "events", "audit")
	fb.DeclareQueue("/", "audit")
	c := newClient(fb, nil)

	res, err := c.Publish(context.Background(), params, PublishRequest{
		Exchange:   "events",
		RoutingKey: "x",
		Body:       "hello",
		Properties: PublishProperties{MessageID: "fixed", Timestamp: 1700000000},
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed", res.MessageID)

	published := fb.Published("/", "events")
	require.Len(t, published, 1)
	assert.Equal(t, "fixed", published[0].MessageId)
	assert.Equal(t, int64(1700000000), published[0].Timestamp.Unix())
	assert.Equal(t, 1, fb.Depth("/", "audit"))
}

func TestPublishUnknownExchange(t *testing.T) {
	fb := brokertest.New()
	c := newClient(fb, nil)

	_, err := c.Publish(context.Background(), params, PublishRequest{Exchange: "nope", RoutingKey: "k", Body: "x"})
	require.ErrorIs(t, err, rserrors.ErrExchangeNotFound)
}

func TestPublishRejectsInvalidHeaders(t *testing.T) {
	fb := brokertest.New()
	c := newClient(fb, nil)

	_, err := c.Publish(context.Background(), params, PublishRequest{
		RoutingKey: "k",
		Properties: PublishProperties{Headers: map[string]any{"bad": struct{}{}}},
	})
	require.ErrorIs(t, err, rserrors.ErrInvalidCommand)
	assert.Zero(t, fb.Dials())
}

func TestValidate(t *testing.T) {
	fb := brokertest.New()
	fb.DeclareExchange("/", "events")
	c := newClient(fb, nil)
	ctx := context.Background()

	assert.Equal(t, ValidationResult{Valid: true, Message: "Parameters are valid"}, c.Validate(ctx, params, ""))
	assert.Equal(t, ValidationResult{Valid: true, Message: "Parameters are valid"}, c.Validate(ctx, params, "events"))
	assert.Equal(t, ValidationResult{Message: "Exchange 'missing' not found in vhost '/'"}, c.Validate(ctx, params, "missing"))

	fb.FailDial(errors.New("dial tcp: connection refused"))
	res := c.Validate(ctx, params, "events")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Message, "Connection test failed: ")
	assert.Contains(t, res.Message, "connection refused")
}

func TestTestConnectionTimesOut(t *testing.T) {
	fb := brokertest.New()
	fb.BlockDial()
	c := New(Options{Dial: fb.Dial, Timeout: 50 * time.Millisecond}, nil, nil)

	err := c.TestConnection(context.Background(), params)
	require.ErrorIs(t, err, rserrors.ErrConnectionRefused)
}

func TestOneShotMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewStreamMetrics(reg)
	require.NoError(t, m.Register())

	fb := brokertest.New()
	fb.DeclareQueue("/", "orders")
	c := newClient(fb, m)

	_, err := c.Browse(context.Background(), params, "orders", 1)
	require.NoError(t, err)
	_, err = c.Browse(context.Background(), params, "missing", 1)
	require.Error(t, err)

	count, err := testutil.GatherAndCount(reg, "rabbitscope_stream_oneshot_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
