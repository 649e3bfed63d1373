package brokertest

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rabbitscope/internal/broker"
	rserrors "github.com/drblury/rabbitscope/internal/runtime/errors"
)

func open(t *testing.T, b *Broker, vhost string) (broker.Connection, broker.Channel) {
	t.Helper()
	conn, err := b.Dial(context.Background(), broker.Params{Vhost: vhost})
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	return conn, ch
}

func TestGetAckNackRequeue(t *testing.T) {
	b := New()
	b.DeclareQueue("/", "q")
	b.Enqueue("/", "q", amqp.Publishing{Body: []byte("a")}, amqp.Publishing{Body: []byte("b")})
	conn, ch := open(t, b, "/")
	defer conn.Close()

	d, ok, err := ch.Get("q", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", string(d.Body))
	assert.Equal(t, 1, b.Unacked("/", "q"))

	require.NoError(t, ch.Nack(d.DeliveryTag, false, true))
	assert.Equal(t, 2, b.Depth("/", "q"))

	d, _, err = ch.Get("q", false)
	require.NoError(t, err)
	assert.True(t, d.Redelivered)
	require.NoError(t, ch.Ack(d.DeliveryTag, false))
	assert.Equal(t, 1, b.Depth("/", "q"))
	assert.Error(t, ch.Ack(d.DeliveryTag, false), "double ack is a precondition failure")
}

func TestChannelCloseRequeuesInOrder(t *testing.T) {
	b := New()
	b.DeclareQueue("/", "q")
	b.Enqueue("/", "q", amqp.Publishing{Body: []byte("1")}, amqp.Publishing{Body: []byte("2")}, amqp.Publishing{Body: []byte("3")})
	conn, ch := open(t, b, "/")
	defer conn.Close()

	_, _, _ = ch.Get("q", false)
	_, _, _ = ch.Get("q", false)
	require.NoError(t, ch.Close())
	assert.Equal(t, 3, b.Depth("/", "q"))
	assert.Equal(t, 0, b.Unacked("/", "q"))

	ch2, err := conn.Channel()
	require.NoError(t, err)
	for _, want := range []string{"1", "2", "3"} {
		d, ok, err := ch2.Get("q", true)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, string(d.Body))
	}
}

func TestConsumeHonoursPrefetch(t *testing.T) {
	b := New()
	b.DeclareQueue("/", "q")
	b.Enqueue("/", "q", amqp.Publishing{Body: []byte("1")}, amqp.Publishing{Body: []byte("2")})
	conn, ch := open(t, b, "/")
	defer conn.Close()

	require.NoError(t, ch.Qos(1, 0, false))
	deliveries, err := ch.Consume("q", "tag", false, false, false, false, nil)
	require.NoError(t, err)

	first := <-deliveries
	assert.Equal(t, "tag", first.ConsumerTag)
	select {
	case <-deliveries:
		t.Fatal("second delivery exceeded the prefetch limit")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, ch.Ack(first.DeliveryTag, false))
	second := <-deliveries
	assert.Equal(t, "2", string(second.Body))

	require.NoError(t, ch.Cancel("tag", false))
	_, ok := <-deliveries
	assert.False(t, ok)
}

func TestPassiveChecksAndPublish(t *testing.T) {
	b := New()
	b.DeclareQueue("tenant", "q")
	b.DeclareExchange("tenant", "ex", "q")
	conn, ch := open(t, b, "tenant")
	defer conn.Close()

	_, err := ch.QueueDeclarePassive("missing", false, false, false, false, nil)
	assert.ErrorIs(t, broker.Classify(broker.StageQueueCheck, err), rserrors.ErrQueueNotFound)
	assert.NoError(t, ch.ExchangeDeclarePassive("ex", "direct", false, false, false, false, nil))
	assert.Error(t, ch.ExchangeDeclarePassive("nope", "direct", false, false, false, false, nil))

	require.NoError(t, ch.PublishWithContext(context.Background(), "ex", "rk", false, false, amqp.Publishing{Body: []byte("via exchange")}))
	require.NoError(t, ch.PublishWithContext(context.Background(), "", "q", false, false, amqp.Publishing{Body: []byte("direct")}))
	assert.Len(t, b.Published("tenant", "ex"), 1)
	assert.Equal(t, 2, b.Depth("tenant", "q"))
}

func TestDropConnectionsNotifies(t *testing.T) {
	b := New()
	conn, _ := open(t, b, "/")
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	b.DropConnections("restart")

	err, ok := <-closed
	require.True(t, ok)
	assert.Equal(t, "restart", err.Reason)
	assert.True(t, conn.IsClosed())
	assert.Equal(t, 0, b.OpenConnections())
	assert.ErrorIs(t, conn.Close(), amqp.ErrClosed)
}

func TestDialFailures(t *testing.T) {
	b := New()
	b.FailDial(amqp.ErrCredentials)
	_, err := b.Dial(context.Background(), broker.Params{})
	assert.ErrorIs(t, err, rserrors.ErrAuthenticationFailed)

	blocking := New()
	blocking.BlockDial()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = blocking.Dial(ctx, broker.Params{})
	assert.ErrorIs(t, err, rserrors.ErrConnectionRefused)
	assert.Equal(t, 1, blocking.Dials())
}

func TestNackMultipleRestoresOrder(t *testing.T) {
	b := New()
	b.DeclareQueue("/", "q")
	b.Enqueue("/", "q", amqp.Publishing{Body: []byte("1")}, amqp.Publishing{Body: []byte("2")}, amqp.Publishing{Body: []byte("3")})
	conn, ch := open(t, b, "/")
	defer conn.Close()

	var last uint64
	for i := 0; i < 2; i++ {
		d, _, err := ch.Get("q", false)
		require.NoError(t, err)
		last = d.DeliveryTag
	}
	require.NoError(t, ch.Nack(last, true, true))
	assert.Equal(t, 0, b.Unacked("/", "q"))

	for _, want := range []string{"1", "2", "3"} {
		d, _, err := ch.Get("q", true)
		require.NoError(t, err)
		assert.Equal(t, want, string(d.Body))
	}
}
