package broker

import (
	"context"
	"crypto/tls"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Connection is the subset of *amqp.Connection used by rabbitscope.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	// CloseDeadline closes the connection, forcing the socket shut once the
	// deadline passes without a reply from the broker.
	CloseDeadline(deadline time.Time) error
	IsClosed() bool
}

// Channel is the subset of *amqp.Channel used by rabbitscope.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// DialFunc opens a broker connection.
type DialFunc func(ctx context.Context, params Params) (Connection, error)

// Dial opens broker connections. Tests replace it with a fake broker.
var Dial DialFunc = DialAMQP

// ConnectionName is advertised to the broker so sessions show up by name in
// the management UI.
const ConnectionName = "rabbitscope"

// DialAMQP connects to a RabbitMQ broker over AMQP 0-9-1. The handshake is
// bounded by the params connect timeout or the context deadline, whichever
// is sooner. Failures are classified.
func DialAMQP(ctx context.Context, params Params) (Connection, error) {
	ctx, span := otel.Tracer("rabbitscope/broker").Start(ctx, "broker.Dial")
	defer span.End()
	span.SetAttributes(
		attribute.String("broker.address", params.Address()),
		attribute.String("broker.vhost", params.VhostOrDefault()),
	)

	if err := ctx.Err(); err != nil {
		return nil, Classify(StageConnect, err)
	}

	timeout := params.connectTimeout()
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	cfg := amqp.Config{
		Vhost:      params.VhostOrDefault(),
		Heartbeat:  params.heartbeat(),
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(timeout),
		Properties: amqp.NewConnectionProperties(),
	}
	cfg.Properties.SetClientConnectionName(ConnectionName)
	if params.TLS {
		cfg.TLSClientConfig = &tls.Config{ServerName: params.Host, MinVersion: tls.VersionTLS12}
	}

	conn, err := amqp.DialConfig(params.URI(), cfg)
	if err != nil {
		classified := Classify(StageConnect, err)
		span.RecordError(classified)
		span.SetStatus(codes.Error, classified.Error())
		return nil, classified
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

func (c *amqpConnection) CloseDeadline(deadline time.Time) error {
	return c.conn.CloseDeadline(deadline)
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}
