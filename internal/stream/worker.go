package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/rabbitscope/internal/broker"
	rserrors "github.com/drblury/rabbitscope/internal/runtime/errors"
	"github.com/drblury/rabbitscope/internal/runtime/logging"
	"github.com/drblury/rabbitscope/internal/runtime/metrics"
)

const (
	DefaultSetupTimeout  = 10 * time.Second
	DefaultShutdownGrace = 5 * time.Second
)

var errDeliveriesClosed = errors.New("delivery channel closed by broker")

// WorkerConfig configures one queue consumption loop.
type WorkerConfig struct {
	Params      broker.Params
	Queue       string
	AutoAck     bool
	ConsumerTag string

	// SetupTimeout bounds dial, channel open, the passive queue check and
	// subscribe. Consumption itself has no timeout.
	SetupTimeout time.Duration
	// ShutdownGrace bounds teardown; after it the connection is force closed.
	ShutdownGrace time.Duration

	Dial      broker.DialFunc
	Normalize NormalizeFunc
	Now       func() time.Time
	Logger    logging.ServiceLogger
	Metrics   *metrics.StreamMetrics
}

// WorkerHooks are invoked from the worker goroutine as setup progresses.
type WorkerHooks struct {
	// OnConnected runs once the queue is known to exist.
	OnConnected func()
	// OnSubscribed runs once the consumer is registered with the broker.
	OnSubscribed func()
}

// Worker consumes one queue and feeds normalized messages into a Bridge.
type Worker struct {
	cfg    WorkerConfig
	bridge *Bridge
	hooks  WorkerHooks
}

func NewWorker(cfg WorkerConfig, bridge *Bridge, hooks WorkerHooks) *Worker {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Dial == nil {
		cfg.Dial = broker.Dial
	}
	if cfg.Normalize == nil {
		cfg.Normalize = Normalize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	return &Worker{cfg: cfg, bridge: bridge, hooks: hooks}
}

// Run consumes until ctx is cancelled or a terminal error occurs. It returns
// nil or ctx.Err() after cancellation and a classified terminal error
// otherwise. Broker resources are released before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	conn, ch, deliveries, err := w.setup(ctx)
	if err != nil {
		w.teardown(conn, ch)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer w.teardown(conn, ch)

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	return w.consume(ctx, ch, deliveries, connClosed, chanClosed)
}

func (w *Worker) setup(ctx context.Context) (broker.Connection, broker.Channel, <-chan amqp.Delivery, error) {
	ctx, span := otel.Tracer("rabbitscope/stream").Start(ctx, "stream.Setup")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination.name", w.cfg.Queue),
		attribute.String("broker.vhost", w.cfg.Params.VhostOrDefault()),
		attribute.Bool("stream.auto_ack", w.cfg.AutoAck),
	)

	setupCtx, cancel := context.WithTimeout(ctx, w.cfg.SetupTimeout)
	defer cancel()

	fail := func(stage broker.Stage, err error) error {
		if setupCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("%w: setup timed out after %s: %w", rserrors.ErrConnectionRefused, w.cfg.SetupTimeout, err)
		} else {
			err = broker.Classify(stage, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	conn, err := w.cfg.Dial(setupCtx, w.cfg.Params)
	if err != nil {
		return nil, nil, nil, fail(broker.StageConnect, err)
	}

	// The remaining setup calls take no context; closing the connection is
	// what unblocks them once the setup deadline passes.
	stopWatchdog := context.AfterFunc(setupCtx, func() {
		_ = conn.CloseDeadline(time.Now())
	})

	ch, err := conn.Channel()
	if err != nil {
		stopWatchdog()
		return conn, nil, nil, fail(broker.StageChannel, err)
	}
	if _, err := ch.QueueDeclarePassive(w.cfg.Queue, false, false, false, false, nil); err != nil {
		stopWatchdog()
		return conn, ch, nil, fail(broker.StageQueueCheck, err)
	}
	w.hook(w.hooks.OnConnected)

	if !w.cfg.AutoAck {
		if err := ch.Qos(1, 0, false); err != nil {
			stopWatchdog()
			return conn, ch, nil, fail(broker.StageChannel, err)
		}
	}
	deliveries, err := ch.Consume(w.cfg.Queue, w.cfg.ConsumerTag, w.cfg.AutoAck, false, false, false, nil)
	if err != nil {
		stopWatchdog()
		return conn, ch, nil, fail(broker.StageConsume, err)
	}
	if !stopWatchdog() {
		return conn, ch, nil, fail(broker.StageConsume, setupCtx.Err())
	}

	w.hook(w.hooks.OnSubscribed)
	if err := w.bridge.Deliver(ctx, readyEvent(w.cfg.Queue, w.cfg.Params.VhostOrDefault())); err != nil {
		return conn, ch, nil, err
	}
	return conn, ch, deliveries, nil
}

func (w *Worker) hook(fn func()) {
	if fn != nil {
		fn()
	}
}

func (w *Worker) consume(ctx context.Context, ch broker.Channel, deliveries <-chan amqp.Delivery, connClosed, chanClosed <-chan *amqp.Error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-connClosed:
			return w.disconnected(ctx, amqpErr, ok)
		case amqpErr, ok := <-chanClosed:
			return w.disconnected(ctx, amqpErr, ok)
		case d, ok := <-deliveries:
			if !ok {
				return w.disconnected(ctx, nil, false)
			}
			if err := w.handle(ctx, ch, d); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) disconnected(ctx context.Context, amqpErr *amqp.Error, ok bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ok && amqpErr != nil {
		return broker.Classify(broker.StageStream, amqpErr)
	}
	return broker.Classify(broker.StageStream, errDeliveriesClosed)
}

// handle processes one delivery. Per-message failures are reported on the
// stream and swallowed; only cancellation and channel failures are returned.
func (w *Worker) handle(ctx context.Context, ch broker.Channel, d amqp.Delivery) error {
	msg, err := w.normalize(d)
	if err != nil {
		w.cfg.Metrics.MessageFailed(w.cfg.Params.VhostOrDefault(), w.cfg.Queue)
		w.cfg.Logger.Error("Failed to process message", err, logging.LogFields{"delivery_tag": d.DeliveryTag})
		if !w.cfg.AutoAck {
			// Requeueing would redeliver the same message forever with a
			// prefetch of one.
			if nackErr := ch.Nack(d.DeliveryTag, false, false); nackErr != nil {
				return broker.Classify(broker.StageStream, nackErr)
			}
		}
		return w.bridge.Deliver(ctx, ErrorEvent("Error processing message (discarded): "+err.Error()))
	}

	ev := messageEvent(msg)
	if w.cfg.AutoAck {
		if err := w.bridge.Deliver(ctx, ev); err != nil {
			return err
		}
		w.cfg.Metrics.MessageDelivered(w.cfg.Params.VhostOrDefault(), w.cfg.Queue)
		return nil
	}

	receipt := make(chan bool, 1)
	ev.receipt = receipt
	if err := w.bridge.Deliver(ctx, ev); err != nil {
		// Not handed off: the message stays unacknowledged and is requeued
		// when the channel closes.
		return err
	}
	delivered, err := awaitReceipt(ctx, receipt)
	if !delivered {
		w.cfg.Logger.Debug("Message not delivered to client, leaving it for requeue", logging.LogFields{"delivery_tag": d.DeliveryTag})
		return err
	}
	w.cfg.Metrics.MessageDelivered(w.cfg.Params.VhostOrDefault(), w.cfg.Queue)
	if err := ch.Ack(d.DeliveryTag, false); err != nil {
		return broker.Classify(broker.StageStream, err)
	}
	return nil
}

// awaitReceipt waits for the reader to settle a handed-off message. A receipt
// that is already settled wins over cancellation.
func awaitReceipt(ctx context.Context, receipt <-chan bool) (bool, error) {
	select {
	case delivered := <-receipt:
		return delivered, nil
	case <-ctx.Done():
		select {
		case delivered := <-receipt:
			return delivered, nil
		default:
			return false, ctx.Err()
		}
	}
}

func (w *Worker) normalize(d amqp.Delivery) (msg NormalizedMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", rserrors.ErrMessageProcessing, r)
		}
	}()
	msg, err = w.cfg.Normalize(d, w.cfg.Now())
	if err != nil && !errors.Is(err, rserrors.ErrMessageProcessing) {
		err = fmt.Errorf("%w: %w", rserrors.ErrMessageProcessing, err)
	}
	return msg, err
}

// teardown closes the channel and connection within the shutdown grace
// period. Failures are logged, never returned.
func (w *Worker) teardown(conn broker.Connection, ch broker.Channel) {
	deadline := time.Now().Add(w.cfg.ShutdownGrace)

	if ch != nil {
		closed := make(chan error, 1)
		go func() { closed <- ch.Close() }()
		timer := time.NewTimer(w.cfg.ShutdownGrace)
		select {
		case err := <-closed:
			if err != nil && !errors.Is(err, amqp.ErrClosed) {
				w.cfg.Logger.Error("Failed to close broker channel", err, nil)
			}
		case <-timer.C:
			w.cfg.Logger.Error("Timed out closing broker channel", context.DeadlineExceeded, nil)
		}
		timer.Stop()
	}

	if conn != nil {
		if err := conn.CloseDeadline(deadline); err != nil && !errors.Is(err, amqp.ErrClosed) {
			w.cfg.Logger.Error("Failed to close broker connection", err, nil)
		}
	}
}
