// Package oneshot implements the bounded, sessionless broker operations:
// consume, browse, publish and validate. Each call opens its own connection
// and releases it before returning.
package oneshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/rabbitscope/internal/broker"
	rserrors "github.com/drblury/rabbitscope/internal/runtime/errors"
	"github.com/drblury/rabbitscope/internal/runtime/ids"
	"github.com/drblury/rabbitscope/internal/runtime/logging"
	"github.com/drblury/rabbitscope/internal/runtime/metrics"
	"github.com/drblury/rabbitscope/internal/stream"
)

const (
	DefaultMaxMessages = 10
	DefaultMaxLimit    = 1000
	defaultTimeout     = 30 * time.Second
)

// Options tune the one-shot client. Zero values select defaults.
type Options struct {
	// DefaultMax applies when a request asks for zero messages.
	DefaultMax int
	// MaxLimit caps every request.
	MaxLimit int
	// Timeout bounds a whole operation including connection setup.
	Timeout time.Duration

	Dial broker.DialFunc
	Now  func() time.Time
}

// Client runs one-shot broker operations.
type Client struct {
	opts    Options
	logger  logging.ServiceLogger
	metrics *metrics.StreamMetrics
}

// Message is a fetched message together with the queue it came from.
type Message struct {
	stream.NormalizedMessage
	Queue string `json:"queue"`
}

// New creates a Client. metrics may be nil.
func New(opts Options, logger logging.ServiceLogger, m *metrics.StreamMetrics) *Client {
	if opts.DefaultMax <= 0 {
		opts.DefaultMax = DefaultMaxMessages
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = DefaultMaxLimit
	}
	if opts.MaxLimit < opts.DefaultMax {
		opts.MaxLimit = opts.DefaultMax
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Client{opts: opts, logger: logger, metrics: m}
}

func (c *Client) limit(max int) int {
	if max <= 0 {
		return c.opts.DefaultMax
	}
	if max > c.opts.MaxLimit {
		return c.opts.MaxLimit
	}
	return max
}

func (c *Client) dial() broker.DialFunc {
	if c.opts.Dial != nil {
		return c.opts.Dial
	}
	return broker.Dial
}

// withChannel opens a connection and channel, runs fn and closes both.
func (c *Client) withChannel(ctx context.Context, op string, params broker.Params, fn func(ctx context.Context, ch broker.Channel) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	ctx, span := otel.Tracer("rabbitscope/oneshot").Start(ctx, "oneshot."+op)
	span.SetAttributes(
		attribute.String("broker.address", params.Address()),
		attribute.String("broker.vhost", params.VhostOrDefault()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.metrics.OneShot(op, err)
	}()

	conn, err := c.dial()(ctx, params)
	if err != nil {
		return broker.Classify(broker.StageConnect, err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil && !errors.Is(closeErr, amqp.ErrClosed) {
			c.logger.Error("Failed to close broker connection", closeErr, logging.LogFields{"operation": op})
		}
	}()

	// Broker calls below take no context; closing the connection unblocks
	// them when the operation times out.
	stop := context.AfterFunc(ctx, func() { _ = conn.CloseDeadline(time.Now()) })
	defer stop()

	ch, err := conn.Channel()
	if err != nil {
		return broker.Classify(broker.StageChannel, err)
	}
	defer func() { _ = ch.Close() }()

	return fn(ctx, ch)
}

// Consume removes up to max messages from queue. With autoAck false each
// message is acknowledged explicitly once it has been normalized.
func (c *Client) Consume(ctx context.Context, params broker.Params, queue string, max int, autoAck bool) ([]Message, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, rserrors.ErrQueueRequired
	}
	max = c.limit(max)

	messages := make([]Message, 0, max)
	err := c.withChannel(ctx, "consume", params, func(ctx context.Context, ch broker.Channel) error {
		for len(messages) < max {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, ok, err := ch.Get(queue, autoAck)
			if err != nil {
				return broker.Classify(broker.StageQueueCheck, err)
			}
			if !ok {
				return nil
			}
			msg, err := stream.Normalize(d, c.opts.Now())
			if err != nil {
				c.logger.Error("Failed to process message", err, logging.LogFields{"queue": queue, "delivery_tag": d.DeliveryTag})
				continue
			}
			if !autoAck {
				if err := ch.Ack(d.DeliveryTag, false); err != nil {
					return broker.Classify(broker.StageStream, err)
				}
			}
			messages = append(messages, Message{NormalizedMessage: msg, Queue: queue})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Browse fetches up to max messages without removing them: every fetched
// message is negatively acknowledged with requeue, leaving the queue depth
// unchanged.
func (c *Client) Browse(ctx context.Context, params broker.Params, queue string, max int) ([]Message, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, rserrors.ErrQueueRequired
	}
	max = c.limit(max)

	messages := make([]Message, 0, max)
	err := c.withChannel(ctx, "browse", params, func(ctx context.Context, ch broker.Channel) error {
		var lastTag uint64
		var fetchErr error
		for len(messages) < max {
			if fetchErr = ctx.Err(); fetchErr != nil {
				break
			}
			d, ok, err := ch.Get(queue, false)
			if err != nil {
				fetchErr = broker.Classify(broker.StageQueueCheck, err)
				break
			}
			if !ok {
				break
			}
			lastTag = d.DeliveryTag
			msg, err := stream.Normalize(d, c.opts.Now())
			if err != nil {
				c.logger.Error("Failed to process message", err, logging.LogFields{"queue": queue, "delivery_tag": d.DeliveryTag})
				continue
			}
			messages = append(messages, Message{NormalizedMessage: msg, Queue: queue})
		}
		if lastTag > 0 {
			if err := ch.Nack(lastTag, true, true); err != nil {
				// closing the channel requeues whatever is still unacknowledged
				c.logger.Error("Failed to requeue browsed messages", err, logging.LogFields{"queue": queue})
			}
		}
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// PublishProperties are the optional AMQP properties of a published message.
type PublishProperties struct {
	ContentType     string `json:"content_type,omitempty"`
	ContentEncoding string `json:"content_encoding,omitempty"`
	DeliveryMode    uint8  `json:"delivery_mode,omitempty"`
	Priority        uint8  `json:"priority,omitempty"`
	CorrelationID   string `json:"correlation_id,omitempty"`
	ReplyTo         string `json:"reply_to,omitempty"`
	Expiration      string `json:"expiration,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
	// Timestamp is in Unix seconds.
	Timestamp int64          `json:"timestamp,omitempty"`
	Type      string         `json:"type,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	AppID     string         `json:"app_id,omitempty"`
	Headers   map[string]any `json:"headers,omitempty"`
}

// PublishRequest is one message to publish.
type PublishRequest struct {
	Exchange   string
	RoutingKey string
	Body       string
	Properties PublishProperties
}

// PublishResult reports a successful publish.
type PublishResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	MessageID string `json:"message_id,omitempty"`
}

// Publish sends one message. A non-default exchange is checked passively
// first. message_id and timestamp are filled in when absent.
func (c *Client) Publish(ctx context.Context, params broker.Params, req PublishRequest) (PublishResult, error) {
	props := req.Properties
	if props.MessageID == "" {
		props.MessageID = ids.NewMessageID()
	}
	if props.Timestamp == 0 {
		props.Timestamp = c.opts.Now().Unix()
	}
	headers, err := toTable(props.Headers)
	if err != nil {
		return PublishResult{}, err
	}

	msg := amqp.Publishing{
		Headers:         headers,
		ContentType:     props.ContentType,
		ContentEncoding: props.ContentEncoding,
		DeliveryMode:    props.DeliveryMode,
		Priority:        props.Priority,
		CorrelationId:   props.CorrelationID,
		ReplyTo:         props.ReplyTo,
		Expiration:      props.Expiration,
		MessageId:       props.MessageID,
		Timestamp:       time.Unix(props.Timestamp, 0).UTC(),
		Type:            props.Type,
		UserId:          props.UserID,
		AppId:           props.AppID,
		Body:            []byte(req.Body),
	}

	err = c.withChannel(ctx, "publish", params, func(ctx context.Context, ch broker.Channel) error {
		if req.Exchange != "" {
			if err := ch.ExchangeDeclarePassive(req.Exchange, amqp.ExchangeDirect, false, false, false, false, nil); err != nil {
				return broker.Classify(broker.StageExchangeCheck, err)
			}
		}
		if err := ch.PublishWithContext(ctx, req.Exchange, req.RoutingKey, false, false, msg); err != nil {
			return broker.Classify(broker.StageStream, err)
		}
		return nil
	})
	if err != nil {
		return PublishResult{}, err
	}
	return PublishResult{Success: true, Message: "Message published successfully", MessageID: props.MessageID}, nil
}

// ValidationResult reports whether publish parameters are usable.
type ValidationResult struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

// Validate tests the connection and, when exchange is set, checks that it
// exists. Broker problems are reported in the result, never as an error.
func (c *Client) Validate(ctx context.Context, params broker.Params, exchange string) ValidationResult {
	var exchangeMissing bool
	err := c.withChannel(ctx, "validate", params, func(_ context.Context, ch broker.Channel) error {
		if exchange == "" {
			return nil
		}
		if err := ch.ExchangeDeclarePassive(exchange, amqp.ExchangeDirect, false, false, false, false, nil); err != nil {
			err = broker.Classify(broker.StageExchangeCheck, err)
			exchangeMissing = errors.Is(err, rserrors.ErrExchangeNotFound)
			return err
		}
		return nil
	})
	switch {
	case err == nil:
		return ValidationResult{Valid: true, Message: "Parameters are valid"}
	case exchangeMissing:
		return ValidationResult{Message: fmt.Sprintf("Exchange '%s' not found in vhost '%s'", exchange, params.VhostOrDefault())}
	default:
		return ValidationResult{Message: "Connection test failed: " + err.Error()}
	}
}

// TestConnection opens and closes a connection and channel.
func (c *Client) TestConnection(ctx context.Context, params broker.Params) error {
	return c.withChannel(ctx, "test_connection", params, func(context.Context, broker.Channel) error { return nil })
}

// toTable converts JSON-decoded header values into AMQP field values.
func toTable(headers map[string]any) (amqp.Table, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = toField(v)
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("%w: headers: %w", rserrors.ErrInvalidCommand, err)
	}
	return table, nil
}

func toField(v any) any {
	switch val := v.(type) {
	case map[string]any:
		t := make(amqp.Table, len(val))
		for k, item := range val {
			t[k] = toField(item)
		}
		return t
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toField(item)
		}
		return out
	case float64:
		if val == float64(int64(val)) {
			return int64(val)
		}
		return val
	default:
		return val
	}
}
