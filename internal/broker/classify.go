package broker

import (
	"context"
	"errors"
	"fmt"
	"net"

	amqp "github.com/rabbitmq/amqp091-go"

	rserrors "github.com/drblury/rabbitscope/internal/runtime/errors"
)

// Stage names the broker operation an error came from.
type Stage string

const (
	StageConnect       Stage = "connect"
	StageChannel       Stage = "channel"
	StageQueueCheck    Stage = "queue_check"
	StageExchangeCheck Stage = "exchange_check"
	StageConsume       Stage = "consume"
	StageStream        Stage = "stream"
)

// Classify maps a broker failure onto the rabbitscope error taxonomy. The
// returned error wraps both the sentinel and the original cause.
func Classify(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	if isClassified(err) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinelFor(stage, err), err)
}

func isClassified(err error) bool {
	return rserrors.IsTerminal(err) || errors.Is(err, rserrors.ErrExchangeNotFound)
}

func sentinelFor(stage Stage, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.NotFound:
			if stage == StageExchangeCheck {
				return rserrors.ErrExchangeNotFound
			}
			return rserrors.ErrQueueNotFound
		case amqp.AccessRefused, amqp.NotAllowed:
			return rserrors.ErrAuthenticationFailed
		}
	}

	if stage == StageConnect {
		return rserrors.ErrConnectionRefused
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		if stage == StageChannel || stage == StageQueueCheck || stage == StageExchangeCheck {
			return rserrors.ErrConnectionRefused
		}
	}
	return rserrors.ErrUnexpectedDisconnect
}

// ClientMessage renders err as the text shown to a stream client.
func ClientMessage(err error, queue, vhost string) string {
	switch {
	case errors.Is(err, rserrors.ErrQueueNotFound):
		return fmt.Sprintf("Queue '%s' not found in vhost '%s'", queue, vhost)
	case errors.Is(err, rserrors.ErrAuthenticationFailed):
		return fmt.Sprintf("Authentication failed for vhost '%s'", vhost)
	case errors.Is(err, rserrors.ErrConnectionRefused):
		return "Could not connect to broker: " + causeText(err)
	case errors.Is(err, rserrors.ErrUnexpectedDisconnect):
		return "Connection to broker lost: " + causeText(err)
	default:
		return err.Error()
	}
}

func causeText(err error) string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		causes := joined.Unwrap()
		if len(causes) > 1 {
			return causes[len(causes)-1].Error()
		}
	}
	return err.Error()
}
