package stream

import "time"

// NormalizedMessage is the canonical shape of one delivered broker message.
type NormalizedMessage struct {
	Body         string       `json:"body"`
	Properties   Properties   `json:"properties"`
	DeliveryInfo DeliveryInfo `json:"delivery_info"`
	// ReceivedAt is assigned at receipt, not by the broker.
	ReceivedAt time.Time `json:"timestamp"`
}

// Properties are the AMQP basic properties of a message. Absent values
// serialize as null.
type Properties struct {
	ContentType     *string        `json:"content_type"`
	ContentEncoding *string        `json:"content_encoding"`
	DeliveryMode    *uint8         `json:"delivery_mode"`
	Priority        *uint8         `json:"priority"`
	CorrelationID   *string        `json:"correlation_id"`
	ReplyTo         *string        `json:"reply_to"`
	Expiration      *string        `json:"expiration"`
	MessageID       *string        `json:"message_id"`
	Timestamp       *time.Time     `json:"timestamp"`
	Type            *string        `json:"type"`
	UserID          *string        `json:"user_id"`
	AppID           *string        `json:"app_id"`
	Headers         map[string]any `json:"headers"`
}

type DeliveryInfo struct {
	DeliveryTag uint64 `json:"delivery_tag"`
	Redelivered bool   `json:"redelivered"`
	Exchange    string `json:"exchange"`
	RoutingKey  string `json:"routing_key"`
}

// EventType discriminates server to client events.
type EventType string

const (
	EventReady   EventType = "ready"
	EventMessage EventType = "message"
	EventError   EventType = "error"
)

// Event is one server to client record. Message events embed the
// NormalizedMessage fields at the top level.
type Event struct {
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`
	*NormalizedMessage

	// Fatal marks the error that ends a session. It is the last event on the
	// session's channel.
	Fatal bool `json:"-"`

	receipt chan<- bool
}

// Settle reports whether a message event reached the client. A manual-ack
// session acknowledges the message only after Settle(true); every other event
// ignores it.
func (e Event) Settle(delivered bool) {
	if e.receipt == nil {
		return
	}
	select {
	case e.receipt <- delivered:
	default:
	}
}

func readyEvent(queue, vhost string) Event {
	return Event{Type: EventReady, Message: "Started consuming from queue '" + queue + "' in vhost '" + vhost + "'"}
}

func messageEvent(m NormalizedMessage) Event {
	return Event{Type: EventMessage, NormalizedMessage: &m}
}

// ErrorEvent builds a non-fatal error event.
func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Message: msg}
}

func fatalEvent(msg string) Event {
	return Event{Type: EventError, Message: msg, Fatal: true}
}
