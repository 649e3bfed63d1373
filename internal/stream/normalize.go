package stream

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"
)

// NormalizeFunc converts a delivery into a NormalizedMessage.
type NormalizeFunc func(d amqp.Delivery, receivedAt time.Time) (NormalizedMessage, error)

// Normalize maps a delivery onto a NormalizedMessage. It never fails, never
// blocks and never touches the network; the error return exists so custom
// normalizers can report per-message failures.
func Normalize(d amqp.Delivery, receivedAt time.Time) (NormalizedMessage, error) {
	return NormalizedMessage{
		Body: DecodeBody(d.Body),
		Properties: Properties{
			ContentType:     optString(d.ContentType),
			ContentEncoding: optString(d.ContentEncoding),
			DeliveryMode:    optUint8(d.DeliveryMode),
			Priority:        optUint8(d.Priority),
			CorrelationID:   optString(d.CorrelationId),
			ReplyTo:         optString(d.ReplyTo),
			Expiration:      optString(d.Expiration),
			MessageID:       optString(d.MessageId),
			Timestamp:       optTime(d.Timestamp),
			Type:            optString(d.Type),
			UserID:          optString(d.UserId),
			AppID:           optString(d.AppId),
			Headers:         normalizeTable(d.Headers),
		},
		DeliveryInfo: DeliveryInfo{
			DeliveryTag: d.DeliveryTag,
			Redelivered: d.Redelivered,
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
		},
		ReceivedAt: receivedAt.UTC(),
	}, nil
}

// DecodeBody returns body as text. Invalid UTF-8 sequences are replaced with
// U+FFFD, so a non-empty body always yields a non-empty valid string.
func DecodeBody(body []byte) string {
	if utf8.Valid(body) {
		return string(body)
	}
	return strings.ToValidUTF8(string(body), "\uFFFD")
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optUint8(v uint8) *uint8 {
	if v == 0 {
		return nil
	}
	return &v
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func normalizeTable(t amqp.Table) map[string]any {
	if t == nil {
		return nil
	}
	out := make(map[string]any, len(t))
	for k, v := range t {
		out[k] = normalizeValue(v)
	}
	return out
}

// normalizeValue converts AMQP field values into JSON-friendly values.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case amqp.Table:
		return normalizeTable(val)
	case map[string]any:
		return normalizeTable(amqp.Table(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case []byte:
		return DecodeBody(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case amqp.Decimal:
		return decimalString(val)
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint8, uint16, uint32, uint64,
		float32, float64:
		return val
	default:
		return fmt.Sprint(val)
	}
}

func decimalString(d amqp.Decimal) string {
	digits := fmt.Sprintf("%d", d.Value)
	if d.Scale == 0 {
		return digits
	}
	neg := strings.HasPrefix(digits, "-")
	digits = strings.TrimPrefix(digits, "-")
	scale := int(d.Scale)
	if len(digits) <= scale {
		digits = strings.Repeat("0", scale-len(digits)+1) + digits
	}
	point := len(digits) - scale
	out := digits[:point] + "." + digits[point:]
	if neg {
		out = "-" + out
	}
	return out
}
