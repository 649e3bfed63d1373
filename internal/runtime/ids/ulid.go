package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	sessionPrefix = "ses_"
	clientPrefix  = "cli_"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func next(at time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy)
}

// NewSessionID returns a time-sortable identifier for a streaming session.
func NewSessionID() string {
	return sessionPrefix + next(time.Now()).String()
}

// NewClientID returns an identifier for one client transport connection.
func NewClientID() string {
	return clientPrefix + next(time.Now()).String()
}

// NewMessageID returns a lowercase ULID used as the default AMQP message-id
// for published messages.
func NewMessageID() string {
	return strings.ToLower(next(time.Now()).String())
}

// CreatedAt extracts the creation time encoded in a session or client id.
// ok is false when id was not produced by this package.
func CreatedAt(id string) (time.Time, bool) {
	raw := strings.TrimPrefix(strings.TrimPrefix(id, sessionPrefix), clientPrefix)
	parsed, err := ulid.ParseStrict(strings.ToUpper(raw))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
