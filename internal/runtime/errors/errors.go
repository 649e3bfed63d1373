package errors

import sterrors "errors"

// Terminal session errors. A stream that fails with one of these ends the
// session and is reported to the client exactly once.
var (
	ErrQueueNotFound        = sterrors.New("rabbitscope: queue not found")
	ErrAuthenticationFailed = sterrors.New("rabbitscope: authentication failed")
	ErrConnectionRefused    = sterrors.New("rabbitscope: connection refused")
	ErrUnexpectedDisconnect = sterrors.New("rabbitscope: unexpected disconnect")
)

// ErrMessageProcessing marks a per-message failure. The consumption loop
// reports it and keeps running.
var ErrMessageProcessing = sterrors.New("rabbitscope: message processing failed")

var (
	ErrDuplicateSession     = sterrors.New("rabbitscope: session already registered")
	ErrSessionAlreadyActive = sterrors.New("rabbitscope: a session is already active for this connection")
	ErrManagerClosed        = sterrors.New("rabbitscope: session manager is closed")
	ErrQueueRequired        = sterrors.New("rabbitscope: queue name is required")
	ErrInvalidCommand       = sterrors.New("rabbitscope: invalid command")
	ErrExchangeNotFound     = sterrors.New("rabbitscope: exchange not found")
	ErrProfileNotFound      = sterrors.New("rabbitscope: connection not found")
	ErrProfileNameTaken     = sterrors.New("rabbitscope: connection name already exists")
	ErrInvalidProfile       = sterrors.New("rabbitscope: invalid connection")
	ErrConfigRequired       = sterrors.New("rabbitscope: configuration is required")
	ErrLoggerRequired       = sterrors.New("rabbitscope: logger is required")
)

// ConfigValidationError is returned when a configuration fails validation.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "rabbitscope: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, or returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// IsTerminal reports whether err ends a streaming session.
func IsTerminal(err error) bool {
	return sterrors.Is(err, ErrQueueNotFound) ||
		sterrors.Is(err, ErrAuthenticationFailed) ||
		sterrors.Is(err, ErrConnectionRefused) ||
		sterrors.Is(err, ErrUnexpectedDisconnect)
}
