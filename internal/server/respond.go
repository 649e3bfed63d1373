package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/drblury/rabbitscope/internal/broker"
	rserrors "github.com/drblury/rabbitscope/internal/runtime/errors"
	"github.com/drblury/rabbitscope/internal/runtime/jsoncodec"
	"github.com/drblury/rabbitscope/internal/runtime/logging"
)

const maxBodyBytes = 1 << 20

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Detail string `json:"detail"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, errorBody{Detail: detail})
}

// fail maps err to a status code and a client-facing detail. resource (the
// queue or exchange) and vhost give broker errors their context and may be
// empty.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, resource, vhost string) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", err, logging.LogFields{"path": r.URL.Path})
	}
	s.writeError(w, status, describe(err, resource, vhost))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, rserrors.ErrProfileNotFound),
		errors.Is(err, rserrors.ErrQueueNotFound),
		errors.Is(err, rserrors.ErrExchangeNotFound):
		return http.StatusNotFound
	case errors.Is(err, rserrors.ErrProfileNameTaken),
		errors.Is(err, rserrors.ErrInvalidProfile),
		errors.Is(err, rserrors.ErrInvalidCommand),
		errors.Is(err, rserrors.ErrQueueRequired):
		return http.StatusBadRequest
	case errors.Is(err, rserrors.ErrSessionAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, rserrors.ErrAuthenticationFailed),
		errors.Is(err, rserrors.ErrConnectionRefused),
		errors.Is(err, rserrors.ErrUnexpectedDisconnect):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// describe renders err for clients, without the package prefix.
func describe(err error, resource, vhost string) string {
	switch {
	case errors.Is(err, rserrors.ErrProfileNotFound):
		return "Connection not found"
	case errors.Is(err, rserrors.ErrProfileNameTaken):
		return "Connection name already exists"
	case errors.Is(err, rserrors.ErrQueueRequired):
		return "Queue name is required"
	case errors.Is(err, rserrors.ErrSessionAlreadyActive):
		return "A consumer is already running on this connection; stop it first"
	case errors.Is(err, rserrors.ErrExchangeNotFound):
		return fmt.Sprintf("Exchange '%s' not found in vhost '%s'", resource, vhost)
	case rserrors.IsTerminal(err):
		return broker.ClientMessage(err, resource, vhost)
	default:
		return strings.TrimPrefix(err.Error(), "rabbitscope: ")
	}
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: %w", rserrors.ErrInvalidCommand, err)
	}
	if err := jsoncodec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed JSON body", rserrors.ErrInvalidCommand)
	}
	return nil
}
