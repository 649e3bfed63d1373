package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/drblury/rabbitscope/internal/broker"
	"github.com/drblury/rabbitscope/internal/oneshot"
	"github.com/drblury/rabbitscope/internal/runtime/logging"
	"github.com/drblury/rabbitscope/internal/stream"
)

// ConsumeRequest is the body of the one-shot consume and browse calls.
type ConsumeRequest struct {
	ConnectionID int64  `json:"connection_id"`
	Queue        string `json:"queue"`
	Vhost        string `json:"vhost"`
	AutoAck      *bool  `json:"auto_ack"`
	MaxMessages  int    `json:"max_messages"`
}

func (r ConsumeRequest) vhost() string {
	if r.Vhost == "" {
		return broker.DefaultVhost
	}
	return r.Vhost
}

// MessagesResponse carries fetched messages.
type MessagesResponse struct {
	Messages []oneshot.Message `json:"messages"`
}

func (s *Server) resolve(r *http.Request, connectionID int64, vhost string) (broker.Params, error) {
	params, err := s.profiles.Resolve(r.Context(), strconv.FormatInt(connectionID, 10))
	if err != nil {
		return broker.Params{}, err
	}
	return params.WithVhost(vhost), nil
}

func (s *Server) handleConsumeMessages(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	params, err := s.resolve(r, req.ConnectionID, req.vhost())
	if err != nil {
		s.fail(w, r, err, req.Queue, req.vhost())
		return
	}
	autoAck := req.AutoAck == nil || *req.AutoAck
	msgs, err := s.oneshot.Consume(r.Context(), params, req.Queue, req.MaxMessages, autoAck)
	if err != nil {
		s.fail(w, r, err, req.Queue, req.vhost())
		return
	}
	s.writeJSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	params, err := s.resolve(r, req.ConnectionID, req.vhost())
	if err != nil {
		s.fail(w, r, err, req.Queue, req.vhost())
		return
	}
	msgs, err := s.oneshot.Browse(r.Context(), params, req.Queue, req.MaxMessages)
	if err != nil {
		s.fail(w, r, err, req.Queue, req.vhost())
		return
	}
	s.writeJSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
}

// ActiveSessionsResponse lists live streaming sessions.
type ActiveSessionsResponse struct {
	ActiveConsumers []stream.SessionInfo `json:"active_consumers"`
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.Sessions()
	if sessions == nil {
		sessions = []stream.SessionInfo{}
	}
	s.writeJSON(w, http.StatusOK, ActiveSessionsResponse{ActiveConsumers: sessions})
}

// handleStopSession stops a session by id. Unknown and already closed
// sessions succeed as well.
func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.sessions.Stop(r.Context(), id); err != nil {
		s.logger.Error("Failed to stop session", err, logging.LogFields{"session_id": id})
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Stop signal sent to consumer %s", id)})
}
