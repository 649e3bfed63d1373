package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/drblury/rabbitscope/internal/broker"
	"github.com/drblury/rabbitscope/internal/profiles"
)

// ConnectionTestResult reports a connection test.
type ConnectionTestResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func connectionID(r *http.Request) (int64, error) {
	return profiles.ParseID(chi.URLParam(r, "id"))
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req profiles.CreateRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	p, err := s.profiles.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	list, err := s.profiles.List(r.Context())
	if err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id, err := connectionID(r)
	if err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	p, err := s.profiles.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	id, err := connectionID(r)
	if err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	var req profiles.UpdateRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	p, err := s.profiles.Update(r.Context(), id, req)
	if err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id, err := connectionID(r)
	if err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	if err := s.profiles.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Connection deleted successfully"})
}

// handleTestConnection checks AMQP and the management API. Failures are
// reported in the body.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	id, err := connectionID(r)
	if err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	params, err := s.profiles.Resolve(r.Context(), strconv.FormatInt(id, 10))
	if err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	s.writeJSON(w, http.StatusOK, s.testConnection(r.Context(), params))
}

func (s *Server) testConnection(ctx context.Context, params broker.Params) ConnectionTestResult {
	if err := s.oneshot.TestConnection(ctx, params); err != nil {
		return ConnectionTestResult{Message: "Connection failed: " + describe(err, "", params.VhostOrDefault())}
	}
	overview, err := s.management(params).Overview(ctx)
	if err != nil {
		return ConnectionTestResult{Message: "Connection failed: management api: " + describe(err, "", "")}
	}
	return ConnectionTestResult{
		Success: true,
		Message: "Connection successful",
		Details: map[string]any{
			"rabbitmq_version": overview.RabbitMQVersion,
			"erlang_version":   overview.ErlangVersion,
			"cluster_name":     overview.ClusterName,
		},
	}
}
