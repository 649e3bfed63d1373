package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drblury/rabbitscope/internal/management"
	"github.com/drblury/rabbitscope/internal/runtime/logging"
)

func (s *Server) managementFor(w http.ResponseWriter, r *http.Request) (*management.Client, bool) {
	params, err := s.profiles.Resolve(r.Context(), chi.URLParam(r, "connectionID"))
	if err != nil {
		s.fail(w, r, err, "", "")
		return nil, false
	}
	return s.management(params), true
}

// discoveryFailed reports management API failures as 500 with the cause.
func (s *Server) discoveryFailed(w http.ResponseWriter, r *http.Request, what string, err error) {
	s.logger.Error("Discovery failed", err, logging.LogFields{"path": r.URL.Path})
	s.writeError(w, http.StatusInternalServerError, "Failed to "+what+": "+err.Error())
}

func (s *Server) handleDiscoverCluster(w http.ResponseWriter, r *http.Request) {
	mc, ok := s.managementFor(w, r)
	if !ok {
		return
	}
	cluster, err := mc.Discover(r.Context())
	if err != nil {
		s.discoveryFailed(w, r, "discover cluster", err)
		return
	}
	s.writeJSON(w, http.StatusOK, cluster)
}

func (s *Server) handleDiscoverQueues(w http.ResponseWriter, r *http.Request) {
	mc, ok := s.managementFor(w, r)
	if !ok {
		return
	}
	queues, err := mc.Queues(r.Context(), r.URL.Query().Get("vhost"))
	if err != nil {
		s.discoveryFailed(w, r, "get queues", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queues": queues})
}

func (s *Server) handleDiscoverExchanges(w http.ResponseWriter, r *http.Request) {
	mc, ok := s.managementFor(w, r)
	if !ok {
		return
	}
	exchanges, err := mc.Exchanges(r.Context(), r.URL.Query().Get("vhost"))
	if err != nil {
		s.discoveryFailed(w, r, "get exchanges", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"exchanges": exchanges})
}

func (s *Server) handleDiscoverVHosts(w http.ResponseWriter, r *http.Request) {
	mc, ok := s.managementFor(w, r)
	if !ok {
		return
	}
	vhosts, err := mc.VHosts(r.Context())
	if err != nil {
		s.discoveryFailed(w, r, "get vhosts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"vhosts": vhosts})
}

func (s *Server) handleDiscoverUsers(w http.ResponseWriter, r *http.Request) {
	mc, ok := s.managementFor(w, r)
	if !ok {
		return
	}
	users, err := mc.Users(r.Context())
	if err != nil {
		s.discoveryFailed(w, r, "get users", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"users": users})
}
