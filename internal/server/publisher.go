package server

import (
	"net/http"

	"github.com/drblury/rabbitscope/internal/broker"
	"github.com/drblury/rabbitscope/internal/oneshot"
)

// PublishRequest is the body of publish and validate.
type PublishRequest struct {
	ConnectionID int64                     `json:"connection_id"`
	Vhost        string                    `json:"vhost"`
	Exchange     string                    `json:"exchange"`
	RoutingKey   string                    `json:"routing_key"`
	Message      string                    `json:"message"`
	Properties   oneshot.PublishProperties `json:"properties"`
}

func (r PublishRequest) vhost() string {
	if r.Vhost == "" {
		return broker.DefaultVhost
	}
	return r.Vhost
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	params, err := s.resolve(r, req.ConnectionID, req.vhost())
	if err != nil {
		s.fail(w, r, err, req.Exchange, req.vhost())
		return
	}
	res, err := s.oneshot.Publish(r.Context(), params, oneshot.PublishRequest{
		Exchange:   req.Exchange,
		RoutingKey: req.RoutingKey,
		Body:       req.Message,
		Properties: req.Properties,
	})
	if err != nil {
		s.fail(w, r, err, req.Exchange, req.vhost())
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleValidate reports broker-side problems in the result body; only an
// unknown connection or a malformed request fail the request itself.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err, "", "")
		return
	}
	params, err := s.resolve(r, req.ConnectionID, req.vhost())
	if err != nil {
		s.fail(w, r, err, req.Exchange, req.vhost())
		return
	}
	s.writeJSON(w, http.StatusOK, s.oneshot.Validate(r.Context(), params, req.Exchange))
}
