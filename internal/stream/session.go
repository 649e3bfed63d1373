package stream

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateConsuming  State = "consuming"
	StateStopping   State = "stopping"
	StateClosed     State = "closed"
)

var stateRank = map[State]int{
	StateConnecting: 0,
	StateReady:      1,
	StateConsuming:  2,
	StateStopping:   3,
	StateClosed:     4,
}

// StartRequest describes the queue a client wants to stream.
type StartRequest struct {
	ProfileID string
	Queue     string
	Vhost     string
	AutoAck   bool
}

// Session is one live streaming subscription. Only the Manager mutates it.
type Session struct {
	ID        string
	Owner     string
	ProfileID string
	Queue     string
	Vhost     string
	AutoAck   bool
	StartedAt time.Time

	mu    sync.Mutex
	state State
	err   error

	bridge *Bridge
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionInfo is a point-in-time view of a Session.
type SessionInfo struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Queue        string    `json:"queue"`
	Vhost        string    `json:"vhost"`
	AutoAck      bool      `json:"auto_ack"`
	State        State     `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	Error        string    `json:"error,omitempty"`
}

func newSession(id, owner string, req StartRequest, bridge *Bridge, now time.Time) *Session {
	return &Session{
		ID:        id,
		Owner:     owner,
		ProfileID: req.ProfileID,
		Queue:     req.Queue,
		Vhost:     req.Vhost,
		AutoAck:   req.AutoAck,
		StartedAt: now,
		state:     StateConnecting,
		bridge:    bridge,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, if the session failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Events is the session's ordered event stream. It is closed after the last
// event.
func (s *Session) Events() <-chan Event {
	return s.bridge.Events()
}

// Done is closed once the session's worker has exited and its broker
// resources are released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:           s.ID,
		ConnectionID: s.ProfileID,
		Queue:        s.Queue,
		Vhost:        s.Vhost,
		AutoAck:      s.AutoAck,
		State:        s.state,
		StartedAt:    s.StartedAt,
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}

// transition moves the session forward. Backward moves and moves out of
// Closed are ignored.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stateRank[to] <= stateRank[s.state] {
		return false
	}
	s.state = to
	return true
}

// fail records err and closes the session.
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.err = err
	s.state = StateClosed
}

func (s *Session) live() bool {
	return s.State() != StateClosed
}
