package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/drblury/rabbitscope/internal/broker"
	rserrors "github.com/drblury/rabbitscope/internal/runtime/errors"
	"github.com/drblury/rabbitscope/internal/runtime/ids"
	"github.com/drblury/rabbitscope/internal/runtime/logging"
	"github.com/drblury/rabbitscope/internal/runtime/metrics"
)

// DefaultBufferSize is the event channel capacity of auto-ack sessions.
const DefaultBufferSize = 64

// ProfileResolver turns a connection profile reference into broker
// parameters.
type ProfileResolver interface {
	Resolve(ctx context.Context, id string) (broker.Params, error)
}

// ManagerConfig tunes session handling. Zero values select defaults.
type ManagerConfig struct {
	// BufferSize is the event channel capacity of auto-ack sessions. Manual
	// ack sessions always use an unbuffered channel so a message is only
	// acknowledged once the reader has taken it.
	BufferSize    int
	SetupTimeout  time.Duration
	ShutdownGrace time.Duration

	Dial      broker.DialFunc
	Normalize NormalizeFunc
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = DefaultSetupTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// Manager owns the lifecycle of every streaming session.
type Manager struct {
	cfg      ManagerConfig
	resolver ProfileResolver
	logger   logging.ServiceLogger
	metrics  *metrics.StreamMetrics
	registry *Registry

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a Manager. metrics may be nil.
func NewManager(cfg ManagerConfig, resolver ProfileResolver, logger logging.ServiceLogger, m *metrics.StreamMetrics) (*Manager, error) {
	if resolver == nil {
		return nil, errors.New("rabbitscope: profile resolver is required")
	}
	if logger == nil {
		return nil, rserrors.ErrLoggerRequired
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg.withDefaults(),
		resolver:   resolver,
		logger:     logger,
		metrics:    m,
		registry:   NewRegistry(),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}, nil
}

// Start resolves the profile, registers a new session for owner and spawns
// its worker. It fails with ErrSessionAlreadyActive while owner has a session
// that is not Closed.
func (m *Manager) Start(ctx context.Context, owner string, req StartRequest) (*Session, error) {
	req.Queue = strings.TrimSpace(req.Queue)
	if req.Queue == "" {
		return nil, rserrors.ErrQueueRequired
	}
	if req.Vhost == "" {
		req.Vhost = broker.DefaultVhost
	}

	params, err := m.resolver.Resolve(ctx, req.ProfileID)
	if err != nil {
		return nil, err
	}
	params = params.WithVhost(req.Vhost)

	capacity := m.cfg.BufferSize
	if !req.AutoAck {
		capacity = 0
	}
	session := newSession(ids.NewSessionID(), owner, req, NewBridge(capacity), time.Now())

	sessionCtx, cancel := context.WithCancel(m.baseCtx)
	session.cancel = cancel

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		cancel()
		return nil, rserrors.ErrManagerClosed
	}
	if err := m.registry.RegisterExclusive(session); err != nil {
		cancel()
		return nil, err
	}

	log := m.logger.With(logging.LogFields{
		"session_id": session.ID,
		"queue":      session.Queue,
		"vhost":      session.Vhost,
	})
	started := time.Now()
	subscribed := false
	worker := NewWorker(WorkerConfig{
		Params:        params,
		Queue:         session.Queue,
		AutoAck:       session.AutoAck,
		ConsumerTag:   "rabbitscope-" + session.ID,
		SetupTimeout:  m.cfg.SetupTimeout,
		ShutdownGrace: m.cfg.ShutdownGrace,
		Dial:          m.cfg.Dial,
		Normalize:     m.cfg.Normalize,
		Logger:        log,
		Metrics:       m.metrics,
	}, session.bridge, WorkerHooks{
		OnConnected: func() { session.transition(StateReady) },
		OnSubscribed: func() {
			subscribed = true
			session.transition(StateConsuming)
			m.metrics.SetupFinished("ok", time.Since(started))
			log.Info("Streaming session consuming", nil)
		},
	})

	m.metrics.SessionStarted(session.Vhost)
	log.Info("Streaming session started", logging.LogFields{"auto_ack": session.AutoAck, "owner": owner})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := worker.Run(sessionCtx)
		if !subscribed && err != nil && sessionCtx.Err() == nil {
			m.metrics.SetupFinished("failed", time.Since(started))
		}
		m.finish(sessionCtx, session, err, log)
	}()
	return session, nil
}

// finish is the session runner's exit path: it reports a terminal error once,
// closes the event channel and removes the session.
func (m *Manager) finish(ctx context.Context, s *Session, err error, log logging.ServiceLogger) {
	defer close(s.done)

	outcome := metrics.OutcomeStopped
	if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		outcome = metrics.OutcomeFailed
		s.fail(err)
		log.Error("Streaming session failed", err, nil)

		deliverCtx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownGrace)
		if deliverErr := s.bridge.Deliver(deliverCtx, fatalEvent(broker.ClientMessage(err, s.Queue, s.Vhost))); deliverErr != nil {
			log.Error("Failed to report session error", deliverErr, nil)
		}
		cancel()
	}

	s.bridge.Close()
	s.transition(StateClosed)
	m.registry.Remove(s.ID)
	m.metrics.SessionClosed(outcome)
	log.Info("Streaming session closed", logging.LogFields{"outcome": outcome})
}

// Stop cancels a session and waits for its worker to release the broker
// connection. Stopping an unknown or closed session is a no-op. When the
// worker outlives the shutdown grace period Stop returns and the session is
// removed once the worker exits.
func (m *Manager) Stop(ctx context.Context, id string) error {
	s, ok := m.registry.Lookup(id)
	if !ok {
		return nil
	}
	s.transition(StateStopping)
	s.cancel()

	timer := time.NewTimer(m.cfg.ShutdownGrace * 2)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil
	case <-timer.C:
		// The worker still holds its broker connection; the session stays
		// registered as stopping until its runner finishes.
		m.logger.Error("Streaming session did not stop in time", context.DeadlineExceeded, logging.LogFields{"session_id": id})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopOwner stops every session of owner. Transports call it when the client
// disconnects.
func (m *Manager) StopOwner(ctx context.Context, owner string) error {
	var errs []error
	for _, s := range m.registry.ForOwner(owner) {
		errs = append(errs, m.Stop(ctx, s.ID))
	}
	return errors.Join(errs...)
}

// Lookup returns a live session by id.
func (m *Manager) Lookup(id string) (*Session, bool) {
	return m.registry.Lookup(id)
}

// Sessions lists live sessions, oldest first.
func (m *Manager) Sessions() []SessionInfo {
	sessions := m.registry.List()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Close stops every session and rejects further starts. It waits until all
// workers have exited or ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	for _, s := range m.registry.List() {
		s.transition(StateStopping)
	}
	m.cancelBase()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
