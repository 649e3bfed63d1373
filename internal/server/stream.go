package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	rserrors "github.com/drblury/rabbitscope/internal/runtime/errors"
	"github.com/drblury/rabbitscope/internal/runtime/ids"
	"github.com/drblury/rabbitscope/internal/runtime/jsoncodec"
	"github.com/drblury/rabbitscope/internal/runtime/logging"
	"github.com/drblury/rabbitscope/internal/stream"
)

// StatusConnectionNotFound closes a stream whose connection profile does not
// exist.
const StatusConnectionNotFound websocket.StatusCode = 4004

const (
	streamReadLimit    = 64 << 10
	streamWriteTimeout = 10 * time.Second
)

// handleStream upgrades to a WebSocket carrying the streaming control
// protocol. The socket owns at most one session at a time; closing it stops
// that session.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "connectionID")
	_, resolveErr := s.profiles.Resolve(r.Context(), profileID)

	patterns, skipVerify := s.originPatterns()
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     patterns,
		InsecureSkipVerify: skipVerify,
	})
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", err, logging.LogFields{"connection_id": profileID})
		return
	}
	if resolveErr != nil {
		if errors.Is(resolveErr, rserrors.ErrProfileNotFound) {
			_ = ws.Close(StatusConnectionNotFound, "Connection not found")
			return
		}
		s.logger.Error("Failed to resolve connection", resolveErr, logging.LogFields{"connection_id": profileID})
		_ = ws.Close(websocket.StatusInternalError, "Failed to load connection")
		return
	}
	ws.SetReadLimit(streamReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	release := context.AfterFunc(s.streams, cancel)
	defer release()

	c := &streamConn{
		srv:       s,
		ws:        ws,
		ctx:       ctx,
		cancel:    cancel,
		owner:     ids.NewClientID(),
		profileID: profileID,
	}
	c.log = s.logger.With(logging.LogFields{"client_id": c.owner, "connection_id": profileID})
	c.log.Debug("Stream client connected", nil)

	c.readLoop()
	c.shutdown()
	_ = ws.Close(websocket.StatusNormalClosure, "")
	c.log.Debug("Stream client disconnected", nil)
}

// streamConn is one WebSocket client. The read loop runs on the handler
// goroutine; each started session gets a forwarder goroutine that is the
// only reader of the session's event channel.
type streamConn struct {
	srv       *Server
	ws        *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	owner     string
	profileID string
	log       logging.ServiceLogger

	forwarders sync.WaitGroup
	mu         sync.Mutex
	current    *forwarder
}

// forwarder copies one session's events to the socket. Every event it takes
// from the channel is written and settled; after quit it takes no more.
type forwarder struct {
	session  *stream.Session
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func newForwarder(session *stream.Session) *forwarder {
	return &forwarder{session: session, quit: make(chan struct{}), done: make(chan struct{})}
}

// halt stops the forwarder and waits until it no longer reads events.
func (f *forwarder) halt() {
	f.quitOnce.Do(func() { close(f.quit) })
	<-f.done
}

func (c *streamConn) readLoop() {
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				c.log.Debug("Stream read ended", logging.LogFields{"reason": err.Error()})
			}
			return
		}
		if typ != websocket.MessageText {
			c.send(stream.ErrorEvent("Error: commands must be JSON text messages"))
			continue
		}
		c.handleCommand(data)
	}
}

func (c *streamConn) handleCommand(data []byte) {
	cmd, err := stream.ParseCommand(data)
	if err != nil {
		c.send(stream.ErrorEvent("Error: " + describe(err, "", "")))
		return
	}

	switch cmd.Action {
	case stream.ActionStart:
		req := cmd.StartRequest(c.profileID)
		session, err := c.srv.sessions.Start(c.ctx, c.owner, req)
		if err != nil {
			c.send(stream.ErrorEvent(describe(err, req.Queue, req.Vhost)))
			return
		}
		f := newForwarder(session)
		c.mu.Lock()
		c.current = f
		c.mu.Unlock()
		c.forwarders.Add(1)
		go c.forward(f)
	case stream.ActionStop:
		c.stop()
	}
}

func (c *streamConn) forward(f *forwarder) {
	defer c.forwarders.Done()
	defer close(f.done)
	events := f.session.Events()
	for {
		select {
		case <-f.quit:
			return
		default:
		}
		select {
		case <-f.quit:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.write(ev); err != nil {
				ev.Settle(false)
				c.cancel()
				return
			}
			ev.Settle(true)
		}
	}
}

// stop halts the forwarder before stopping the current session, so a message
// the worker hands off afterwards has no reader and stays unacknowledged.
// Stopping without a session is a no-op.
func (c *streamConn) stop() {
	c.mu.Lock()
	f := c.current
	c.current = nil
	c.mu.Unlock()
	if f == nil {
		return
	}
	f.halt()
	if err := c.srv.sessions.Stop(context.Background(), f.session.ID); err != nil {
		c.log.Error("Failed to stop session", err, logging.LogFields{"session_id": f.session.ID})
	}
}

// shutdown stops whatever the client left running and waits for the
// forwarders to drain.
func (c *streamConn) shutdown() {
	c.stop()
	if err := c.srv.sessions.StopOwner(context.Background(), c.owner); err != nil {
		c.log.Error("Failed to stop sessions", err, nil)
	}
	c.forwarders.Wait()
}

func (c *streamConn) send(ev stream.Event) {
	if err := c.write(ev); err != nil {
		c.cancel()
	}
}

func (c *streamConn) write(ev stream.Event) error {
	data, err := jsoncodec.Marshal(ev)
	if err != nil {
		c.log.Error("Failed to encode event", err, logging.LogFields{"type": string(ev.Type)})
		return nil
	}
	ctx, cancel := context.WithTimeout(c.ctx, streamWriteTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}
