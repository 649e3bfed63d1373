package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rabbitscope/internal/broker"
	"github.com/drblury/rabbitscope/internal/broker/brokertest"
	"github.com/drblury/rabbitscope/internal/management"
	"github.com/drblury/rabbitscope/internal/oneshot"
	"github.com/drblury/rabbitscope/internal/profiles"
	"github.com/drblury/rabbitscope/internal/runtime/config"
	"github.com/drblury/rabbitscope/internal/runtime/jsoncodec"
	"github.com/drblury/rabbitscope/internal/runtime/logging"
	"github.com/drblury/rabbitscope/internal/runtime/metrics"
	"github.com/drblury/rabbitscope/internal/stream"
)

const waitFor = 2 * time.Second

type testEnv struct {
	fb       *brokertest.Broker
	store    *profiles.Store
	sessions *stream.Manager
	server   *Server
	http     *httptest.Server
	registry *prometheus.Registry

	// management answers management API calls when set.
	management http.HandlerFunc
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.EncryptionSecret = "test-secret"
	for _, m := range mutate {
		m(&cfg)
	}

	env := &testEnv{fb: brokertest.New(), registry: prometheus.NewRegistry()}
	m := metrics.NewStreamMetrics(env.registry)
	require.NoError(t, m.Register())

	store, err := profiles.Open(profiles.MemoryPath, cfg.EncryptionSecret, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	env.store = store

	logger := logging.NewNopLogger()
	sessions, err := stream.NewManager(stream.ManagerConfig{
		Dial:          env.fb.Dial,
		ShutdownGrace: 500 * time.Millisecond,
	}, store, logger, m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })
	env.sessions = sessions

	mgmt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if env.management == nil {
			http.NotFound(w, r)
			return
		}
		env.management(w, r)
	}))
	t.Cleanup(mgmt.Close)

	srv, err := New(cfg, "test", Dependencies{
		Profiles: store,
		Sessions: sessions,
		OneShot:  oneshot.New(oneshot.Options{Dial: env.fb.Dial}, logger, m),
		Management: func(p broker.Params) *management.Client {
			return management.New(p, management.WithBaseURL(mgmt.URL+"/api"))
		},
		Gatherer: env.registry,
	}, logger)
	require.NoError(t, err)
	env.server = srv

	env.http = httptest.NewServer(srv.Handler())
	t.Cleanup(env.http.Close)
	return env
}

// createProfile stores a profile and returns its id as used in URLs.
func (e *testEnv) createProfile(t *testing.T, name string) string {
	t.Helper()
	p, err := e.store.Create(context.Background(), profiles.CreateRequest{
		Name: name, Host: "rabbit.test", Username: "app", Password: "pw",
	})
	require.NoError(t, err)
	return strconv.FormatInt(p.ID, 10)
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := jsoncodec.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decodeInto[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, jsoncodec.Unmarshal(data, &v), "body: %s", data)
	return v
}

// wireEvent is the client view of a stream event.
type wireEvent struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	Body         string `json:"body"`
	DeliveryInfo struct {
		DeliveryTag uint64 `json:"delivery_tag"`
		RoutingKey  string `json:"routing_key"`
	} `json:"delivery_info"`
}

func (e *testEnv) dialStream(t *testing.T, connectionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/api/consumer/consume/" + connectionID
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func sendCommand(t *testing.T, c *websocket.Conn, cmd string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(cmd)))
}

func readEvent(t *testing.T, c *websocket.Conn) wireEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	return decodeInto[wireEvent](t, data)
}

func newRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}
