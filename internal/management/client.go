// Package management is a read-only client for the RabbitMQ HTTP management
// API, used for cluster discovery and connection tests.
package management

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/rabbitscope/internal/broker"
	"github.com/drblury/rabbitscope/internal/runtime/jsoncodec"
)

const defaultTimeout = 10 * time.Second

// maxErrorBody bounds how much of a failed response ends up in an error.
const maxErrorBody = 512

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("management api %s: %d %s", e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("management api %s: %d %s: %s", e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Client talks to one broker's management API.
type Client struct {
	base     *url.URL
	username string
	password string
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its transport is used as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithBaseURL overrides the URL derived from the connection parameters.
func WithBaseURL(raw string) Option {
	return func(c *Client) {
		if u, err := url.Parse(raw); err == nil {
			c.base = u
		}
	}
}

// New creates a client for the management API of params: http[s] by the TLS
// flag, on the management port, with the profile credentials.
func New(params broker.Params, opts ...Option) *Client {
	scheme := "http"
	if params.TLS {
		scheme = "https"
	}
	port := params.ManagementPort
	if port == 0 {
		port = broker.DefaultManagementPort
	}
	c := &Client{
		base:     &url.URL{Scheme: scheme, Host: net.JoinHostPort(params.Host, strconv.Itoa(port)), Path: "/api"},
		username: params.Username,
		password: params.Password,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL is the API root requests are made against.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// get fetches base + segments, escaping each segment, and decodes the JSON
// response into out.
func (c *Client) get(ctx context.Context, out any, segments ...string) error {
	// vhost names travel as a single escaped segment ("/" becomes %2F).
	raw := strings.TrimSuffix(c.base.EscapedPath(), "/")
	for _, s := range segments {
		raw += "/" + url.PathEscape(s)
	}
	u := *c.base
	u.RawPath = raw
	u.Path, _ = url.PathUnescape(raw)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Path: u.Path, StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := jsoncodec.Decode(resp.Body, out); err != nil {
		return fmt.Errorf("management api %s: decode response: %w", u.Path, err)
	}
	return nil
}

// Overview returns the cluster overview.
func (c *Client) Overview(ctx context.Context) (Overview, error) {
	var o Overview
	return o, c.get(ctx, &o, "overview")
}

// Queues lists queues, all of them when vhost is empty.
func (c *Client) Queues(ctx context.Context, vhost string) ([]Queue, error) {
	queues := []Queue{}
	return queues, c.get(ctx, &queues, scoped("queues", vhost)...)
}

// Exchanges lists exchanges, all of them when vhost is empty.
func (c *Client) Exchanges(ctx context.Context, vhost string) ([]Exchange, error) {
	exchanges := []Exchange{}
	return exchanges, c.get(ctx, &exchanges, scoped("exchanges", vhost)...)
}

// Bindings lists bindings, all of them when vhost is empty.
func (c *Client) Bindings(ctx context.Context, vhost string) ([]Binding, error) {
	bindings := []Binding{}
	return bindings, c.get(ctx, &bindings, scoped("bindings", vhost)...)
}

// VHosts lists virtual hosts.
func (c *Client) VHosts(ctx context.Context) ([]VHost, error) {
	vhosts := []VHost{}
	return vhosts, c.get(ctx, &vhosts, "vhosts")
}

// Users lists users. Requires the administrator tag on most brokers.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	users := []User{}
	return users, c.get(ctx, &users, "users")
}

func scoped(resource, vhost string) []string {
	if vhost == "" {
		return []string{resource}
	}
	return []string{resource, vhost}
}

// Discover fetches queues, exchanges, vhosts, users and bindings
// concurrently. The first failure cancels the rest.
func (c *Client) Discover(ctx context.Context) (Cluster, error) {
	var cluster Cluster
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { cluster.Queues, err = c.Queues(ctx, ""); return })
	g.Go(func() (err error) { cluster.Exchanges, err = c.Exchanges(ctx, ""); return })
	g.Go(func() (err error) { cluster.VHosts, err = c.VHosts(ctx); return })
	g.Go(func() (err error) { cluster.Users, err = c.Users(ctx); return })
	g.Go(func() (err error) { cluster.Bindings, err = c.Bindings(ctx, ""); return })
	if err := g.Wait(); err != nil {
		return Cluster{}, err
	}
	return cluster, nil
}

// IsUnauthorized reports whether err is a 401 from the management API.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}
