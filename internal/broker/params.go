package broker

import (
	"net"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultPort           = 5672
	DefaultTLSPort        = 5671
	DefaultManagementPort = 15672
	DefaultVhost          = "/"

	defaultConnectTimeout = 10 * time.Second
	defaultHeartbeat      = 10 * time.Second
)

// Params are resolved connection parameters for one broker.
type Params struct {
	Host           string
	Port           int
	ManagementPort int
	Username       string
	Password       string
	Vhost          string
	TLS            bool

	ConnectTimeout time.Duration
	Heartbeat      time.Duration
}

// WithVhost returns a copy of p targeting vhost. An empty vhost keeps the
// profile's vhost.
func (p Params) WithVhost(vhost string) Params {
	if vhost != "" {
		p.Vhost = vhost
	}
	return p
}

// VhostOrDefault returns the configured vhost, or "/" when none is set.
func (p Params) VhostOrDefault() string {
	if p.Vhost == "" {
		return DefaultVhost
	}
	return p.Vhost
}

func (p Params) scheme() string {
	if p.TLS {
		return "amqps"
	}
	return "amqp"
}

func (p Params) port() int {
	switch {
	case p.Port > 0:
		return p.Port
	case p.TLS:
		return DefaultTLSPort
	default:
		return DefaultPort
	}
}

// Address returns host:port of the AMQP listener.
func (p Params) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.port()))
}

// URI builds the amqp:// or amqps:// URI for p.
func (p Params) URI() string {
	return p.uri(p.Password)
}

// Redacted is URI with the password masked, safe for logs.
func (p Params) Redacted() string {
	if p.Password == "" {
		return p.URI()
	}
	return p.uri("***")
}

func (p Params) uri(password string) string {
	return amqp.URI{
		Scheme:   p.scheme(),
		Host:     p.Host,
		Port:     p.port(),
		Username: p.Username,
		Password: password,
		Vhost:    p.VhostOrDefault(),
	}.String()
}

func (p Params) connectTimeout() time.Duration {
	if p.ConnectTimeout > 0 {
		return p.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (p Params) heartbeat() time.Duration {
	if p.Heartbeat > 0 {
		return p.Heartbeat
	}
	return defaultHeartbeat
}
