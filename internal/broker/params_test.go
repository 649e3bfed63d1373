package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParamsURI(t *testing.T) {
	p := Params{Host: "rabbit.local", Username: "app", Password: "pw"}
	assert.Equal(t, "amqp://app:pw@rabbit.local/", p.URI())
	assert.Equal(t, "rabbit.local:5672", p.Address())

	p.Vhost = "tenant/a"
	p.Port = 5673
	assert.Equal(t, "amqp://app:pw@rabbit.local:5673/tenant%2Fa", p.URI())
}

func TestParamsTLS(t *testing.T) {
	p := Params{Host: "rabbit.local", Username: "app", Password: "pw", TLS: true}
	assert.Equal(t, "amqps://app:pw@rabbit.local/", p.URI())
	assert.Equal(t, "rabbit.local:5671", p.Address())
}

func TestParamsRedacted(t *testing.T) {
	p := Params{Host: "rabbit.local", Username: "app", Password: "hunter2"}
	assert.NotContains(t, p.Redacted(), "hunter2")
	assert.Contains(t, p.Redacted(), "app:")
	assert.Contains(t, p.URI(), "hunter2")
}

func TestParamsWithVhost(t *testing.T) {
	p := Params{Host: "h", Vhost: "profile"}
	assert.Equal(t, "override", p.WithVhost("override").Vhost)
	assert.Equal(t, "profile", p.WithVhost("").Vhost)
	assert.Equal(t, "profile", p.Vhost, "WithVhost must not modify the receiver")
	assert.Equal(t, "/", Params{}.VhostOrDefault())
}
