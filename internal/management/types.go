package management

import (
	"strings"

	"github.com/drblury/rabbitscope/internal/runtime/jsoncodec"
)

// Overview is the subset of /api/overview rabbitscope reports.
type Overview struct {
	ClusterName       string `json:"cluster_name"`
	RabbitMQVersion   string `json:"rabbitmq_version"`
	ErlangVersion     string `json:"erlang_version"`
	ManagementVersion string `json:"management_version,omitempty"`
}

type Queue struct {
	Name       string `json:"name"`
	VHost      string `json:"vhost"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
	Exclusive  bool   `json:"exclusive"`
	Messages   int    `json:"messages"`
	Consumers  int    `json:"consumers"`
	State      string `json:"state"`
}

type Exchange struct {
	Name       string `json:"name"`
	VHost      string `json:"vhost"`
	Type       string `json:"type"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
	Internal   bool   `json:"internal"`
}

type VHost struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Tags        Tags    `json:"tags"`
}

type User struct {
	Name string `json:"name"`
	Tags Tags   `json:"tags"`
}

type Binding struct {
	Source          string `json:"source"`
	Destination     string `json:"destination"`
	DestinationType string `json:"destination_type"`
	RoutingKey      string `json:"routing_key"`
	VHost           string `json:"vhost"`
}

// Cluster is the combined discovery result.
type Cluster struct {
	Queues    []Queue    `json:"queues"`
	Exchanges []Exchange `json:"exchanges"`
	VHosts    []VHost    `json:"vhosts"`
	Users     []User     `json:"users"`
	Bindings  []Binding  `json:"bindings"`
}

// Tags decodes both tag encodings brokers use: a JSON array, or (before
// RabbitMQ 3.9) a comma separated string.
type Tags []string

func (t *Tags) UnmarshalJSON(data []byte) error {
	var list []string
	if err := jsoncodec.Unmarshal(data, &list); err == nil {
		*t = list
		return nil
	}
	var joined string
	if err := jsoncodec.Unmarshal(data, &joined); err != nil {
		return err
	}
	*t = Tags{}
	for _, tag := range strings.Split(joined, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			*t = append(*t, tag)
		}
	}
	return nil
}

// MarshalJSON always encodes an array, empty rather than null.
func (t Tags) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return jsoncodec.Marshal([]string(t))
}
