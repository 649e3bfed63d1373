package stream

import (
	"fmt"
	"strings"

	"github.com/drblury/rabbitscope/internal/broker"
	rserrors "github.com/drblury/rabbitscope/internal/runtime/errors"
	"github.com/drblury/rabbitscope/internal/runtime/jsoncodec"
)

// Action is a client to server control verb.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// Command is a parsed client control message.
type Command struct {
	Action  Action `json:"action"`
	Queue   string `json:"queue"`
	Vhost   string `json:"vhost"`
	AutoAck *bool  `json:"auto_ack"`
}

// ParseCommand decodes a control message. A message without an action but
// with a queue is treated as start. Defaults: vhost "/", auto_ack true.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := jsoncodec.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %w", rserrors.ErrInvalidCommand, err)
	}
	cmd.Action = Action(strings.ToLower(strings.TrimSpace(string(cmd.Action))))
	cmd.Queue = strings.TrimSpace(cmd.Queue)
	if cmd.Action == "" && cmd.Queue != "" {
		cmd.Action = ActionStart
	}

	switch cmd.Action {
	case ActionStart:
		if cmd.Queue == "" {
			return Command{}, rserrors.ErrQueueRequired
		}
		if cmd.Vhost == "" {
			cmd.Vhost = broker.DefaultVhost
		}
		if cmd.AutoAck == nil {
			autoAck := true
			cmd.AutoAck = &autoAck
		}
		return cmd, nil
	case ActionStop:
		return cmd, nil
	case "":
		return Command{}, fmt.Errorf("%w: missing action", rserrors.ErrInvalidCommand)
	default:
		return Command{}, fmt.Errorf("%w: unknown action %q", rserrors.ErrInvalidCommand, cmd.Action)
	}
}

// StartRequest converts a start command for the given profile.
func (c Command) StartRequest(profileID string) StartRequest {
	autoAck := true
	if c.AutoAck != nil {
		autoAck = *c.AutoAck
	}
	return StartRequest{
		ProfileID: profileID,
		Queue:     c.Queue,
		Vhost:     c.Vhost,
		AutoAck:   autoAck,
	}
}
