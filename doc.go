// Package rabbitscope is the backend of a RabbitMQ web UI. It stores broker
// connection profiles, discovers queues, exchanges and users through the
// management API, runs one-shot consume, browse and publish operations, and
// streams live queue traffic to browsers over WebSocket.
//
// The cmd/rabbitscope binary wires everything from Config. Programs that embed
// rabbitscope build the same pieces through this package: OpenProfileStore,
// NewSessionManager, NewOneShotClient and NewServer, then call Server.Run.
//
// # Streaming
//
// A streaming session belongs to one WebSocket connection. The client sends
// {"action":"start","queue":"orders"} to begin and {"action":"stop"} to end;
// the server answers with a ready event, one message event per delivery, and
// error events. With auto_ack disabled, a message is acknowledged only after it
// has been handed to the client, and stopping requeues whatever is still
// unacknowledged. Only one session per connection runs at a time.
//
// # Errors
//
// Broker failures are classified into the sentinel errors re-exported here.
// ErrQueueNotFound, ErrAuthenticationFailed, ErrConnectionRefused and
// ErrUnexpectedDisconnect end a session (see IsTerminal); ErrMessageProcessing
// is reported and consumption continues.
package rabbitscope
