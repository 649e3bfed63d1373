// Package stream implements live queue streaming: a Manager starts one
// Worker per Session, the Worker consumes a broker queue and hands normalized
// messages to the session's bounded event channel through the Bridge, and a
// transport drains that channel to the client.
//
// Sessions move through Connecting, Ready, Consuming, Stopping and Closed.
// Closed is terminal and may be reached from any other state on failure.
package stream
