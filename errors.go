package redis

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrClosed rejects command execution after Client.Close or PubSubConn.Close.
var ErrClosed = errors.New("redis: client closed")

// ErrNoConnection signals the circuit breaker: the actor has no live
// connection right now and is waiting out its reconnect sleep. Submissions
// fail fast with this error instead of queuing.
var ErrNoConnection = errors.New("redis: no connection")

// ErrProtocol signals invalid RESP reception: an unknown type byte, a
// non-numeric length, or a CR not followed by LF. The connection actor
// treats this identically to a closed socket.
var ErrProtocol = errors.New("redis: protocol violation")

// ServerError is an error reply (the RESP '-' type) returned by the
// server. It is not fatal to the connection: subsequent pipelined replies
// still get collected normally.
type ServerError string

// Error honors the error interface.
func (e ServerError) Error() string {
	return fmt.Sprintf("redis: server error %q", string(e))
}

// Prefix returns the first word, which represents the error kind, e.g.
// "WRONGTYPE" out of "WRONGTYPE Operation against a key...".
func (e ServerError) Prefix() string {
	s := string(e)
	for i, r := range s {
		if r == ' ' {
			return s[:i]
		}
	}
	return s
}

// ErrFloatUnsupported is raised synchronously at encode time: a float
// argument is rejected before anything reaches the wire, to prevent a
// lossy round-trip through Redis's textual protocol.
type ErrFloatUnsupported struct {
	Value float64
}

func (e ErrFloatUnsupported) Error() string {
	return fmt.Sprintf("redis: cannot store floats (%v)", e.Value)
}

// ConnectionError wraps a startup failure from NewClient/NewPubSubConn
// when reconnect is disabled: the very first connect attempt failing
// fails construction itself rather than handing back a Disconnected
// handle.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return "redis: connection error: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }
