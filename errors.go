package redis

import (
	"fmt"

	"github.com/nsrv/redisasync/resp"
)

// ErrClosed rejects command submission after Client.Close (or Subscriber.Close).
var ErrClosed = ConnectionClosed{Reason: "client closed"}

// ConnectionClosed reports that a request could not be completed because
// the connection was (or became) unavailable: submission after shutdown, or
// a pending non-idempotent request lost to a dropped connection. Cause, when
// set, is the error that produced this state (e.g. AuthFailed) and is
// reachable through errors.As/errors.Is per spec §7's "surfaced to the next
// submission" requirement.
type ConnectionClosed struct {
	Reason string
	Cause  error
}

func (e ConnectionClosed) Error() string {
	if e.Reason == "" {
		return "redis: connection closed"
	}
	return "redis: connection closed: " + e.Reason
}

func (e ConnectionClosed) Unwrap() error { return e.Cause }

// BackpressureExceeded is returned by request submission when the pending
// queue or send buffer is already at its configured high-water mark.
// Submission fails fast; it never blocks silently.
type BackpressureExceeded struct {
	Limit int
}

func (e BackpressureExceeded) Error() string {
	return fmt.Sprintf("redis: backpressure exceeded (limit %d)", e.Limit)
}

// ServerError is a "-..." reply from the server. It is local to the request
// that triggered it; the connection remains Ready.
type ServerError struct {
	Kind    string
	Message string
}

func (e ServerError) Error() string {
	return fmt.Sprintf("redis: server error %s: %s", e.Kind, e.Message)
}

func newServerError(v resp.Value) ServerError {
	return ServerError{Kind: v.ErrorKind(), Message: v.Str}
}

// UnexpectedResponse reports that a command's decoder rejected an otherwise
// well-formed RESP value because its shape did not match what the command
// expects. The connection remains Ready.
type UnexpectedResponse struct {
	Command string
	Got     resp.Kind
}

func (e UnexpectedResponse) Error() string {
	return fmt.Sprintf("redis: unexpected response to %s: got %s", e.Command, e.Got)
}

// ProtocolError reports that the wire codec could not parse the byte
// stream. It always closes the connection that produced it; the stream can
// no longer be resynchronized.
type ProtocolError struct {
	Cause error
}

func (e ProtocolError) Error() string { return "redis: protocol error: " + e.Cause.Error() }
func (e ProtocolError) Unwrap() error { return e.Cause }

// Timeout reports that Options.ReceiveTimeout elapsed before a reply
// arrived. The wire reply, if it eventually arrives, is still matched to
// its request and discarded — see Request.Await.
type Timeout struct {
	Command string
}

func (e Timeout) Error() string { return "redis: timeout waiting on " + e.Command }

// AuthFailed reports that the authentication handshake was rejected by the
// server. Auto-reconnect will keep retrying and keep failing until the
// credentials or server state change. Every rejected attempt is reported to
// Options.OnStateChange. Once the client gives up (AutoReconnect off, or
// MaxReconnectAttempts reached), submissions fail with a ConnectionClosed
// whose Cause is this error; while auto-reconnect is still retrying,
// submissions are parked and are not failed with it.
type AuthFailed struct {
	Kind    string
	Message string
}

func (e AuthFailed) Error() string {
	return fmt.Sprintf("redis: auth failed %s: %s", e.Kind, e.Message)
}

// InvalidStateForCommand is returned by Subscriber when a caller submits a
// command other than SUBSCRIBE, UNSUBSCRIBE, PSUBSCRIBE, PUNSUBSCRIBE, PING,
// QUIT or the auth handshake.
type InvalidStateForCommand struct {
	Command string
}

func (e InvalidStateForCommand) Error() string {
	return fmt.Sprintf("redis: %s is not valid on a subscriber connection", e.Command)
}
