package redis

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/nsrv/redisasync/internal/backoff"
)

// Auth carries the optional handshake credentials (spec §6).
type Auth struct {
	Username string
	Password string
}

// Options enumerates every client construction knob named in spec §6. It is
// a plain struct: per spec.md §1, loading it from a file or environment is
// explicitly out of scope.
type Options struct {
	// Host and Port name the server endpoint. Host defaults to "localhost"
	// when empty and Port to 6379 when zero. Set Host to an absolute path
	// (e.g. "/var/run/redis.sock") to dial a Unix domain socket instead; Port
	// is then ignored.
	Host string
	Port int

	// Auth, when non-nil, is applied during the handshake as AUTH [user] pass.
	Auth *Auth

	// ClientName, when non-empty, is sent as CLIENT SETNAME during the
	// Client handshake. A Subscriber does not send it.
	ClientName string

	// Database, when non-zero, is sent as SELECT during the Client
	// handshake. A Subscriber does not send it.
	Database int64

	// ConnectTimeout bounds each individual connect attempt. Zero defaults
	// to one second.
	ConnectTimeout time.Duration

	// ReceiveTimeout is the per-request deadline; zero disables it.
	ReceiveTimeout time.Duration

	// MaxWriteBatchSize is the byte budget the pipelining writer (C4)
	// accumulates before it flushes. Zero defaults to 16 KiB.
	MaxWriteBatchSize int

	// TCPSendBufferHint and TCPRecvBufferHint set the corresponding socket
	// buffer sizes when nonzero (SO_SNDBUF / SO_RCVBUF).
	TCPSendBufferHint int
	TCPRecvBufferHint int

	// AutoReconnect enables the reconnect-and-replay path of §4.5. When
	// false, any connection loss fails every pending request with
	// ConnectionClosed and the Client moves to Closed; it does not reconnect.
	AutoReconnect bool

	// Backoff configures the reconnect delay policy. The zero value uses
	// backoff.DefaultPolicy.
	Backoff backoff.Policy

	// MaxReconnectAttempts bounds consecutive failed connect or handshake
	// attempts under AutoReconnect: once that many fail in a row, the client
	// gives up, moves to Closed and fails every parked or replay-queued
	// request with ConnectionClosed. How long an individual request has
	// waited is not tracked. Zero means unbounded (retry forever).
	MaxReconnectAttempts int

	// PendingQueueHighWaterMark caps the number of requests awaiting a
	// reply before new submissions fail fast with BackpressureExceeded.
	// Zero defaults to 1<<16.
	PendingQueueHighWaterMark int

	// SendBufferHighWaterMark caps how many requests may be parked while
	// AutoReconnect is reconnecting before submission fails fast with
	// BackpressureExceeded. Zero defaults to 1<<12.
	SendBufferHighWaterMark int

	// HealthCheckInterval, when nonzero, makes the Client's supervisor check
	// at that interval and issue a PING whenever no request is awaiting a
	// reply at the moment of the check, surfacing a dead peer before a caller
	// notices. How long the connection has been idle is not measured. A
	// Subscriber does not send health-check PINGs. See SPEC_FULL.md
	// Supplemented Features.
	HealthCheckInterval time.Duration

	// Logger receives structured lifecycle events. Nil (the default) turns
	// logging off.
	Logger *zerolog.Logger

	// OnStateChange, when non-nil, is invoked on every state transition of
	// the connection state machine; err is non-nil for transitions caused by
	// an error. This is the "connection-health observer" spec §7 requires
	// for errors that are not request-scoped.
	OnStateChange func(State, error)
}

// Validate rejects option combinations that can never produce a working
// client, the way other_examples/80be4578_entertainment-venue-rcproxy__core-pkg-redis-conn.go.go's
// dialOptions are sanity-checked before Dial proceeds.
func (o *Options) Validate() error {
	if o.Port < 0 || o.Port > 65535 {
		return errors.Errorf("redis: invalid port %d", o.Port)
	}
	if o.MaxWriteBatchSize < 0 {
		return errors.New("redis: MaxWriteBatchSize must not be negative")
	}
	if o.ConnectTimeout < 0 {
		return errors.New("redis: ConnectTimeout must not be negative")
	}
	if o.ReceiveTimeout < 0 {
		return errors.New("redis: ReceiveTimeout must not be negative")
	}
	if o.MaxReconnectAttempts < 0 {
		return errors.New("redis: MaxReconnectAttempts must not be negative")
	}
	if o.PendingQueueHighWaterMark < 0 || o.SendBufferHighWaterMark < 0 {
		return errors.New("redis: high-water marks must not be negative")
	}
	return nil
}

func (o *Options) addr() string {
	if isUnixAddr(o.Host) {
		return normalizeAddr(o.Host)
	}
	if o.Port == 0 {
		return normalizeAddr(o.Host)
	}
	return normalizeAddr(fmt.Sprintf("%s:%d", o.Host, o.Port))
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = time.Second
	}
	if out.MaxWriteBatchSize == 0 {
		out.MaxWriteBatchSize = 16 << 10
	}
	if out.PendingQueueHighWaterMark == 0 {
		out.PendingQueueHighWaterMark = 1 << 16
	}
	if out.SendBufferHighWaterMark == 0 {
		out.SendBufferHighWaterMark = 1 << 12
	}
	if out.Logger == nil {
		out.Logger = &nopLogger
	}
	return out
}

var nopLogger = zerolog.Nop()
