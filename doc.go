// Package redis is an asynchronous, pipelining client for Redis-compatible
// servers speaking RESP. A Client multiplexes concurrent commands over one
// managed TCP (or Unix domain socket) connection, replaying idempotent
// requests across reconnects when Options.AutoReconnect is set. A
// Subscriber is the restricted pub/sub specialization of the same
// connection state machine.
//
// Commands complete through a one-shot Request[T]; see Client.Get,
// Client.Set and friends in commands.go for the leaves built on it.
package redis
