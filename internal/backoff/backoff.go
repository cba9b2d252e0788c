// Package backoff adapts github.com/cenkalti/backoff/v4's exponential
// backoff into the base/cap/jitter policy shape spec §4.5 asks for.
package backoff

import (
	"time"

	cb "github.com/cenkalti/backoff/v4"
)

// Policy configures reconnect backoff: exponential growth from Base,
// clamped at Cap, randomized by Jitter. It mirrors the reconnection
// strategy shape used in other_examples/b07727bd_grafana-k6__vendor-github.com-r3labs-sse-v2-client.go.go,
// which plugs a backoff.BackOff into backoff.RetryNotify around its dial
// loop.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // randomization factor in [0,1], same semantics as ExponentialBackOff.RandomizationFactor
}

// DefaultPolicy is used when Options.Backoff is the zero value.
var DefaultPolicy = Policy{
	Base:   50 * time.Millisecond,
	Cap:    2 * time.Second,
	Jitter: 0.2,
}

func (p Policy) orDefault() Policy {
	if p.Base <= 0 {
		p = DefaultPolicy
	}
	if p.Cap <= 0 {
		p.Cap = DefaultPolicy.Cap
	}
	return p
}

// New returns a cenkalti/backoff BackOff configured per Policy with no
// elapsed-time ceiling: giving up after too many attempts is the state
// machine's responsibility (Options.MaxReconnectAttempts), not the backoff
// policy's.
func (p Policy) New() cb.BackOff {
	p = p.orDefault()
	b := cb.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Cap
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
