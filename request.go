package redis

import (
	"sync"
	"time"

	"github.com/nsrv/redisasync/resp"
)

// pendingRequest is the type-erased view of a Request that the connection
// state machine (C3/C6) and its pending queue (C5) operate on: they need to
// write the encoded frame, know replay eligibility, and complete the
// request — never its typed result.
type pendingRequest interface {
	frameBytes() []byte
	commandName() string
	isIdempotent() bool

	// completeValue and completeError are the one-shot completion slot's
	// two producers (spec §4.2): C5 on a matched reply, C3/C6 on connection
	// loss. Both are safe to call more than once; only the first call wins.
	completeValue(resp.Value)
	completeError(error)
}

type result[T any] struct {
	val T
	err error
}

// Request carries a command's pre-encoded wire frame (so the hot path under
// the write lock does no serialization work), the decoder that turns a
// matched reply into T, and a one-shot completion slot. Exactly one
// producer (the demultiplexer or the connection on loss) completes it;
// exactly one consumer (the caller of Await) reads the result.
type Request[T any] struct {
	frame      []byte
	name       string
	idempotent bool
	decode     func(resp.Value) (T, error)

	once sync.Once
	done chan result[T]
}

// newRequest builds a Request with its completion slot ready to receive.
func newRequest[T any](frame []byte, name string, idempotent bool, decode func(resp.Value) (T, error)) *Request[T] {
	return &Request[T]{
		frame:      frame,
		name:       name,
		idempotent: idempotent,
		decode:     decode,
		done:       make(chan result[T], 1),
	}
}

func (r *Request[T]) frameBytes() []byte  { return r.frame }
func (r *Request[T]) commandName() string { return r.name }
func (r *Request[T]) isIdempotent() bool  { return r.idempotent }

func (r *Request[T]) completeValue(v resp.Value) {
	r.once.Do(func() {
		if v.Kind == resp.Error {
			r.done <- result[T]{err: newServerError(v)}
			return
		}
		val, err := r.decode(v)
		r.done <- result[T]{val: val, err: err}
	})
}

func (r *Request[T]) completeError(err error) {
	r.once.Do(func() {
		r.done <- result[T]{err: err}
	})
}

// Await blocks until the request completes, or until timeout elapses
// (timeout <= 0 disables the local deadline). A local timeout returns
// Timeout without marking the request complete: the wire reply, if any,
// still arrives later and is matched and discarded — dropping the future
// never frees the pending-queue slot out of order (spec §5 Cancellation).
func (r *Request[T]) Await(timeout time.Duration) (T, error) {
	if timeout <= 0 {
		res := <-r.done
		return res.val, res.err
	}
	select {
	case res := <-r.done:
		return res.val, res.err
	case <-time.After(timeout):
		var zero T
		return zero, Timeout{Command: r.name}
	}
}
