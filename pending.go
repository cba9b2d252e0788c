package redis

import (
	"sync"

	"github.com/nsrv/redisasync/resp"
)

// pendingQueue is the demultiplexer (C5): the FIFO of requests for which a
// reply is outstanding. Order of insertion equals order of write to the
// socket, and every decoded top-level value completes the head of the
// queue — this is what gives FIFO reply matching on one connection.
//
// No network I/O happens while the mutex is held (spec §5 shared
// resources); the lock only ever guards slice bookkeeping and is released
// before the caller blocks on anything.
type pendingQueue struct {
	mu    sync.Mutex
	items []pendingRequest
}

func (q *pendingQueue) push(r pendingRequest) int {
	q.mu.Lock()
	q.items = append(q.items, r)
	n := len(q.items)
	q.mu.Unlock()
	return n
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	n := len(q.items)
	q.mu.Unlock()
	return n
}

// completeHead pops the oldest pending request and completes it with v. It
// reports false if the queue was empty — a push frame reached here, or the
// server sent an unsolicited reply, which the caller treats as a protocol
// violation.
func (q *pendingQueue) completeHead(v resp.Value) bool {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return false
	}
	head := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.mu.Unlock()

	head.completeValue(v)
	return true
}

// drainForReplay empties the queue on connection loss. Idempotent requests
// are returned, in order, for replay on the next connection; non-idempotent
// requests are completed in place with ConnectionClosed, because the client
// cannot know whether the server executed them (spec §4.5).
func (q *pendingQueue) drainForReplay() []pendingRequest {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	replay := make([]pendingRequest, 0, len(items))
	for _, r := range items {
		if r.isIdempotent() {
			replay = append(replay, r)
		} else {
			r.completeError(ConnectionClosed{Reason: "connection lost before reply"})
		}
	}
	return replay
}

// failAll empties the queue, completing every request — idempotent or not
// — with err. Used when auto-reconnect is disabled or the client is
// closing for good.
func (q *pendingQueue) failAll(err error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, r := range items {
		r.completeError(err)
	}
}
