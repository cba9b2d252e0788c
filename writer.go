package redis

import (
	"net"
	"time"
)

// runWriter is the pipelining writer task (C4). It drains pendingRequest
// frames from writeCh and flushes to conn when either the accumulated
// encoded size reaches batchBudget bytes, or the queue is momentarily
// empty — pipelining under load, minimal latency under light load, no
// timer required.
//
// It returns when stop or writeCh is closed (clean shutdown) or a write
// fails (connection loss, which the supervisor turns into a reconnect).
func runWriter(conn net.Conn, writeCh <-chan pendingRequest, batchBudget int, writeTimeout time.Duration, stop <-chan struct{}) error {
	buf := make([]byte, 0, batchBudget)

	for {
		select {
		case <-stop:
			return nil

		case req, ok := <-writeCh:
			if !ok {
				return nil
			}
			buf = append(buf, req.frameBytes()...)

		drain:
			for len(buf) < batchBudget {
				select {
				case req2, ok := <-writeCh:
					if !ok {
						break drain
					}
					buf = append(buf, req2.frameBytes()...)
				default:
					break drain
				}
			}

			if writeTimeout > 0 {
				if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
					return err
				}
			}
			if _, err := conn.Write(buf); err != nil {
				return err
			}
			buf = buf[:0]
		}
	}
}
