package redis

import (
	"net"
	"sync"
	"time"

	cb "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nsrv/redisasync/resp"
)

// connHandle is the writer-facing half of whichever connection attempt is
// currently Ready. The supervisor swaps it atomically on every reconnect;
// submit reads it under Client.mu together with the current state so the
// two never disagree.
type connHandle struct {
	writeCh chan pendingRequest
}

// Client owns one TCP (or Unix domain socket) connection to a Redis-
// compatible node and multiplexes concurrent requests over it. It is the
// connection state machine of spec §4.3 (C3): Disconnected → Connecting →
// Authenticating → Ready → Draining → Closed, with automated reconnection
// and pending-request replay when Options.AutoReconnect is set.
//
// Multiple goroutines may submit requests on a Client simultaneously;
// submissions pipeline onto the wire per <https://redis.io/topics/pipelining>.
type Client struct {
	opts Options
	addr string

	mu      sync.Mutex
	state   State
	lastErr error
	handle  connHandle

	// submitMu orders a pending-queue push together with the corresponding
	// writeCh send, so two concurrent Ready-state submissions can never be
	// recorded in different relative orders by the two structures.
	submitMu sync.Mutex

	pending *pendingQueue
	parked  chan pendingRequest // bounded send buffer used while not Ready

	closeCh      chan struct{}
	closeOnce    sync.Once
	closedDone   chan struct{}
	finalizeOnce sync.Once
}

// NewClient launches a managed connection and returns immediately; the
// supervisor connects in the background. The host defaults to "localhost"
// and the port to 6379, so a zero-value Options{} dials "localhost:6379".
// Use an absolute path in Options.Host (e.g. "/var/run/redis.sock") for a
// Unix domain socket.
func NewClient(opts Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	c := &Client{
		opts:       opts,
		addr:       opts.addr(),
		state:      Disconnected,
		pending:    &pendingQueue{},
		parked:     make(chan pendingRequest, opts.SendBufferHighWaterMark),
		closeCh:    make(chan struct{}),
		closedDone: make(chan struct{}),
	}

	go c.superviseLoop()
	return c, nil
}

// State reports the connection's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops command submission (ConnectionClosed while Draining, ErrClosed
// once Closed), lets in-flight replies complete (Draining), then tears down
// the socket. Calling Close more than
// once has no effect.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
	<-c.closedDone
	return nil
}

func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	c.lastErr = err
	c.mu.Unlock()
	c.opts.Logger.Debug().Str("addr", c.addr).Str("state", s.String()).Err(err).Msg("redis: state change")
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s, err)
	}
}

func (c *Client) setHandle(h connHandle) {
	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()
}

// submit is the write path of spec §4.3, shared by Client and the command
// leaves built on top of it.
func (c *Client) submit(req pendingRequest) error {
	c.mu.Lock()
	state := c.state
	lastErr := c.lastErr
	wc := c.handle.writeCh
	c.mu.Unlock()

	switch state {
	case Closed:
		select {
		case <-c.closeCh:
			return ErrClosed
		default:
		}
		// The client gave up on its own (AutoReconnect off, or
		// MaxReconnectAttempts reached): keep the error that ended it.
		return ConnectionClosed{Reason: errString(lastErr), Cause: lastErr}
	case Draining:
		return ConnectionClosed{Reason: "draining"}

	case Ready:
		if c.pending.len() >= c.opts.PendingQueueHighWaterMark {
			return BackpressureExceeded{Limit: c.opts.PendingQueueHighWaterMark}
		}
		c.submitMu.Lock()
		c.pending.push(req)
		wc <- req
		c.submitMu.Unlock()
		return nil

	default: // Disconnected, Connecting, Authenticating
		if !c.opts.AutoReconnect {
			reason := "not connected"
			if lastErr != nil {
				reason = lastErr.Error()
			}
			return ConnectionClosed{Reason: reason, Cause: lastErr}
		}
		select {
		case c.parked <- req:
			return nil
		default:
			return BackpressureExceeded{Limit: c.opts.SendBufferHighWaterMark}
		}
	}
}

// onValue is the demultiplexer callback the reader task invokes for every
// decoded top-level value: it completes the head of the pending queue
// (spec §4.3 Read path). A value with nothing pending for it is a protocol
// violation — the server sent more replies than were requested.
func (c *Client) onValue(v resp.Value) error {
	if !c.pending.completeHead(v) {
		return ProtocolError{Cause: errors.New("reply received with no matching pending request")}
	}
	return nil
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout(network(c.addr), c.addr, c.opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		if c.opts.TCPSendBufferHint > 0 {
			_ = tcp.SetWriteBuffer(c.opts.TCPSendBufferHint)
		}
		if c.opts.TCPRecvBufferHint > 0 {
			_ = tcp.SetReadBuffer(c.opts.TCPRecvBufferHint)
		}
	}
	return conn, nil
}

// handshake performs, in order, only the steps whose configuration is
// present: AUTH, CLIENT SETNAME, SELECT (spec §4.3 Authenticating). dec
// keeps any bytes the server flushes immediately after the handshake
// (e.g. a subscriber's first push) so the main reader task picks up
// exactly where the handshake left off.
func (c *Client) handshake(conn net.Conn, dec *resp.Decoder) error {
	if c.opts.Auth != nil {
		var args [][]byte
		if c.opts.Auth.Username != "" {
			args = [][]byte{[]byte("AUTH"), []byte(c.opts.Auth.Username), []byte(c.opts.Auth.Password)}
		} else {
			args = [][]byte{[]byte("AUTH"), []byte(c.opts.Auth.Password)}
		}
		v, err := c.handshakeExchange(conn, dec, args)
		if err != nil {
			return err
		}
		if v.Kind == resp.Error {
			return AuthFailed{Kind: v.ErrorKind(), Message: v.Str}
		}
	}

	if c.opts.ClientName != "" {
		args := [][]byte{[]byte("CLIENT"), []byte("SETNAME"), []byte(c.opts.ClientName)}
		v, err := c.handshakeExchange(conn, dec, args)
		if err != nil {
			return err
		}
		if v.Kind == resp.Error {
			return errors.Errorf("redis: CLIENT SETNAME rejected: %s", v.Str)
		}
	}

	if c.opts.Database != 0 {
		args := [][]byte{[]byte("SELECT"), []byte(itoa(c.opts.Database))}
		v, err := c.handshakeExchange(conn, dec, args)
		if err != nil {
			return err
		}
		if v.Kind == resp.Error {
			return errors.Errorf("redis: SELECT rejected: %s", v.Str)
		}
	}

	return nil
}

func (c *Client) handshakeExchange(conn net.Conn, dec *resp.Decoder, args [][]byte) (resp.Value, error) {
	if c.opts.ConnectTimeout > 0 {
		deadline := time.Now().Add(c.opts.ConnectTimeout)
		if err := conn.SetDeadline(deadline); err != nil {
			return resp.Value{}, err
		}
		defer conn.SetDeadline(time.Time{})
	}
	if _, err := conn.Write(resp.EncodeCommand(args)); err != nil {
		return resp.Value{}, err
	}
	return readOneValue(conn, dec)
}

// readOneValue blocks on conn.Read until dec can produce one complete
// value, feeding it as bytes arrive. It is only used for the synchronous
// handshake exchanges above; the steady-state read path is runReader.
func readOneValue(conn net.Conn, dec *resp.Decoder) (resp.Value, error) {
	for {
		v, ok, err := dec.Decode()
		if err != nil {
			return resp.Value{}, ProtocolError{Cause: err}
		}
		if ok {
			return v, nil
		}
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			return resp.Value{}, err
		}
	}
}

// runReader is the reader task (C1 + C5): it drains the socket into the
// wire codec and invokes onValue for every decoded top-level reply.
func runReader(conn net.Conn, dec *resp.Decoder, onValue func(resp.Value) error) error {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				v, ok, derr := dec.Decode()
				if derr != nil {
					return ProtocolError{Cause: derr}
				}
				if !ok {
					break
				}
				if verr := onValue(v); verr != nil {
					return verr
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

// superviseLoop is the supervisor task: it owns the state machine,
// reconnect/backoff, and handshake, and spawns a fresh reader+writer pair
// for every connection attempt (spec §5 "one supervisor, a reader and a
// writer task per logical connection").
func (c *Client) superviseLoop() {
	connID := uuid.NewString()
	bo := c.opts.Backoff.New()
	attempt := 0
	var replayQueue []pendingRequest

	logger := c.opts.Logger.With().Str("addr", c.addr).Logger()

	for {
		select {
		case <-c.closeCh:
			c.finalizeClosed(replayQueue, ErrClosed)
			return
		default:
		}

		c.setState(Connecting, nil)
		conn, err := c.dial()
		if err != nil {
			c.setState(Disconnected, errors.Wrap(err, "redis: dial failed"))
			attempt++
			logger.Warn().Str("conn", connID).Int("attempt", attempt).Err(err).Msg("redis: dial failed")
			if c.giveUpAfter(attempt) {
				c.finalizeClosed(replayQueue, err)
				return
			}
			if !c.waitBackoff(bo) {
				c.finalizeClosed(replayQueue, ErrClosed)
				return
			}
			continue
		}

		dec := resp.NewDecoder()
		c.setState(Authenticating, nil)
		if err := c.handshake(conn, dec); err != nil {
			conn.Close()
			c.setState(Disconnected, err)
			attempt++
			logger.Warn().Str("conn", connID).Int("attempt", attempt).Err(err).Msg("redis: handshake failed")
			if c.giveUpAfter(attempt) {
				c.finalizeClosed(replayQueue, err)
				return
			}
			if !c.waitBackoff(bo) {
				c.finalizeClosed(replayQueue, ErrClosed)
				return
			}
			continue
		}

		attempt = 0
		bo = c.opts.Backoff.New()
		connID = uuid.NewString()

		writeCh := make(chan pendingRequest, c.opts.PendingQueueHighWaterMark)
		c.setHandle(connHandle{writeCh: writeCh})
		c.setState(Ready, nil)
		logger.Debug().Str("conn", connID).Msg("redis: ready")

		c.submitMu.Lock()
		for _, r := range replayQueue {
			c.pending.push(r)
			writeCh <- r
		}
		replayQueue = nil
	drainParked:
		for {
			select {
			case r := <-c.parked:
				c.pending.push(r)
				writeCh <- r
			default:
				break drainParked
			}
		}
		c.submitMu.Unlock()

		connErr := c.runConnection(conn, dec, writeCh)
		conn.Close()
		c.setState(Disconnected, connErr)
		logger.Warn().Str("conn", connID).Err(connErr).Msg("redis: connection lost")

		replay := c.pending.drainForReplay()
		if !c.opts.AutoReconnect {
			failErr := ConnectionClosed{Reason: connErr.Error(), Cause: connErr}
			for _, r := range replay {
				r.completeError(failErr)
			}
			c.finalizeClosed(nil, connErr)
			return
		}
		replayQueue = replay

		select {
		case <-c.closeCh:
			c.finalizeClosed(replayQueue, ErrClosed)
			return
		default:
		}
	}
}

// runConnection runs the reader and writer tasks for one live connection
// and returns when either fails or Close is requested.
func (c *Client) runConnection(conn net.Conn, dec *resp.Decoder, writeCh chan pendingRequest) error {
	readerErr := make(chan error, 1)
	writerErr := make(chan error, 1)
	stop := make(chan struct{})

	go func() { readerErr <- runReader(conn, dec, c.onValue) }()
	go func() { writerErr <- runWriter(conn, writeCh, c.opts.MaxWriteBatchSize, c.opts.ConnectTimeout, stop) }()

	var healthTick <-chan time.Time
	if c.opts.HealthCheckInterval > 0 {
		t := time.NewTicker(c.opts.HealthCheckInterval)
		defer t.Stop()
		healthTick = t.C
	}

	for {
		select {
		case err := <-readerErr:
			close(stop)
			conn.Close()
			<-writerErr
			if err == nil {
				err = errors.New("reader task exited")
			}
			return err

		case err := <-writerErr:
			conn.Close()
			<-readerErr
			if err == nil {
				err = errors.New("writer task exited")
			}
			return err

		case <-c.closeCh:
			c.setState(Draining, nil)
			c.drainThenClose(conn, writeCh)
			conn.Close()
			close(stop)
			<-readerErr
			<-writerErr
			return errClientClosing

		case <-healthTick:
			if c.pending.len() == 0 {
				ping := newRequest(resp.EncodeCommand([][]byte{[]byte("PING")}), "PING", true, decodeSimpleOK)
				c.submitMu.Lock()
				c.pending.push(ping)
				writeCh <- ping
				c.submitMu.Unlock()
			}
		}
	}
}

// drainThenClose lets in-flight replies complete before the socket closes,
// per the Ready -> Draining -> Closed transition; it gives up and closes
// anyway after ConnectTimeout if stragglers never reply.
func (c *Client) drainThenClose(conn net.Conn, writeCh chan pendingRequest) {
	deadline := time.After(c.opts.ConnectTimeout)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for c.pending.len() > 0 {
		select {
		case <-ticker.C:
			continue
		case <-deadline:
			return
		}
	}
}

var errClientClosing = errors.New("redis: client closing")

func (c *Client) giveUpAfter(attempt int) bool {
	if !c.opts.AutoReconnect {
		return true
	}
	if c.opts.MaxReconnectAttempts > 0 && attempt >= c.opts.MaxReconnectAttempts {
		return true
	}
	return false
}

// waitBackoff sleeps for the next backoff interval, or returns false if
// Close was requested meanwhile.
func (c *Client) waitBackoff(bo cb.BackOff) bool {
	select {
	case <-time.After(bo.NextBackOff()):
		return true
	case <-c.closeCh:
		return false
	}
}

func (c *Client) finalizeClosed(replayQueue []pendingRequest, err error) {
	c.finalizeOnce.Do(func() {
		c.setState(Closed, err)
		closeErr := ConnectionClosed{Reason: errString(err), Cause: err}
		for _, r := range replayQueue {
			r.completeError(closeErr)
		}
		c.pending.failAll(closeErr)
	drainParked:
		for {
			select {
			case r := <-c.parked:
				r.completeError(closeErr)
			default:
				break drainParked
			}
		}
		close(c.closedDone)
	})
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}
