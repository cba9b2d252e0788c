package redis

import (
	"net"
	"strings"
	"sync"
	"time"

	cb "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nsrv/redisasync/resp"
)

// allowedSubscriberCommands is the restricted command set a subscriber
// connection may issue (spec's Subscriber specialization of C3): the
// pub/sub admin verbs, PING for liveness, and QUIT. Anything else is
// rejected locally with InvalidStateForCommand — a subscriber connection
// that also tried to run GET would have no way to tell a keyspace reply
// apart from a push frame.
var allowedSubscriberCommands = map[string]bool{
	"SUBSCRIBE":    true,
	"UNSUBSCRIBE":  true,
	"PSUBSCRIBE":   true,
	"PUNSUBSCRIBE": true,
	"PING":         true,
	"QUIT":         true,
}

// SubscriptionHandlers are the callbacks a Subscriber dispatches decoded
// push frames to. Handlers run on the subscriber's own reader goroutine;
// a slow or blocking handler delays classification of the next push.
type SubscriptionHandlers struct {
	OnMessage      func(channel string, payload []byte)
	OnPMessage     func(pattern, channel string, payload []byte)
	OnSubscribe    func(channel string, count int64)
	OnUnsubscribe  func(channel string, count int64)
	OnPSubscribe   func(pattern string, count int64)
	OnPUnsubscribe func(pattern string, count int64)
	OnError        func(error)
}

func (h SubscriptionHandlers) message(channel string, payload []byte) {
	if h.OnMessage != nil {
		h.OnMessage(channel, payload)
	}
}
func (h SubscriptionHandlers) pmessage(pattern, channel string, payload []byte) {
	if h.OnPMessage != nil {
		h.OnPMessage(pattern, channel, payload)
	}
}
func (h SubscriptionHandlers) subscribe(channel string, n int64) {
	if h.OnSubscribe != nil {
		h.OnSubscribe(channel, n)
	}
}
func (h SubscriptionHandlers) unsubscribe(channel string, n int64) {
	if h.OnUnsubscribe != nil {
		h.OnUnsubscribe(channel, n)
	}
}
func (h SubscriptionHandlers) psubscribe(pattern string, n int64) {
	if h.OnPSubscribe != nil {
		h.OnPSubscribe(pattern, n)
	}
}
func (h SubscriptionHandlers) punsubscribe(pattern string, n int64) {
	if h.OnPUnsubscribe != nil {
		h.OnPUnsubscribe(pattern, n)
	}
}
func (h SubscriptionHandlers) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// rawFrame adapts a pre-encoded command to the pendingRequest interface so
// Subscriber can reuse the pipelining writer (C4) unchanged. A subscriber
// connection has no FIFO reply to match — every reply it receives is a
// self-describing push frame — so completeValue/completeError are no-ops.
type rawFrame struct {
	frame []byte
	name  string
}

func (r rawFrame) frameBytes() []byte       { return r.frame }
func (r rawFrame) commandName() string      { return r.name }
func (r rawFrame) isIdempotent() bool       { return true }
func (r rawFrame) completeValue(resp.Value) {}
func (r rawFrame) completeError(error)      {}

// Subscriber is the pub/sub specialization of the connection state machine
// (spec's C6): it restricts the command set to SUBSCRIBE/UNSUBSCRIBE/
// PSUBSCRIBE/PUNSUBSCRIBE/PING/QUIT, classifies every reply as a push
// frame rather than matching it FIFO to a request, and resubscribes the
// full wanted set on every reconnect before admitting new caller commands.
type Subscriber struct {
	opts     Options
	addr     string
	handlers SubscriptionHandlers

	mu      sync.Mutex
	state   State
	lastErr error
	writeCh chan pendingRequest
	parked  chan pendingRequest // bounded send buffer used while not Ready, mirrors Client.parked

	subMu      sync.Mutex
	channels   map[string]bool // wanted
	patterns   map[string]bool
	confirmed  map[string]bool
	confirmedP map[string]bool

	closeCh      chan struct{}
	closeOnce    sync.Once
	closedDone   chan struct{}
	finalizeOnce sync.Once
}

// NewSubscriber launches a managed subscriber connection and returns
// immediately; the supervisor connects and, on every (re)connect, replays
// SUBSCRIBE/PSUBSCRIBE for the full wanted set before any newly submitted
// command is written (spec's reconnect-resubscribe requirement).
func NewSubscriber(opts Options, handlers SubscriptionHandlers) (*Subscriber, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	s := &Subscriber{
		opts:       opts,
		addr:       opts.addr(),
		handlers:   handlers,
		state:      Disconnected,
		channels:   map[string]bool{},
		patterns:   map[string]bool{},
		confirmed:  map[string]bool{},
		confirmedP: map[string]bool{},
		parked:     make(chan pendingRequest, opts.SendBufferHighWaterMark),
		closeCh:    make(chan struct{}),
		closedDone: make(chan struct{}),
	}
	go s.superviseLoop()
	return s, nil
}

// State reports the subscriber connection's current state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close stops the subscriber and tears down its socket. Calling Close more
// than once has no effect.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	<-s.closedDone
	return nil
}

func (s *Subscriber) setState(st State, err error) {
	s.mu.Lock()
	s.state = st
	s.lastErr = err
	s.mu.Unlock()
	s.opts.Logger.Debug().Str("addr", s.addr).Str("state", st.String()).Err(err).Msg("redis: subscriber state change")
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st, err)
	}
}

func (s *Subscriber) setWriteCh(wc chan pendingRequest) {
	s.mu.Lock()
	s.writeCh = wc
	s.mu.Unlock()
}

// Command writes a single restricted command frame. It is the building
// block Subscribe/Unsubscribe/PSubscribe/PUnsubscribe/Ping use; exported so
// a caller that needs bespoke PING keepalive timing can still reach the
// wire without being handed a general-purpose Send.
func (s *Subscriber) Command(name string, args ...string) error {
	if !allowedSubscriberCommands[name] {
		return InvalidStateForCommand{Command: name}
	}
	frame := make([][]byte, 0, 1+len(args))
	frame = append(frame, []byte(name))
	for _, a := range args {
		frame = append(frame, []byte(a))
	}

	s.mu.Lock()
	state := s.state
	wc := s.writeCh
	lastErr := s.lastErr
	s.mu.Unlock()

	req := rawFrame{frame: resp.EncodeCommand(frame), name: name}

	switch state {
	case Ready:
		wc <- req
		return nil
	case Closed:
		select {
		case <-s.closeCh:
			return ErrClosed
		default:
		}
		// The subscriber gave up on its own (AutoReconnect off, or
		// MaxReconnectAttempts reached): keep the error that ended it.
		return ConnectionClosed{Reason: errString(lastErr), Cause: lastErr}
	case Draining:
		return ConnectionClosed{Reason: "draining"}
	default: // Disconnected, Connecting, Authenticating
		if !s.opts.AutoReconnect {
			reason := "not connected"
			if lastErr != nil {
				reason = lastErr.Error()
			}
			return ConnectionClosed{Reason: reason, Cause: lastErr}
		}
		select {
		case s.parked <- req:
			return nil
		default:
			return BackpressureExceeded{Limit: s.opts.SendBufferHighWaterMark}
		}
	}
}

// Subscribe adds channels to the wanted set and, if Ready, issues SUBSCRIBE
// immediately. A reconnect replays the full wanted set regardless.
func (s *Subscriber) Subscribe(channels ...string) error {
	s.subMu.Lock()
	for _, c := range channels {
		s.channels[c] = true
	}
	s.subMu.Unlock()
	return s.Command("SUBSCRIBE", channels...)
}

// Unsubscribe removes channels from the wanted set and issues UNSUBSCRIBE.
func (s *Subscriber) Unsubscribe(channels ...string) error {
	s.subMu.Lock()
	for _, c := range channels {
		delete(s.channels, c)
	}
	s.subMu.Unlock()
	return s.Command("UNSUBSCRIBE", channels...)
}

// PSubscribe adds patterns to the wanted set and issues PSUBSCRIBE.
func (s *Subscriber) PSubscribe(patterns ...string) error {
	s.subMu.Lock()
	for _, p := range patterns {
		s.patterns[p] = true
	}
	s.subMu.Unlock()
	return s.Command("PSUBSCRIBE", patterns...)
}

// PUnsubscribe removes patterns from the wanted set and issues PUNSUBSCRIBE.
func (s *Subscriber) PUnsubscribe(patterns ...string) error {
	s.subMu.Lock()
	for _, p := range patterns {
		delete(s.patterns, p)
	}
	s.subMu.Unlock()
	return s.Command("PUNSUBSCRIBE", patterns...)
}

// Ping issues a liveness PING; the reply arrives as an ordinary push frame
// and is discarded, since pub/sub connections have no caller waiting on it.
func (s *Subscriber) Ping() error { return s.Command("PING") }

// onPush classifies a single decoded value as a pub/sub push frame (spec's
// push classification requirement) and dispatches to handlers, updating
// the confirmed subscription set on subscribe/unsubscribe acks.
func (s *Subscriber) onPush(v resp.Value) error {
	// A PING reply (+PONG outside subscribed mode, a "pong" array inside it)
	// has no handler and is discarded.
	if v.Kind == resp.SimpleString && strings.EqualFold(v.Str, "PONG") {
		return nil
	}
	if v.Kind == resp.Array && len(v.Array) > 0 && v.Array[0].Kind == resp.BulkString &&
		strings.EqualFold(string(v.Array[0].Bulk), "pong") {
		return nil
	}
	if v.Kind != resp.Array || len(v.Array) < 3 {
		return ProtocolError{Cause: errors.New("subscriber: malformed push frame")}
	}
	head := v.Array[0]
	if head.Kind != resp.BulkString || head.Null {
		return ProtocolError{Cause: errors.New("subscriber: push frame missing type")}
	}
	// spec §4.1 requires case-insensitive matching of the push type token.
	kind := strings.ToLower(string(head.Bulk))

	switch kind {
	case "message":
		channel, payload, err := bulkPair(v.Array[1], v.Array[2])
		if err != nil {
			return err
		}
		s.handlers.message(channel, payload)

	case "pmessage":
		if len(v.Array) < 4 {
			return ProtocolError{Cause: errors.New("subscriber: malformed pmessage")}
		}
		pattern, channel, err := bulkPair(v.Array[1], v.Array[2])
		if err != nil {
			return err
		}
		if v.Array[3].Kind != resp.BulkString || v.Array[3].Null {
			return ProtocolError{Cause: errors.New("subscriber: malformed pmessage payload")}
		}
		s.handlers.pmessage(pattern, channel, v.Array[3].Bulk)

	case "subscribe", "unsubscribe", "psubscribe", "punsubscribe":
		name, count, err := nameCountPair(v.Array[1], v.Array[2])
		if err != nil {
			return err
		}
		s.subMu.Lock()
		switch kind {
		case "subscribe":
			s.confirmed[name] = true
		case "unsubscribe":
			delete(s.confirmed, name)
		case "psubscribe":
			s.confirmedP[name] = true
		case "punsubscribe":
			delete(s.confirmedP, name)
		}
		s.subMu.Unlock()
		switch kind {
		case "subscribe":
			s.handlers.subscribe(name, count)
		case "unsubscribe":
			s.handlers.unsubscribe(name, count)
		case "psubscribe":
			s.handlers.psubscribe(name, count)
		case "punsubscribe":
			s.handlers.punsubscribe(name, count)
		}

	default:
		return ProtocolError{Cause: errors.Errorf("subscriber: unknown push kind %q", kind)}
	}
	return nil
}

func bulkPair(a, b resp.Value) (string, []byte, error) {
	if a.Kind != resp.BulkString || a.Null || b.Kind != resp.BulkString || b.Null {
		return "", nil, ProtocolError{Cause: errors.New("subscriber: malformed push fields")}
	}
	return string(a.Bulk), b.Bulk, nil
}

func nameCountPair(a, b resp.Value) (string, int64, error) {
	if a.Kind != resp.BulkString || a.Null || b.Kind != resp.Integer {
		return "", 0, ProtocolError{Cause: errors.New("subscriber: malformed subscribe ack")}
	}
	return string(a.Bulk), b.Int, nil
}

func (s *Subscriber) dial() (net.Conn, error) {
	conn, err := net.DialTimeout(network(s.addr), s.addr, s.opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		if s.opts.TCPSendBufferHint > 0 {
			_ = tcp.SetWriteBuffer(s.opts.TCPSendBufferHint)
		}
		if s.opts.TCPRecvBufferHint > 0 {
			_ = tcp.SetReadBuffer(s.opts.TCPRecvBufferHint)
		}
	}
	return conn, nil
}

// resubscribe reissues SUBSCRIBE/PSUBSCRIBE for the full wanted set on a
// fresh connection, ahead of anything a caller submits afterward, so the
// server's view of the subscription set never misses a reconnect window.
func (s *Subscriber) resubscribe(writeCh chan pendingRequest) {
	s.subMu.Lock()
	channels := make([]string, 0, len(s.channels))
	for c := range s.channels {
		channels = append(channels, c)
	}
	patterns := make([]string, 0, len(s.patterns))
	for p := range s.patterns {
		patterns = append(patterns, p)
	}
	s.subMu.Unlock()

	if len(channels) > 0 {
		frame := append([][]byte{[]byte("SUBSCRIBE")}, toBytesSlice(channels)...)
		writeCh <- rawFrame{frame: resp.EncodeCommand(frame), name: "SUBSCRIBE"}
	}
	if len(patterns) > 0 {
		frame := append([][]byte{[]byte("PSUBSCRIBE")}, toBytesSlice(patterns)...)
		writeCh <- rawFrame{frame: resp.EncodeCommand(frame), name: "PSUBSCRIBE"}
	}
}

// drainParked flushes commands queued by Command while the subscriber was
// not Ready onto the freshly (re)connected writeCh, mirroring
// Client.submit's parked-buffer drain on reconnect.
func (s *Subscriber) drainParked(writeCh chan pendingRequest) {
	for {
		select {
		case req := <-s.parked:
			writeCh <- req
		default:
			return
		}
	}
}

func toBytesSlice(ss []string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

func (s *Subscriber) superviseLoop() {
	connID := uuid.NewString()
	bo := s.opts.Backoff.New()
	attempt := 0
	logger := s.opts.Logger.With().Str("addr", s.addr).Logger()

	for {
		select {
		case <-s.closeCh:
			s.finalizeClosed(ErrClosed)
			return
		default:
		}

		s.setState(Connecting, nil)
		conn, err := s.dial()
		if err != nil {
			s.setState(Disconnected, errors.Wrap(err, "redis: subscriber dial failed"))
			attempt++
			logger.Warn().Str("conn", connID).Int("attempt", attempt).Err(err).Msg("redis: subscriber dial failed")
			if s.giveUpAfter(attempt) {
				s.finalizeClosed(err)
				return
			}
			if !s.waitBackoff(bo) {
				s.finalizeClosed(ErrClosed)
				return
			}
			continue
		}

		dec := resp.NewDecoder()
		s.setState(Authenticating, nil)
		if err := s.handshake(conn, dec); err != nil {
			conn.Close()
			s.setState(Disconnected, err)
			attempt++
			logger.Warn().Str("conn", connID).Int("attempt", attempt).Err(err).Msg("redis: subscriber handshake failed")
			if s.giveUpAfter(attempt) {
				s.finalizeClosed(err)
				return
			}
			if !s.waitBackoff(bo) {
				s.finalizeClosed(ErrClosed)
				return
			}
			continue
		}

		attempt = 0
		bo = s.opts.Backoff.New()
		connID = uuid.NewString()

		writeCh := make(chan pendingRequest, 64)
		s.setWriteCh(writeCh)
		s.resubscribe(writeCh)
		s.drainParked(writeCh)
		s.setState(Ready, nil)
		logger.Debug().Str("conn", connID).Msg("redis: subscriber ready")

		connErr := s.runConnection(conn, dec, writeCh)
		conn.Close()
		s.setState(Disconnected, connErr)
		logger.Warn().Str("conn", connID).Err(connErr).Msg("redis: subscriber connection lost")

		if !s.opts.AutoReconnect {
			s.finalizeClosed(connErr)
			return
		}

		select {
		case <-s.closeCh:
			s.finalizeClosed(ErrClosed)
			return
		default:
		}
	}
}

// handshake performs only the AUTH step of Client.handshake: a subscriber
// issues neither CLIENT SETNAME nor SELECT, so Options.ClientName and
// Options.Database have no effect on it.
func (s *Subscriber) handshake(conn net.Conn, dec *resp.Decoder) error {
	if s.opts.Auth == nil {
		return nil
	}
	var args [][]byte
	if s.opts.Auth.Username != "" {
		args = [][]byte{[]byte("AUTH"), []byte(s.opts.Auth.Username), []byte(s.opts.Auth.Password)}
	} else {
		args = [][]byte{[]byte("AUTH"), []byte(s.opts.Auth.Password)}
	}
	if s.opts.ConnectTimeout > 0 {
		deadline := time.Now().Add(s.opts.ConnectTimeout)
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetDeadline(time.Time{})
	}
	if _, err := conn.Write(resp.EncodeCommand(args)); err != nil {
		return err
	}
	v, err := readOneValue(conn, dec)
	if err != nil {
		return err
	}
	if v.Kind == resp.Error {
		return AuthFailed{Kind: v.ErrorKind(), Message: v.Str}
	}
	return nil
}

func (s *Subscriber) runConnection(conn net.Conn, dec *resp.Decoder, writeCh chan pendingRequest) error {
	readerErr := make(chan error, 1)
	writerErr := make(chan error, 1)
	stop := make(chan struct{})

	go func() { readerErr <- runReader(conn, dec, s.onPush) }()
	go func() { writerErr <- runWriter(conn, writeCh, s.opts.MaxWriteBatchSize, s.opts.ConnectTimeout, stop) }()

	select {
	case err := <-readerErr:
		close(stop)
		conn.Close()
		<-writerErr
		if err == nil {
			err = errors.New("subscriber reader task exited")
		}
		return err

	case err := <-writerErr:
		conn.Close()
		<-readerErr
		if err == nil {
			err = errors.New("subscriber writer task exited")
		}
		return err

	case <-s.closeCh:
		conn.Close()
		close(stop)
		<-readerErr
		<-writerErr
		return errClientClosing
	}
}

func (s *Subscriber) giveUpAfter(attempt int) bool {
	if !s.opts.AutoReconnect {
		return true
	}
	if s.opts.MaxReconnectAttempts > 0 && attempt >= s.opts.MaxReconnectAttempts {
		return true
	}
	return false
}

func (s *Subscriber) waitBackoff(bo cb.BackOff) bool {
	select {
	case <-time.After(bo.NextBackOff()):
		return true
	case <-s.closeCh:
		return false
	}
}

func (s *Subscriber) finalizeClosed(err error) {
	s.finalizeOnce.Do(func() {
		s.setState(Closed, err)
		if err != nil && err != ErrClosed {
			s.handlers.error(err)
		}
	drainParked:
		for {
			select {
			case <-s.parked:
			default:
				break drainParked
			}
		}
		close(s.closedDone)
	})
}
