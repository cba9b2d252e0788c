// Package teststub implements a minimal RESP server for exercising the
// client's connection state machine and wire codec in tests, the way
// other_examples/a53bbed0_grafana-xk6-redis__redis-stub_test.go.go's
// StubServer exercises its client. It uses the package's own resp codec
// rather than a second hand-rolled parser, so a wire-format bug in the
// client would also misparse its own test fixtures.
package teststub

import (
	"net"
	"strings"
	"sync"

	"github.com/nsrv/redisasync/resp"
)

// Handler answers one command, given its raw argument bytes (the command
// name excluded), with the RESP value to send back.
type Handler func(args [][]byte) resp.Value

// Server is a stub RESP server bound to a random localhost port.
type Server struct {
	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup

	handlers map[string]Handler
	history  [][]string
	conns    map[net.Conn]struct{}
}

// New creates a Server with default PING and COMMAND handlers, matching
// the teacher stub's baseline behavior.
func New() *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		conns:    make(map[net.Conn]struct{}),
	}
	s.Handle("PING", func(args [][]byte) resp.Value {
		if len(args) == 1 {
			return resp.Bytes(args[0])
		}
		return resp.String("PONG")
	})
	s.Handle("COMMAND", func([][]byte) resp.Value { return resp.String("OK") })
	return s
}

// Handle registers (or replaces) the handler for a command name.
func (s *Server) Handle(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[strings.ToUpper(name)] = h
}

// Start binds a listener and begins serving. The server runs until Close.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.listener = l
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(l)
	}()
	return nil
}

// Addr is the "host:port" a Client/Subscriber should dial.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Close stops accepting and closes every live connection.
func (s *Server) Close() {
	s.listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// DropConnections closes every currently-connected client socket without
// stopping the listener, simulating a network drop a client must recover
// from by reconnecting to the same address.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// History returns every command (name followed by its string args) handled
// so far, in arrival order.
func (s *Server) History() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Server) serve(l net.Listener) {
	for {
		c, err := l.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, c)
				s.mu.Unlock()
				c.Close()
			}()
			s.handleConn(c)
		}()
	}
}

func (s *Server) handleConn(c net.Conn) {
	dec := resp.NewDecoder()
	buf := make([]byte, 4096)
	for {
		v, ok, err := dec.Decode()
		if err != nil {
			return
		}
		if !ok {
			n, rerr := c.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
			}
			if rerr != nil {
				return
			}
			continue
		}

		name, args, ok := requestArgs(v)
		if !ok {
			c.Write(resp.Encode(resp.Value{Kind: resp.Error, Str: "ERR Protocol error"}))
			continue
		}

		s.mu.Lock()
		record := append([]string{name}, bytesToStrings(args)...)
		s.history = append(s.history, record)
		h, known := s.handlers[name]
		s.mu.Unlock()

		if !known {
			c.Write(resp.Encode(resp.Value{Kind: resp.Error, Str: "ERR unknown command '" + name + "'"}))
			continue
		}
		c.Write(resp.Encode(h(args)))
	}
}

func requestArgs(v resp.Value) (string, [][]byte, bool) {
	if v.Kind != resp.Array || len(v.Array) == 0 {
		return "", nil, false
	}
	args := make([][]byte, 0, len(v.Array)-1)
	for i, e := range v.Array {
		if e.Kind != resp.BulkString || e.Null {
			return "", nil, false
		}
		if i == 0 {
			continue
		}
		args = append(args, e.Bulk)
	}
	return strings.ToUpper(string(v.Array[0].Bulk)), args, true
}

func bytesToStrings(bs [][]byte) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = string(b)
	}
	return out
}
