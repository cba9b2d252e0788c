package redis

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nsrv/redisasync/internal/teststub"
	"github.com/nsrv/redisasync/resp"
)

func newTestClient(t *testing.T, s *teststub.Server, mutate func(*Options)) *Client {
	t.Helper()
	host, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	opts := Options{Host: host, Port: p, ConnectTimeout: time.Second}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewClient(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("client never reached state %s, stuck at %s", want, c.State())
}

func TestClientPingPong(t *testing.T) {
	s := teststub.New()
	require.NoError(t, s.Start())
	defer s.Close()

	c := newTestClient(t, s, nil)
	waitState(t, c, Ready)

	reply, err := c.Ping()
	require.NoError(t, err)
	require.Equal(t, "PONG", reply)
}

func TestClientGetMissingKeyIsNilNotError(t *testing.T) {
	s := teststub.New()
	require.NoError(t, s.Start())
	defer s.Close()
	s.Handle("GET", func([][]byte) resp.Value { return resp.NullBulk() })

	c := newTestClient(t, s, nil)
	waitState(t, c, Ready)

	v, err := c.Get("missing")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestClientServerErrorDoesNotCloseConnection(t *testing.T) {
	s := teststub.New()
	require.NoError(t, s.Start())
	defer s.Close()
	s.Handle("SET", func([][]byte) resp.Value {
		return resp.Value{Kind: resp.Error, Str: "WRONGTYPE Operation against a wrong kind of value"}
	})

	c := newTestClient(t, s, nil)
	waitState(t, c, Ready)

	err := c.Set("k", []byte("v"))
	require.Error(t, err)
	var se ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "WRONGTYPE", se.Kind)
	require.Equal(t, Ready, c.State())

	// the connection is still usable after a server-level error
	_, err = c.Ping()
	require.NoError(t, err)
}

func TestClientPipelinedRequestsCompleteFIFO(t *testing.T) {
	s := teststub.New()
	require.NoError(t, s.Start())
	defer s.Close()
	s.Handle("GET", func(args [][]byte) resp.Value { return resp.Bytes(args[0]) })

	c := newTestClient(t, s, nil)
	waitState(t, c, Ready)

	const n = 50
	type outcome struct {
		idx int
		val []byte
	}
	results := make(chan outcome, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			v, err := c.Get(strconv.Itoa(i))
			require.NoError(t, err)
			results <- outcome{idx: i, val: v}
		}()
	}
	for i := 0; i < n; i++ {
		o := <-results
		require.Equal(t, strconv.Itoa(o.idx), string(o.val))
	}
}

func TestClientIdempotentRequestReplaysAfterDrop(t *testing.T) {
	s := teststub.New()
	require.NoError(t, s.Start())
	defer s.Close()

	var dropped bool
	s.Handle("GET", func(args [][]byte) resp.Value {
		if !dropped {
			dropped = true
			s.DropConnections()
			// the client's write raced the drop; let it retry on the
			// reconnected socket rather than racing this handler itself.
			return resp.NullBulk()
		}
		return resp.Bytes(args[0])
	})

	c := newTestClient(t, s, func(o *Options) {
		o.AutoReconnect = true
		o.Backoff.Base = time.Millisecond
		o.Backoff.Cap = 5 * time.Millisecond
	})
	waitState(t, c, Ready)

	got, err := c.Get("k")
	require.NoError(t, err)
	require.Equal(t, "k", string(got))
}

func TestClientNonIdempotentRequestFailsOnDrop(t *testing.T) {
	s := teststub.New()
	require.NoError(t, s.Start())
	defer s.Close()

	blockSet := make(chan struct{})
	s.Handle("SET", func([][]byte) resp.Value {
		<-blockSet
		return resp.String("OK")
	})

	c := newTestClient(t, s, func(o *Options) {
		o.AutoReconnect = false
	})
	waitState(t, c, Ready)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Set("k", []byte("v"))
	}()
	time.Sleep(20 * time.Millisecond)
	s.DropConnections() // drop the connection while SET is in flight

	select {
	case err := <-errCh:
		require.Error(t, err)
		var cc ConnectionClosed
		require.ErrorAs(t, err, &cc)
	case <-time.After(3 * time.Second):
		t.Fatal("SET never failed after connection drop")
	}
	close(blockSet)
}

func TestClientCloseIsIdempotentAndRejectsSubmission(t *testing.T) {
	s := teststub.New()
	require.NoError(t, s.Start())
	defer s.Close()

	c := newTestClient(t, s, nil)
	waitState(t, c, Ready)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, Closed, c.State())

	_, err := c.Ping()
	require.ErrorIs(t, err, ErrClosed)
}
