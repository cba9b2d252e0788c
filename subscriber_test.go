package redis

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nsrv/redisasync/internal/teststub"
	"github.com/nsrv/redisasync/resp"
)

func newTestSubscriber(t *testing.T, s *teststub.Server, h SubscriptionHandlers, mutate func(*Options)) *Subscriber {
	t.Helper()
	host, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	opts := Options{Host: host, Port: p, ConnectTimeout: time.Second}
	if mutate != nil {
		mutate(&opts)
	}
	sub, err := NewSubscriber(opts, h)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return sub
}

func waitSubState(t *testing.T, s *Subscriber, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("subscriber never reached state %s, stuck at %s", want, s.State())
}

func TestSubscriberReceivesMessages(t *testing.T) {
	s := teststub.New()
	require.NoError(t, s.Start())
	defer s.Close()

	acked := make(chan struct{}, 1)
	s.Handle("SUBSCRIBE", func(args [][]byte) resp.Value {
		acked <- struct{}{}
		return resp.Value{Kind: resp.Array, Array: []resp.Value{
			resp.Bytes([]byte("subscribe")), resp.Bytes(args[0]), resp.Int(1),
		}}
	})

	var mu sync.Mutex
	var gotChannel string
	var gotPayload []byte
	received := make(chan struct{}, 1)

	sub := newTestSubscriber(t, s, SubscriptionHandlers{
		OnMessage: func(channel string, payload []byte) {
			mu.Lock()
			gotChannel, gotPayload = channel, payload
			mu.Unlock()
			received <- struct{}{}
		},
	}, nil)
	waitSubState(t, sub, Ready)

	require.NoError(t, sub.Subscribe("news"))
	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("SUBSCRIBE was never acked")
	}

	// the stub server has no independent publisher, so push the message
	// frame out-of-band by registering a PING handler that also emits it.
	s.Handle("PING", func([][]byte) resp.Value {
		return resp.Value{Kind: resp.Array, Array: []resp.Value{
			resp.Bytes([]byte("message")), resp.Bytes([]byte("news")), resp.Bytes([]byte("hello")),
		}}
	})
	require.NoError(t, sub.Ping())

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("message was never delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "news", gotChannel)
	require.Equal(t, "hello", string(gotPayload))
}

func TestSubscriberRejectsDisallowedCommand(t *testing.T) {
	s := teststub.New()
	require.NoError(t, s.Start())
	defer s.Close()

	sub := newTestSubscriber(t, s, SubscriptionHandlers{}, nil)
	waitSubState(t, sub, Ready)

	err := sub.Command("GET", "k")
	require.Error(t, err)
	var ie InvalidStateForCommand
	require.ErrorAs(t, err, &ie)
}

func TestSubscriberResubscribesAfterReconnect(t *testing.T) {
	s := teststub.New()
	require.NoError(t, s.Start())
	defer s.Close()

	var subscribeCount int
	var mu sync.Mutex
	subscribed := make(chan struct{}, 8)
	s.Handle("SUBSCRIBE", func(args [][]byte) resp.Value {
		mu.Lock()
		subscribeCount++
		mu.Unlock()
		subscribed <- struct{}{}
		return resp.Value{Kind: resp.Array, Array: []resp.Value{
			resp.Bytes([]byte("subscribe")), resp.Bytes(args[0]), resp.Int(1),
		}}
	})

	sub := newTestSubscriber(t, s, SubscriptionHandlers{}, func(o *Options) {
		o.AutoReconnect = true
		o.Backoff.Base = time.Millisecond
		o.Backoff.Cap = 5 * time.Millisecond
	})
	waitSubState(t, sub, Ready)

	require.NoError(t, sub.Subscribe("news"))
	<-subscribed

	s.DropConnections()

	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never resubscribed after reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, subscribeCount, 2)
}
