package redis

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyMessage(t *testing.T) {
	r := Array{Items: []Reply{
		Bulk{Bytes: []byte("message")},
		Bulk{Bytes: []byte("news")},
		Bulk{Bytes: []byte("hello")},
	}}
	ev, ok := classify(r)
	require.True(t, ok)
	require.Equal(t, Event{Kind: EventMessage, Channel: "news", Payload: []byte("hello")}, ev)
}

func TestClassifyPMessage(t *testing.T) {
	r := Array{Items: []Reply{
		Bulk{Bytes: []byte("pmessage")},
		Bulk{Bytes: []byte("news.*")},
		Bulk{Bytes: []byte("news.sport")},
		Bulk{Bytes: []byte("goal")},
	}}
	ev, ok := classify(r)
	require.True(t, ok)
	require.Equal(t, Event{Kind: EventPMessage, Pattern: "news.*", Channel: "news.sport", Payload: []byte("goal")}, ev)
}

func TestClassifySubscribeConfirmation(t *testing.T) {
	r := Array{Items: []Reply{
		Bulk{Bytes: []byte("subscribe")},
		Bulk{Bytes: []byte("news")},
		Integer("1"),
	}}
	ev, ok := classify(r)
	require.True(t, ok)
	require.Equal(t, EventSubscribed, ev.Kind)
	require.Equal(t, "news", ev.Channel)
}

func TestClassifyIgnoresUnrelatedReply(t *testing.T) {
	_, ok := classify(SimpleString("OK"))
	require.False(t, ok)

	_, ok = classify(Array{Items: []Reply{Bulk{Bytes: []byte("unknown")}, Bulk{}}})
	require.False(t, ok)
}

func pubsubListen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

// TestPubSubSubscribeAndDeliver drives a fake Redis server that confirms a
// SUBSCRIBE and then pushes two messages; it checks messages are delivered
// one at a time and only after being Acked.
func TestPubSubSubscribeAndDeliver(t *testing.T) {
	ln := pubsubListen(t)
	serverReady := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		args, err := readCommand(r)
		if err != nil || args[0] != "SUBSCRIBE" {
			return
		}
		conn.Write([]byte("*3\r\n$9\r\nsubscribe\r\n$4\r\nnews\r\n:1\r\n"))
		close(serverReady)

		conn.Write([]byte("*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$5\r\nfirst\r\n"))
		conn.Write([]byte("*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$6\r\nsecond\r\n"))

		// keep the connection open so no reconnect interferes
		buf := make([]byte, 1)
		conn.Read(buf)
	}()

	p, events, err := NewPubSubConn(PubSubOptions{Endpoint: endpointFor(ln), ReconnectSleep: NoReconnect})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Subscribe(ctx, "news"))

	select {
	case <-serverReady:
	case <-time.After(time.Second):
		t.Fatal("server never saw SUBSCRIBE")
	}

	// need_ack: nothing is delivered until the controller acks once, even
	// with nothing yet to acknowledge.
	p.Ack()

	ev := <-events
	require.Equal(t, EventSubscribed, ev.Kind)
	p.Ack()

	ev = <-events
	require.Equal(t, EventMessage, ev.Kind)
	require.Equal(t, []byte("first"), ev.Payload)

	// the second message must not be visible yet: active-once discipline
	// holds it back until the first is acknowledged.
	select {
	case <-events:
		t.Fatal("second message delivered before Ack of the first")
	case <-time.After(100 * time.Millisecond):
	}

	p.Ack()

	select {
	case ev := <-events:
		require.Equal(t, EventMessage, ev.Kind)
		require.Equal(t, []byte("second"), ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("second message never delivered after Ack")
	}
	p.Ack()
}

// TestPubSubControlReassignsSubscriber checks that Control moves delivery
// to a new channel and re-arms need_ack, so the new controller must Ack
// once before seeing anything, even a message that was already queued for
// the old controller.
func TestPubSubControlReassignsSubscriber(t *testing.T) {
	ln := pubsubListen(t)
	serverReady := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		args, err := readCommand(r)
		if err != nil || args[0] != "SUBSCRIBE" {
			return
		}
		conn.Write([]byte("*3\r\n$9\r\nsubscribe\r\n$4\r\nnews\r\n:1\r\n"))
		close(serverReady)

		conn.Write([]byte("*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$5\r\nfirst\r\n"))

		buf := make([]byte, 1)
		conn.Read(buf)
	}()

	p, events, err := NewPubSubConn(PubSubOptions{Endpoint: endpointFor(ln), ReconnectSleep: NoReconnect})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Subscribe(ctx, "news"))

	select {
	case <-serverReady:
	case <-time.After(time.Second):
		t.Fatal("server never saw SUBSCRIBE")
	}

	// prime delivery and consume the subscribe confirmation on the
	// original channel, leaving "first" queued behind it.
	p.Ack()
	ev := <-events
	require.Equal(t, EventSubscribed, ev.Kind)

	newEvents := make(chan Event, 8)
	require.NoError(t, p.Control(ctx, newEvents))

	// need_ack: nothing arrives on the new channel, including the
	// already-queued "first" message, until the new controller acks.
	select {
	case <-newEvents:
		t.Fatal("event delivered to new controller before its first Ack")
	case <-time.After(100 * time.Millisecond):
	}

	p.Ack()
	select {
	case ev := <-newEvents:
		require.Equal(t, EventMessage, ev.Kind)
		require.Equal(t, []byte("first"), ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("queued message never delivered to new controller")
	}
}

// TestPubSubOverflowDrop checks that once the pending queue fills up,
// QueueBehaviourDrop discards the queued messages and the controller
// receives exactly one synthetic Overflow event instead of unbounded growth.
func TestPubSubOverflowDrop(t *testing.T) {
	ln := pubsubListen(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		args, err := readCommand(r)
		if err != nil || args[0] != "SUBSCRIBE" {
			return
		}
		conn.Write([]byte("*3\r\n$9\r\nsubscribe\r\n$4\r\nnews\r\n:1\r\n"))

		for i := 0; i < 10; i++ {
			conn.Write([]byte("*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$1\r\nx\r\n"))
		}

		buf := make([]byte, 1)
		conn.Read(buf)
	}()

	p, events, err := NewPubSubConn(PubSubOptions{
		Endpoint:       endpointFor(ln),
		ReconnectSleep: NoReconnect,
		MaxQueueSize:   2,
		QueueBehaviour: QueueBehaviourDrop,
	})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Subscribe(ctx, "news"))

	// Let all ten server messages land before draining anything, so the
	// bounded queue (size 2) is forced to overflow.
	time.Sleep(200 * time.Millisecond)

	// need_ack: prime delivery before draining, same as a fresh PubSubConn.
	p.Ack()

	var sawOverflow, sawMessage int
	deadline := time.After(2 * time.Second)
drain:
	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case EventOverflow:
				sawOverflow++
				break drain // nothing delivers after the overflow marker in this scenario
			case EventMessage:
				sawMessage++
			}
			p.Ack()
		case <-deadline:
			break drain
		}
	}

	require.Equal(t, 1, sawOverflow)
	require.Less(t, sawMessage, 10) // strictly fewer than all ten were delivered
}
