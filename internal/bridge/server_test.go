package bridge

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kazz187/maestro/internal/event"
	"github.com/kazz187/maestro/internal/eventbus"
)

type scopedEvent struct {
	SessionID string `json:"sessionId"`
}

func (scopedEvent) Name() string                   { return "session:updated" }
func (e scopedEvent) SessionScope() (string, bool) { return e.SessionID, true }

type unscopedEvent struct {
	event.Unscoped
	TaskID string `json:"taskId"`
}

func (unscopedEvent) Name() string { return "task:created" }

func startServer(t *testing.T) (*Server, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	srv := NewServer("127.0.0.1:0", bus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Start(ctx) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 10*time.Millisecond)
	return srv, bus
}

func dial(t *testing.T, srv *Server) (net.Conn, *json.Decoder, *json.Encoder) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, json.NewDecoder(conn), json.NewEncoder(conn)
}

func readEnvelope(t *testing.T, conn net.Conn, dec *json.Decoder) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, dec.Decode(&env))
	return env
}

// publishUntilReceived retries the publish until the decoder yields an
// envelope, because the server may not have registered the connection in
// its fanout set by the time the first publish happens.
func publishUntilReceived(t *testing.T, bus *eventbus.Bus, conn net.Conn, dec *json.Decoder, ev event.Event) Envelope {
	t.Helper()
	// Republish in the background instead of retrying the decode: a
	// json.Decoder error (such as a read-deadline timeout) is sticky, so
	// the decoder must only ever see a successful read.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			bus.Publish(context.Background(), ev)
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		t.Fatalf("no envelope received: %v", err)
	}
	return env
}

func TestEventDeliveredWithoutFilter(t *testing.T) {
	srv, bus := startServer(t)
	conn, dec, _ := dial(t, srv)

	env := publishUntilReceived(t, bus, conn, dec, scopedEvent{SessionID: "s1"})
	require.Equal(t, "session:updated", env.Type)
	require.Equal(t, "session:updated", env.Event)
}

// Event envelopes carry the domain event name in both type and event, with
// the payload under data and a timestamp.
func TestEventEnvelopeShape(t *testing.T) {
	srv, bus := startServer(t)
	conn, dec, _ := dial(t, srv)

	env := publishUntilReceived(t, bus, conn, dec, unscopedEvent{TaskID: "t1"})
	require.Equal(t, "task:created", env.Type)
	require.Equal(t, env.Type, env.Event)
	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.JSONEq(t, `{"taskId":"t1"}`, string(data))
	require.False(t, env.Timestamp.IsZero())
}

func TestSubscribeFiltersScopedEvents(t *testing.T) {
	srv, bus := startServer(t)
	conn, dec, enc := dial(t, srv)

	require.NoError(t, enc.Encode(Control{Type: TypeSubscribe, SessionIDs: []string{"s1"}}))
	ack := readEnvelope(t, conn, dec)
	require.Equal(t, TypeSubscribed, ack.Type)
	require.Equal(t, []string{"s1"}, ack.SessionIDs)

	// An event for another session must not arrive; the s1 event published
	// after it must be the next thing on the wire.
	bus.Publish(context.Background(), scopedEvent{SessionID: "s2"})
	bus.Publish(context.Background(), scopedEvent{SessionID: "s1"})

	env := readEnvelope(t, conn, dec)
	require.Equal(t, "session:updated", env.Event)
	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.JSONEq(t, `{"sessionId":"s1"}`, string(data))
}

func TestUnscopedEventsBypassFilter(t *testing.T) {
	srv, bus := startServer(t)
	conn, dec, enc := dial(t, srv)

	require.NoError(t, enc.Encode(Control{Type: TypeSubscribe, SessionIDs: []string{"s1"}}))
	ack := readEnvelope(t, conn, dec)
	require.Equal(t, TypeSubscribed, ack.Type)

	bus.Publish(context.Background(), unscopedEvent{TaskID: "t1"})
	env := readEnvelope(t, conn, dec)
	require.Equal(t, "task:created", env.Event)
}

func TestUnsubscribeClearsFilter(t *testing.T) {
	srv, bus := startServer(t)
	conn, dec, enc := dial(t, srv)

	require.NoError(t, enc.Encode(Control{Type: TypeSubscribe, SessionIDs: []string{"s1"}}))
	require.Equal(t, TypeSubscribed, readEnvelope(t, conn, dec).Type)

	require.NoError(t, enc.Encode(Control{Type: TypeUnsubscribe}))
	require.Equal(t, TypeUnsubscribed, readEnvelope(t, conn, dec).Type)

	bus.Publish(context.Background(), scopedEvent{SessionID: "s2"})
	env := readEnvelope(t, conn, dec)
	require.Equal(t, "session:updated", env.Event)
}

func TestUnknownControlMessage(t *testing.T) {
	srv, _ := startServer(t)
	conn, dec, enc := dial(t, srv)

	require.NoError(t, enc.Encode(Control{Type: "bogus"}))
	env := readEnvelope(t, conn, dec)
	require.Equal(t, TypeError, env.Type)
}

func TestDeadConnectionDoesNotAffectOthers(t *testing.T) {
	srv, bus := startServer(t)

	dead, _, _ := dial(t, srv)
	live, liveDec, _ := dial(t, srv)

	// Make sure both connections are registered before killing one.
	publishUntilReceived(t, bus, live, liveDec, unscopedEvent{TaskID: "warmup"})
	require.NoError(t, dead.Close())

	bus.Publish(context.Background(), unscopedEvent{TaskID: "t1"})
	// Drain leftover warmup envelopes until the real one arrives.
	for {
		env := readEnvelope(t, live, liveDec)
		data, err := json.Marshal(env.Data)
		require.NoError(t, err)
		if string(data) == `{"taskId":"t1"}` {
			return
		}
	}
}
