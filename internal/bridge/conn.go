package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/kazz187/maestro/internal/event"
	"github.com/kazz187/maestro/pkg/panicerr"
)

// subscriberConn is one bridge client. Outbound envelopes go through a
// buffered channel with a non-blocking send, so one stalled client never
// delays event fanout to the others.
type subscriberConn struct {
	id   string
	conn net.Conn

	mu     sync.RWMutex
	filter map[string]bool // nil = no filter installed, receive everything

	sendCh chan Envelope
	closed chan struct{}
	once   sync.Once
}

func newSubscriberConn(id string, conn net.Conn, sendBuf int) *subscriberConn {
	return &subscriberConn{
		id:     id,
		conn:   conn,
		sendCh: make(chan Envelope, sendBuf),
		closed: make(chan struct{}),
	}
}

// wants decides whether the connection should receive the event. Unscoped
// events always pass; session-scoped events pass when no filter is
// installed or the filter contains the session id.
func (c *subscriberConn) wants(ev event.Event) bool {
	sessionID, scoped := ev.SessionScope()
	if !scoped {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.filter == nil {
		return true
	}
	return c.filter[sessionID]
}

func (c *subscriberConn) setFilter(sessionIDs []string) {
	filter := make(map[string]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		filter[id] = true
	}
	c.mu.Lock()
	c.filter = filter
	c.mu.Unlock()
}

func (c *subscriberConn) clearFilter() {
	c.mu.Lock()
	c.filter = nil
	c.mu.Unlock()
}

func (c *subscriberConn) filterIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.filter))
	for id := range c.filter {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// send enqueues an envelope without blocking; the envelope is dropped when
// the client cannot keep up.
func (c *subscriberConn) send(env Envelope) {
	select {
	case c.sendCh <- env:
	case <-c.closed:
	default:
		slog.Warn("bridge: send buffer full, dropping event", "conn_id", c.id, "event", env.Event)
	}
}

func (c *subscriberConn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// writeLoop drains the send channel onto the wire, one JSON line per
// envelope.
func (c *subscriberConn) writeLoop(ctx context.Context) {
	defer c.close()
	enc := json.NewEncoder(c.conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case env := <-c.sendCh:
			if err := enc.Encode(env); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					slog.Debug("bridge: write failed, closing connection", "conn_id", c.id, "error", err)
				}
				return
			}
		}
	}
}

// readLoop consumes control messages until the client disconnects.
func (c *subscriberConn) readLoop(ctx context.Context) {
	defer c.close()
	dec := json.NewDecoder(c.conn)
	for {
		var msg Control
		if err := dec.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				slog.Debug("bridge: read failed, closing connection", "conn_id", c.id, "error", err)
			}
			return
		}
		c.handleControl(msg)
	}
}

func (c *subscriberConn) handleControl(msg Control) {
	switch msg.Type {
	case TypeSubscribe:
		c.setFilter(msg.SessionIDs)
		c.send(Envelope{
			Type:       TypeSubscribed,
			SessionIDs: c.filterIDs(),
			Timestamp:  time.Now(),
		})
	case TypeUnsubscribe:
		c.clearFilter()
		c.send(Envelope{
			Type:      TypeUnsubscribed,
			Timestamp: time.Now(),
		})
	default:
		c.send(Envelope{
			Type:      TypeError,
			Message:   "unknown control message type: " + msg.Type,
			Timestamp: time.Now(),
		})
	}
}

// serve runs the read and write loops until either side ends. Both loops
// run behind a panic catcher; a panicking connection is closed, not fatal
// to the process.
func (c *subscriberConn) serve(ctx context.Context) {
	var wg sync.WaitGroup
	run := func(name string, loop func(context.Context)) {
		defer wg.Done()
		defer c.close()
		if err := panicerr.Safe(func() error {
			loop(ctx)
			return nil
		})(); err != nil {
			slog.Error("bridge: connection loop panicked", "conn_id", c.id, "loop", name, "error", err)
		}
	}
	wg.Add(2)
	go run("write", c.writeLoop)
	go run("read", c.readLoop)
	wg.Wait()
}
