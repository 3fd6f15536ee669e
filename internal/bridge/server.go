package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/maestro/internal/event"
	"github.com/kazz187/maestro/internal/eventbus"
	"github.com/kazz187/maestro/pkg/panicerr"
)

const (
	busBufSize  = 1024
	connBufSize = 256
)

// Server bridges the in-process event bus to external subscribers over
// long-lived TCP connections. Delivery is best effort after the domain
// mutation has committed: a dead or slow connection never affects the
// others and never rolls anything back.
type Server struct {
	addr     string
	eventBus *eventbus.Bus

	mu       sync.RWMutex
	conns    map[string]*subscriberConn
	listener net.Listener
}

func NewServer(addr string, eventBus *eventbus.Bus) *Server {
	return &Server{
		addr:     addr,
		eventBus: eventBus,
		conns:    make(map[string]*subscriberConn),
	}
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	// Subscribe before the listener becomes visible so no event published
	// after Start is observable can be missed by the fanout.
	subID, ch := s.eventBus.Channel(busBufSize)

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	slog.Info("bridge listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.closeAll()
	}()

	go s.fanout(ctx, subID, ch)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c := newSubscriberConn(ulid.Make().String(), conn, connBufSize)
		s.add(c)
		go func() {
			if err := panicerr.Safe(func() error {
				c.serve(ctx)
				return nil
			})(); err != nil {
				slog.Error("bridge: connection panicked", "conn_id", c.id, "error", err)
			}
			s.remove(c)
			slog.Debug("bridge: connection closed", "conn_id", c.id)
		}()
		slog.Debug("bridge: connection opened", "conn_id", c.id, "remote", conn.RemoteAddr().String())
	}
}

// Addr returns the bound listen address, for tests that listen on port 0.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// fanout drains the bus and forwards each event to every connection whose
// filter matches.
func (s *Server) fanout(ctx context.Context, subID string, ch <-chan event.Event) {
	defer s.eventBus.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.broadcast(ev)
		}
	}
}

func (s *Server) broadcast(ev event.Event) {
	// Event envelopes carry the domain event name in both type and event,
	// so subscribers can route on either field.
	env := Envelope{
		Type:      ev.Name(),
		Event:     ev.Name(),
		Data:      ev,
		Timestamp: time.Now(),
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		if c.wants(ev) {
			c.send(env)
		}
	}
}

func (s *Server) add(c *subscriberConn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) remove(c *subscriberConn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	c.close()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*subscriberConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*subscriberConn)
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
