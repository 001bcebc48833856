package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/quantflow/quantflow/internal/events"
)

// clientBuffer bounds the per-connection backlog. Bus handlers must not
// block, so a client that cannot keep up loses events rather than stalling
// the emitter.
const clientBuffer = 64

// eventBroadcaster fans bus events out to websocket clients. It subscribes
// to the bus once; clients come and go with their connections.
type eventBroadcaster struct {
	mu      sync.Mutex
	clients map[chan *events.Event]struct{}
	closed  bool
	log     zerolog.Logger
}

func newEventBroadcaster(bus *events.Bus, log zerolog.Logger) *eventBroadcaster {
	b := &eventBroadcaster{
		clients: make(map[chan *events.Event]struct{}),
		log:     log.With().Str("component", "events_ws").Logger(),
	}
	bus.SubscribeAll(b.broadcast)
	return b
}

func (b *eventBroadcaster) broadcast(e *events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- e:
		default:
			// slow client, drop the event
		}
	}
}

func (b *eventBroadcaster) add() chan *events.Event {
	ch := make(chan *events.Event, clientBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.clients[ch] = struct{}{}
	return ch
}

func (b *eventBroadcaster) remove(ch chan *events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, ch)
}

func (b *eventBroadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.clients {
		delete(b.clients, ch)
	}
}

// handleEventsWS streams every bus event to the client as JSON messages.
// GET /api/events/ws
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := s.broadcaster.add()
	defer s.broadcaster.remove(ch)

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("Event stream client connected")

	ctx := r.Context()
	pings := time.NewTicker(30 * time.Second)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pings.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Msg("Event stream client write failed, disconnecting")
				return
			}
		}
	}
}
