package ws

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/akinalp/chatsync/backend"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
	"github.com/akinalp/chatsync/pkg/logger"
	"github.com/akinalp/chatsync/pkg/metrics"
)

// Hub is the in-process change feed. Backends publish committed changes to
// it; in-process sessions and websocket clients subscribe to it.
//
// Every subscription is a backend.Stream with its own buffer, so one slow
// subscriber never stalls Publish. A stream whose buffer overflows is ended
// with backend.ErrSlowConsumer and the subscriber is expected to
// resubscribe and reload.
type Hub struct {
	// streams: stream id → stream, for both local and websocket subscribers.
	streams map[string]*backend.Stream
	// clients: open websocket connections.
	clients map[*Client]bool
	closed  bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	buffer int
	log    zerolog.Logger
}

// NewHub, constructor. buffer is the per-stream delivery buffer.
func NewHub(buffer int, log zerolog.Logger) *Hub {
	return &Hub{
		streams:    make(map[string]*backend.Stream),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		buffer:     buffer,
		log:        logger.Component(log, "ws"),
	}
}

// Run is the connection bookkeeping loop. Start it with `go hub.Run()`;
// it returns after Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case <-h.done:
			return
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		client.close()
		return
	}
	h.clients[client] = true
	metrics.RelayConnections.Set(float64(len(h.clients)))

	h.log.Info().Str("user_id", client.userID).Int("connections", len(h.clients)).Msg("client connected")
}

// removeClient drops the client and every stream it opened.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	metrics.RelayConnections.Set(float64(len(h.clients)))
	h.mu.Unlock()

	for _, s := range client.takeStreams() {
		h.Unsubscribe(s)
	}
	client.close()

	h.log.Info().Str("user_id", client.userID).Msg("client disconnected")
}

// disconnect asks Run to drop client. Safe to call from any goroutine,
// including after Shutdown.
func (h *Hub) disconnect(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Publish offers ev to every matching stream.
func (h *Hub) Publish(_ context.Context, ev models.ChangeEvent) error {
	var slow []*backend.Stream

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return pkg.ErrFeedUnavailable
	}
	for _, s := range h.streams {
		if !s.Matches(&ev) {
			continue
		}
		if !s.Offer(ev) {
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		select {
		case <-s.Done():
		default:
			metrics.SlowConsumers.Inc()
			h.log.Warn().Str("sub_id", s.ID()).Str("table", s.Table()).Msg("subscriber buffer full, dropping subscription")
		}
		h.end(s, backend.ErrSlowConsumer)
	}
	return nil
}

// Subscribe registers onEvent for changes on table matching filter.
func (h *Hub) Subscribe(_ context.Context, table string, filter models.Filter, onEvent backend.EventHandler) (backend.Subscription, error) {
	if !knownTables[table] {
		return nil, fmt.Errorf("%w: unknown table %q", pkg.ErrValidation, table)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, pkg.ErrFeedUnavailable
	}
	s := backend.NewStream(table, filter, onEvent, h.buffer)
	h.streams[s.ID()] = s

	h.log.Debug().Str("sub_id", s.ID()).Str("table", table).Str("filter", filter.String()).Msg("subscribed")
	return s, nil
}

// Unsubscribe ends sub cleanly. Unknown or already-ended subscriptions are
// ignored.
func (h *Hub) Unsubscribe(sub backend.Subscription) error {
	h.mu.Lock()
	s, ok := h.streams[sub.ID()]
	delete(h.streams, sub.ID())
	h.mu.Unlock()

	if ok {
		s.Close(nil)
	}
	return nil
}

// end removes s and closes it with cause.
func (h *Hub) end(s *backend.Stream, cause error) {
	h.mu.Lock()
	delete(h.streams, s.ID())
	h.mu.Unlock()
	s.Close(cause)
}

// DropAll ends every subscription with cause. Upstream feeds call it when
// their source broke and events may have been lost, so subscribers
// resubscribe and reload.
func (h *Hub) DropAll(cause error) {
	h.mu.Lock()
	streams := h.streams
	h.streams = make(map[string]*backend.Stream)
	h.mu.Unlock()

	for _, s := range streams {
		s.Close(cause)
	}
	if len(streams) > 0 {
		h.log.Warn().Err(cause).Int("subscriptions", len(streams)).Msg("dropped all subscriptions")
	}
}

// Subscriptions returns the number of live streams.
func (h *Hub) Subscriptions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// Shutdown closes every connection and subscription. Later Subscribe and
// Publish calls fail with pkg.ErrFeedUnavailable.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[*Client]bool)
	metrics.RelayConnections.Set(0)
	h.mu.Unlock()

	h.stopOnce.Do(func() { close(h.done) })
	h.DropAll(pkg.ErrFeedUnavailable)
	for client := range clients {
		client.close()
	}
	h.log.Info().Msg("hub shut down, all connections closed")
}

// Close implements backend.Feed.
func (h *Hub) Close() error {
	h.Shutdown()
	return nil
}
