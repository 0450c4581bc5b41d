package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/akinalp/chatsync/backend"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg"
	"github.com/akinalp/chatsync/pkg/logger"
)

// RemoteFeed subscribes to a relay over websocket. It dials lazily and
// redials on the next Subscribe after the connection drops; a drop ends
// every open subscription with pkg.ErrFeedUnavailable.
type RemoteFeed struct {
	url    string
	token  string
	buffer int
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu     sync.Mutex
	conn   *remoteConn
	closed bool
}

// NewRemoteFeed, constructor. relayURL is the relay's ws:// or wss:// /ws
// endpoint.
func NewRemoteFeed(relayURL, token string, buffer int, log zerolog.Logger) *RemoteFeed {
	return &RemoteFeed{
		url:    relayURL,
		token:  token,
		buffer: buffer,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    logger.Component(log, "relay-client"),
	}
}

type pendingSub struct {
	table   string
	filter  models.Filter
	handler backend.EventHandler
	result  chan subscribeResult
}

type subscribeResult struct {
	stream *backend.Stream
	err    error
}

// remoteConn is one live relay connection.
type remoteConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	buffer  int
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingSub
	streams map[string]*backend.Stream // relay sub id → stream
	relayID map[string]string          // stream id → relay sub id

	done     chan struct{}
	doneOnce sync.Once
}

// Subscribe opens a relay subscription.
//
// 1. Connect (or reuse the live connection)
// 2. Send subscribe with a fresh ref
// 3. Wait for "subscribed" or "error" with that ref
func (f *RemoteFeed) Subscribe(ctx context.Context, table string, filter models.Filter, onEvent backend.EventHandler) (backend.Subscription, error) {
	conn, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}

	ref := uuid.NewString()
	p := &pendingSub{table: table, filter: filter, handler: onEvent, result: make(chan subscribeResult, 1)}
	conn.mu.Lock()
	conn.pending[ref] = p
	conn.mu.Unlock()

	if err := conn.write(Event{Op: OpSubscribe, Data: SubscribeData{Ref: ref, Table: table, Filter: filter}}); err != nil {
		conn.fail(err)
		return nil, fmt.Errorf("%w: %v", pkg.ErrFeedUnavailable, err)
	}

	select {
	case res := <-p.result:
		if res.err != nil {
			return nil, res.err
		}
		return res.stream, nil
	case <-conn.done:
		return nil, fmt.Errorf("%w: relay connection closed", pkg.ErrFeedUnavailable)
	case <-ctx.Done():
		conn.mu.Lock()
		delete(conn.pending, ref)
		conn.mu.Unlock()
		select {
		case res := <-p.result:
			if res.stream != nil {
				conn.unsubscribe(res.stream)
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// Unsubscribe closes sub and tells the relay. Unknown subscriptions are
// ignored.
func (f *RemoteFeed) Unsubscribe(sub backend.Subscription) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		conn.unsubscribe(sub)
	}
	if s, ok := sub.(*backend.Stream); ok {
		s.Close(nil)
	}
	return nil
}

// Close drops the connection. Later Subscribe calls fail.
func (f *RemoteFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	if conn != nil {
		conn.fail(pkg.ErrClosed)
	}
	return nil
}

func (f *RemoteFeed) connect(ctx context.Context) (*remoteConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, pkg.ErrClosed
	}
	if f.conn != nil {
		select {
		case <-f.conn.done:
		default:
			return f.conn, nil
		}
	}

	u, err := url.Parse(f.url)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid relay url: %v", pkg.ErrValidation, err)
	}
	q := u.Query()
	q.Set("token", f.token)
	u.RawQuery = q.Encode()

	ws, resp, err := f.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == 401 {
			return nil, fmt.Errorf("%w: relay rejected token", pkg.ErrUnauthorized)
		}
		return nil, fmt.Errorf("%w: dial relay: %v", pkg.ErrFeedUnavailable, err)
	}

	conn := &remoteConn{
		ws:      ws,
		buffer:  f.buffer,
		log:     f.log,
		pending: make(map[string]*pendingSub),
		streams: make(map[string]*backend.Stream),
		relayID: make(map[string]string),
		done:    make(chan struct{}),
	}
	go conn.readLoop()
	go conn.heartbeat()
	f.conn = conn

	f.log.Info().Str("url", f.url).Msg("connected to relay")
	return conn, nil
}

func (c *remoteConn) write(event Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(event)
}

func (c *remoteConn) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.write(Event{Op: OpHeartbeat}); err != nil {
				c.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *remoteConn) readLoop() {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			c.log.Warn().Err(err).Msg("invalid relay frame")
			continue
		}
		c.handle(event)
	}
}

func (c *remoteConn) handle(event Event) {
	switch event.Op {
	case OpHeartbeatAck:

	case OpSubscribed:
		var data SubscribedData
		if err := decodeData(event, &data); err != nil {
			c.log.Warn().Err(err).Msg("bad subscribed frame")
			return
		}
		c.mu.Lock()
		p, ok := c.pending[data.Ref]
		delete(c.pending, data.Ref)
		if !ok {
			c.mu.Unlock()
			// Caller gave up; release the relay side.
			c.write(Event{Op: OpUnsubscribe, Data: UnsubscribeData{SubID: data.SubID}})
			return
		}
		stream := backend.NewStream(p.table, p.filter, p.handler, c.buffer)
		c.streams[data.SubID] = stream
		c.relayID[stream.ID()] = data.SubID
		c.mu.Unlock()
		p.result <- subscribeResult{stream: stream}

	case OpChange:
		var data ChangeData
		if err := decodeData(event, &data); err != nil {
			c.log.Warn().Err(err).Msg("bad change frame")
			return
		}
		c.mu.Lock()
		stream := c.streams[data.SubID]
		c.mu.Unlock()
		if stream == nil {
			return
		}
		if !stream.Offer(data.Event) {
			c.unsubscribe(stream)
			stream.Close(backend.ErrSlowConsumer)
		}

	case OpSubClosed:
		var data SubClosedData
		if err := decodeData(event, &data); err != nil {
			c.log.Warn().Err(err).Msg("bad sub_closed frame")
			return
		}
		c.mu.Lock()
		stream := c.streams[data.SubID]
		delete(c.streams, data.SubID)
		if stream != nil {
			delete(c.relayID, stream.ID())
		}
		c.mu.Unlock()
		if stream != nil {
			stream.Close(fmt.Errorf("%w: %s", pkg.ErrFeedUnavailable, data.Error))
		}

	case OpError:
		var data ErrorData
		if err := decodeData(event, &data); err != nil {
			c.log.Warn().Err(err).Msg("bad error frame")
			return
		}
		c.mu.Lock()
		p, ok := c.pending[data.Ref]
		delete(c.pending, data.Ref)
		c.mu.Unlock()
		if ok {
			p.result <- subscribeResult{err: fmt.Errorf("%w: %s", pkg.ErrValidation, data.Message)}
			return
		}
		c.log.Warn().Str("message", data.Message).Msg("relay error")

	default:
		c.log.Debug().Str("op", event.Op).Msg("unknown relay op")
	}
}

func (c *remoteConn) unsubscribe(sub backend.Subscription) {
	c.mu.Lock()
	subID, ok := c.relayID[sub.ID()]
	delete(c.relayID, sub.ID())
	delete(c.streams, subID)
	c.mu.Unlock()

	if ok {
		if err := c.write(Event{Op: OpUnsubscribe, Data: UnsubscribeData{SubID: subID}}); err != nil {
			c.log.Debug().Err(err).Msg("unsubscribe not delivered")
		}
	}
}

// fail tears the connection down and ends every subscription on it.
func (c *remoteConn) fail(cause error) {
	c.doneOnce.Do(func() {
		close(c.done)
		c.ws.Close()

		c.mu.Lock()
		streams := c.streams
		c.streams = make(map[string]*backend.Stream)
		c.relayID = make(map[string]string)
		c.pending = make(map[string]*pendingSub)
		c.mu.Unlock()

		err := fmt.Errorf("%w: %v", pkg.ErrFeedUnavailable, cause)
		if errors.Is(cause, pkg.ErrClosed) {
			err = pkg.ErrClosed
		}
		for _, s := range streams {
			s.Close(err)
		}
		if !errors.Is(cause, pkg.ErrClosed) {
			c.log.Warn().Err(cause).Int("subscriptions", len(streams)).Msg("relay connection lost")
		}
	})
}
