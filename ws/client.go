package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/akinalp/chatsync/backend"
	"github.com/akinalp/chatsync/models"
	"github.com/akinalp/chatsync/pkg/metrics"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait: three missed 30s heartbeats.
	pongWait = 90 * time.Second

	// heartbeatInterval is how often RemoteFeed pings.
	heartbeatInterval = 30 * time.Second

	// maxMessageSize bounds client → server frames. Subscribe requests are small.
	maxMessageSize = 4096

	// sendBufferSize is the per-connection outbound queue. A full queue
	// disconnects the client.
	sendBufferSize = 256
)

// Client is one relay websocket connection.
//
// ReadPump and WritePump run in separate goroutines; gorilla/websocket
// allows one concurrent reader and one concurrent writer.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	access *channelAccess // nil: channel-scoped tables are refused
	log    zerolog.Logger

	// send is closed by close(); sendMu guards it against late writers.
	send   chan []byte
	sendMu sync.Mutex
	closed bool

	// streams: sub id → stream opened by this connection.
	streams   map[string]*backend.Stream
	streamsMu sync.Mutex

	seq atomic.Int64
}

func newClient(hub *Hub, conn *websocket.Conn, userID string, members MembershipSource) *Client {
	log := hub.log.With().Str("user_id", userID).Logger()
	var access *channelAccess
	if members != nil {
		access = newChannelAccess(userID, members, log)
	}
	return &Client{
		hub:     hub,
		conn:    conn,
		userID:  userID,
		access:  access,
		log:     log,
		send:    make(chan []byte, sendBufferSize),
		streams: make(map[string]*backend.Stream),
	}
}

// ReadPump reads frames until the connection fails, then unregisters.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected close")
			}
			return
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			c.log.Warn().Err(err).Msg("invalid frame")
			continue
		}
		c.handleEvent(event)
	}
}

func (c *Client) handleEvent(event Event) {
	switch event.Op {
	case OpHeartbeat:
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Error().Err(err).Msg("failed to set read deadline")
			return
		}
		c.sendEvent(Event{Op: OpHeartbeatAck})

	case OpSubscribe:
		c.handleSubscribe(event)

	case OpUnsubscribe:
		c.handleUnsubscribe(event)

	default:
		c.log.Warn().Str("op", event.Op).Msg("unknown op")
	}
}

// handleSubscribe opens a hub stream forwarding into this connection.
//
// 1. Decode and check the request; channel rows need membership
// 2. Subscribe on the hub; delivery is held until the reply is queued
//    and rows of channels the user is not in are withheld
// 3. Reply "subscribed" with the stream id
// 4. Watch the stream and report a server-side close
func (c *Client) handleSubscribe(event Event) {
	var req SubscribeData
	if err := decodeData(event, &req); err != nil {
		c.sendError("", err.Error())
		return
	}
	if req.Table == models.TableMembers && (req.Filter.Column != "user_id" || req.Filter.Value != c.userID) {
		c.sendError(req.Ref, "channel_members subscriptions must be filtered to your own user_id")
		return
	}
	if restricted(req.Table) {
		if c.access == nil {
			c.sendError(req.Ref, req.Table+" is not served by this relay")
			return
		}
		if req.Filter.Column == channelColumn(req.Table) && !c.access.isMember(req.Filter.Value) {
			c.sendError(req.Ref, "not a member of channel "+req.Filter.Value)
			return
		}
	}

	ready := make(chan struct{})
	var subID string
	sub, err := c.hub.Subscribe(context.Background(), req.Table, req.Filter, func(ev models.ChangeEvent) {
		<-ready
		if c.access != nil && !c.access.allows(&ev) {
			metrics.EventsDiscarded.WithLabelValues(ev.Table, "not_member").Inc()
			return
		}
		c.sendEvent(Event{Op: OpChange, Data: ChangeData{SubID: subID, Event: ev}})
		metrics.RelayEventsSent.WithLabelValues(ev.Table).Inc()
	})
	if err != nil {
		c.sendError(req.Ref, err.Error())
		return
	}
	stream := sub.(*backend.Stream)
	subID = stream.ID()

	c.streamsMu.Lock()
	c.streams[subID] = stream
	c.streamsMu.Unlock()

	c.sendEvent(Event{Op: OpSubscribed, Data: SubscribedData{Ref: req.Ref, SubID: subID}})
	close(ready)

	go func() {
		<-stream.Done()
		c.streamsMu.Lock()
		_, owned := c.streams[subID]
		delete(c.streams, subID)
		c.streamsMu.Unlock()

		if owned && stream.Err() != nil {
			c.sendEvent(Event{Op: OpSubClosed, Data: SubClosedData{SubID: subID, Error: stream.Err().Error()}})
		}
	}()
}

func (c *Client) handleUnsubscribe(event Event) {
	var req UnsubscribeData
	if err := decodeData(event, &req); err != nil {
		c.sendError("", err.Error())
		return
	}

	c.streamsMu.Lock()
	stream, ok := c.streams[req.SubID]
	delete(c.streams, req.SubID)
	c.streamsMu.Unlock()

	if ok {
		c.hub.Unsubscribe(stream)
	}
}

// takeStreams detaches every stream this connection owns.
func (c *Client) takeStreams() []*backend.Stream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()

	out := make([]*backend.Stream, 0, len(c.streams))
	for id, s := range c.streams {
		out = append(out, s)
		delete(c.streams, id)
	}
	return out
}

func (c *Client) sendError(ref, message string) {
	c.sendEvent(Event{Op: OpError, Data: ErrorData{Ref: ref, Message: message}})
}

// sendEvent queues one frame. A full queue drops the connection.
func (c *Client) sendEvent(event Event) {
	event.Seq = c.seq.Add(1)
	data, err := json.Marshal(event)
	if err != nil {
		c.log.Error().Err(err).Str("op", event.Op).Msg("failed to marshal event")
		return
	}

	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.sendMu.Unlock()
	default:
		c.sendMu.Unlock()
		c.log.Warn().Msg("send buffer full, dropping connection")
		metrics.SlowConsumers.Inc()
		go c.hub.disconnect(c)
	}
}

// close stops WritePump. Idempotent.
func (c *Client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
		if c.access != nil {
			c.access.close()
		}
	}
}

// WritePump writes queued frames until the send channel closes.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.writeMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.writeMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
