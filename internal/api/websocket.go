// Package api provides the websocket hub streaming batch progress.
package api

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/events"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType tags websocket frames
type MessageType string

const (
	MsgTypeBatchEvent MessageType = "batch_event"
	MsgTypeUnitEvent  MessageType = "unit_event"
	MsgTypeHeartbeat  MessageType = "heartbeat"

	// sent by clients
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	heartbeatEvery = 30 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// WSMessage is one frame. Channel is "batch:<id>" for batch-scoped messages
// and empty for heartbeats.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// BatchChannel names the channel carrying one batch's events
func BatchChannel(batchID string) string {
	return "batch:" + batchID
}

type envelope struct {
	channel string
	payload []byte
}

// Client is one websocket connection. A client with no channels receives
// every batch; otherwise only its channels.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	channels map[string]struct{}
}

func (c *Client) wants(channel string) bool {
	if channel == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.channels) == 0 {
		return true
	}
	_, ok := c.channels[channel]
	return ok
}

func (c *Client) follow(channel string, on bool) {
	if channel == "" {
		return
	}
	c.mu.Lock()
	if on {
		c.channels[channel] = struct{}{}
	} else {
		delete(c.channels, channel)
	}
	c.mu.Unlock()
}

// Hub fans bus events out to websocket clients. Its client set is owned by
// the Run goroutine.
type Hub struct {
	logger *zap.Logger

	register   chan *Client
	unregister chan *Client
	outbound   chan envelope
	done       chan struct{}
	closeOnce  sync.Once

	connected atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates a hub; call Run to start it
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		outbound:   make(chan envelope, sendBuffer),
		done:       make(chan struct{}),
	}
}

// Attach forwards batch and unit events from the bus
func (h *Hub) Attach(bus *events.EventBus) *events.Subscription {
	return bus.Subscribe(func(ev events.Event) error {
		switch e := ev.(type) {
		case *events.BatchEvent:
			h.Publish(BatchChannel(e.BatchID), MsgTypeBatchEvent, e)
		case *events.UnitEvent:
			h.Publish(BatchChannel(e.BatchID), MsgTypeUnitEvent, e)
		}
		return nil
	})
}

// Run serves registrations and delivers messages until Close
func (h *Hub) Run() {
	clients := make(map[*Client]struct{})
	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	drop := func(c *Client) {
		if _, ok := clients[c]; !ok {
			return
		}
		delete(clients, c)
		close(c.send)
		h.connected.Store(int64(len(clients)))
	}

	deliver := func(env envelope) {
		for c := range clients {
			if !c.wants(env.channel) {
				continue
			}
			select {
			case c.send <- env.payload:
			default:
				h.dropped.Add(1)
			}
		}
	}

	for {
		select {
		case c := <-h.register:
			clients[c] = struct{}{}
			h.connected.Store(int64(len(clients)))
			h.logger.Debug("WebSocket client connected", zap.String("id", c.id))

		case c := <-h.unregister:
			drop(c)
			h.logger.Debug("WebSocket client disconnected", zap.String("id", c.id))

		case env := <-h.outbound:
			deliver(env)

		case <-heartbeat.C:
			if payload, err := encode("", MsgTypeHeartbeat, nil); err == nil {
				deliver(envelope{payload: payload})
			}

		case <-h.done:
			for c := range clients {
				c.conn.Close()
				drop(c)
			}
			return
		}
	}
}

// Close stops Run and closes every connection
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Publish queues a message for the channel's clients. A full queue drops
// the message instead of blocking the event bus.
func (h *Hub) Publish(channel string, msgType MessageType, data interface{}) {
	payload, err := encode(channel, msgType, data)
	if err != nil {
		h.logger.Error("Failed to encode websocket message", zap.Error(err))
		return
	}
	select {
	case h.outbound <- envelope{channel: channel, payload: payload}:
	case <-h.done:
	default:
		h.dropped.Add(1)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	return int(h.connected.Load())
}

// Dropped returns how many messages were discarded for slow clients
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Serve registers conn and starts its pumps. channels preselects batches;
// it returns false when the hub is already closed.
func (h *Hub) Serve(id string, conn *websocket.Conn, channels ...string) bool {
	c := &Client{
		id:       id,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		channels: make(map[string]struct{}),
	}
	for _, ch := range channels {
		c.follow(ch, true)
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return false
	}

	go c.writeLoop()
	go c.readLoop()
	return true
}

func encode(channel string, msgType MessageType, data interface{}) ([]byte, error) {
	msg := WSMessage{
		Type:      msgType,
		Channel:   channel,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

// readLoop applies subscribe/unsubscribe frames until the connection fails
func (c *Client) readLoop() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket read failed", zap.String("id", c.id), zap.Error(err))
			}
			return
		}
		switch msg.Type {
		case MsgTypeSubscribe:
			c.follow(msg.Channel, true)
		case MsgTypeUnsubscribe:
			c.follow(msg.Channel, false)
		}
	}
}

// writeLoop sends queued frames and pings; it exits when send is closed
func (c *Client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
