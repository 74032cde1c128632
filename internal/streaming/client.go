package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/devbridge/internal/common/logger"
)

// Websocket keepalive: a peer that misses pongWait is dropped. pingPeriod
// must stay below pongWait.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 * 1024
	sendBufferSize = 256
)

// Client is one websocket stream consumer.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	jobIDs map[string]bool
	mu     sync.RWMutex
	logger *logger.Logger

	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool
}

// NewClient creates a client already subscribed to jobIDs.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger, jobIDs ...string) *Client {
	c := &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		jobIDs: make(map[string]bool, len(jobIDs)),
		send:   make(chan []byte, sendBufferSize),
		logger: log.WithFields(zap.String("client_id", id)),
	}
	for _, jobID := range jobIDs {
		c.jobIDs[jobID] = true
	}
	return c
}

// trySend queues a frame without blocking. It reports false when the buffer
// is full or the client is closed.
func (c *Client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// ReadPump reads subscription changes until the connection fails.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendMessage(ServerMessage{Type: TypeError, Error: "invalid message format"})
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *ClientMessage) {
	c.logger.Debug("Received message", zap.String("action", msg.Action), zap.String("id", msg.ID))

	reply := ServerMessage{Type: TypeResponse, ID: msg.ID, Action: msg.Action, JobID: msg.JobID}
	switch msg.Action {
	case ActionSubscribe, ActionUnsubscribe:
		if msg.JobID == "" {
			reply.Type = TypeError
			reply.Error = "job_id is required"
			break
		}
		if msg.Action == ActionSubscribe {
			c.hub.SubscribeClient(c, msg.JobID)
		} else {
			c.hub.UnsubscribeClient(c, msg.JobID)
		}
	case ActionSubscribeAll:
		c.hub.WatchAll(c, true)
	case ActionUnsubscribeAll:
		c.hub.WatchAll(c, false)
	default:
		reply.Type = TypeError
		reply.Error = "unknown action: " + msg.Action
	}
	c.sendMessage(reply)
}

func (c *Client) sendMessage(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.logger.Warn("Client send buffer full")
	}
}

// WritePump writes queued frames and keeps the connection alive with pings.
// Each frame is its own websocket message.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
