package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sploithunter/cin/internal/common/logger"
	ws "github.com/sploithunter/cin/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// DefaultHistoryLimit bounds the subscribe-time event history.
	DefaultHistoryLimit = 50
)

// SnapshotProvider supplies the welcome-sequence bodies sent on subscribe.
type SnapshotProvider interface {
	SessionsSnapshot() interface{}
	TilesSnapshot() interface{}
	HistorySnapshot(limit int) interface{}
	VoiceEnabled() bool
}

// Client is a single push-channel connection.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger
}

// NewClient creates a Client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps messages from the connection into the hub.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}
		if msgType == websocket.BinaryMessage {
			// Binary frames are voice audio; the transcription proxy is not
			// wired into this process.
			c.sendVoiceError()
			continue
		}

		var msg ws.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Error("failed to parse client message", zap.Error(err))
			c.sendMessage(ws.NewError(ws.TypeError, "invalid message format"))
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("received message", zap.String("type", msg.Type))

	switch {
	case msg.Type == ws.TypeSubscribe:
		c.sendWelcome()
		return

	case msg.Type == ws.TypePing:
		reply, _ := ws.New(ws.TypePong, nil)
		c.sendMessage(reply)
		return

	case msg.Type == ws.TypeGetHistory:
		c.handleGetHistory(msg)
		return

	case strings.HasPrefix(msg.Type, ws.VoicePrefix):
		c.sendVoiceError()
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("handler error", zap.String("type", msg.Type), zap.Error(err))
		c.sendMessage(ws.NewError(ws.TypeError, err.Error()))
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

// sendWelcome delivers the subscribe sequence: init, connected, the sessions
// snapshot, the tiles snapshot, then recent history for live sessions.
func (c *Client) sendWelcome() {
	snaps := c.hub.snapshots
	if snaps == nil {
		return
	}

	init, _ := ws.New(ws.TypeInit, map[string]interface{}{
		"clientId":     c.ID,
		"voiceEnabled": snaps.VoiceEnabled(),
	})
	c.sendMessage(init)

	connected, _ := ws.New(ws.TypeConnected, nil)
	c.sendMessage(connected)

	sessions, _ := ws.New(ws.TypeSessions, snaps.SessionsSnapshot())
	c.sendMessage(sessions)

	if tiles := snaps.TilesSnapshot(); tiles != nil {
		tileMsg, _ := ws.New(ws.TypeTextTiles, tiles)
		c.sendMessage(tileMsg)
	}

	history, _ := ws.New(ws.TypeHistory, snaps.HistorySnapshot(DefaultHistoryLimit))
	c.sendMessage(history)
}

type historyRequest struct {
	Limit int `json:"limit"`
}

func (c *Client) handleGetHistory(msg *ws.Message) {
	snaps := c.hub.snapshots
	if snaps == nil {
		return
	}

	var req historyRequest
	if err := msg.ParseBody(&req); err != nil {
		c.sendMessage(ws.NewError(ws.TypeError, "invalid get_history payload"))
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	reply, _ := ws.New(ws.TypeHistory, snaps.HistorySnapshot(limit))
	c.sendMessage(reply)
}

func (c *Client) sendVoiceError() {
	reply, _ := ws.New(ws.TypeVoiceError, map[string]string{
		"error": "voice transcription is not enabled",
	})
	c.sendMessage(reply)
}

// sendMessage queues a message for this client only.
func (c *Client) sendMessage(msg *ws.Message) {
	data, err := msg.Encode()
	if err != nil {
		c.logger.Error("failed to encode message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

// WritePump pumps queued messages to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
