package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/helplane/helplane/internal/model"
	"github.com/helplane/helplane/internal/realtime"
	"github.com/helplane/helplane/internal/store"
	"github.com/helplane/helplane/pkg/logger"
	"github.com/helplane/helplane/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameBytes  = 4 * 1024
	sendBufferSize = 64
)

// Gateway upgrades widget connections and relays hub events. The widget is
// embedded on arbitrary customer origins, so the upgrader accepts all of
// them; the auth frame carries the actual credentials.
type Gateway struct {
	store  store.Store
	hub    *realtime.Hub
	logger *logger.Logger

	upgrader websocket.Upgrader
}

// NewGateway creates the widget websocket gateway.
func NewGateway(st store.Store, hub *realtime.Hub, log *logger.Logger) *Gateway {
	return &Gateway{
		store:  st,
		hub:    hub,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /realtime/widget.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		gateway: g,
		conn:    conn,
		send:    make(chan Frame, sendBufferSize),
		done:    make(chan struct{}),
	}
	metrics.IncrementWSConnections()

	go c.writePump()
	c.readPump()
}

// client is one widget connection. A client must authenticate before joining
// and may join one conversation at a time.
type client struct {
	gateway *Gateway
	conn    *websocket.Conn

	send chan Frame
	done chan struct{}

	mu             sync.Mutex
	channel        *model.Channel
	visitorID      string
	conversationID string
	subs           []*nats.Subscription
}

// enqueue drops the frame when the client cannot keep up. Notifications are
// wake-up hints; the widget re-fetches over HTTP either way.
func (c *client) enqueue(f Frame) {
	select {
	case c.send <- f:
	default:
		c.gateway.logger.Debug("dropping frame for slow websocket client",
			zap.String("type", f.Type))
	}
}

func (c *client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gateway.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(errorFrame("malformed frame"))
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) handleFrame(frame Frame) {
	switch frame.Type {
	case FrameAuth:
		c.handleAuth(frame)
	case FrameJoin:
		c.handleJoin(frame)
	case FrameTyping:
		c.handleTyping(frame)
	case FrameHeartbeat:
		c.enqueue(Frame{Type: FrameHeartbeatAck})
	default:
		c.enqueue(errorFrame("unknown frame type"))
	}
}

func (c *client) handleAuth(frame Frame) {
	channel, err := c.gateway.store.ChannelByPublicKey(context.Background(), frame.PublicKey)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !channel.Active) {
		c.enqueue(errorFrame("unauthorized"))
		return
	}
	if err != nil {
		c.enqueue(errorFrame("unavailable"))
		return
	}
	if frame.VisitorID == "" {
		c.enqueue(errorFrame("unauthorized"))
		return
	}

	c.mu.Lock()
	c.channel = channel
	c.visitorID = frame.VisitorID
	c.mu.Unlock()

	c.enqueue(Frame{Type: FrameAuthOK})
}

func (c *client) handleJoin(frame Frame) {
	c.mu.Lock()
	channel := c.channel
	visitorID := c.visitorID
	c.mu.Unlock()
	if channel == nil {
		c.enqueue(errorFrame("authenticate first"))
		return
	}

	conv, err := c.gateway.store.ConversationForVisitor(context.Background(),
		frame.ConversationID, channel.ID, visitorID)
	if err != nil {
		c.enqueue(errorFrame("conversation not found"))
		return
	}

	convSub, err := c.gateway.hub.SubscribeConversation(conv.ID, func(n realtime.Notification) {
		c.enqueue(Frame{Type: FrameNotify, Notification: &n})
	})
	if err != nil {
		c.enqueue(errorFrame("subscription failed"))
		return
	}
	typingSub, err := c.gateway.hub.SubscribeTyping(conv.ID, func(ev realtime.TypingEvent) {
		// The widget renders agent typing only; its own events echo back
		// through NATS and are filtered client-side by role.
		isTyping := ev.IsTyping
		c.enqueue(Frame{
			Type:     FrameTyping,
			Role:     ev.Role,
			IsTyping: &isTyping,
		})
	})
	if err != nil {
		convSub.Unsubscribe()
		c.enqueue(errorFrame("subscription failed"))
		return
	}

	c.mu.Lock()
	c.unsubscribeLocked()
	c.conversationID = conv.ID
	c.subs = []*nats.Subscription{convSub, typingSub}
	c.mu.Unlock()

	c.enqueue(Frame{
		Type:           FrameJoined,
		ConversationID: conv.ID,
		TypingChannel:  c.gateway.hub.TypingChannel(conv.ID),
	})
}

func (c *client) handleTyping(frame Frame) {
	c.mu.Lock()
	conversationID := c.conversationID
	c.mu.Unlock()
	if conversationID == "" || frame.IsTyping == nil {
		return
	}

	c.gateway.hub.PublishTyping(conversationID, realtime.TypingEvent{
		Role:     "visitor",
		IsTyping: *frame.IsTyping,
	})
}

func (c *client) teardown() {
	c.mu.Lock()
	c.unsubscribeLocked()
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()
	metrics.DecrementWSConnections()
}

func (c *client) unsubscribeLocked() {
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subs = nil
}
