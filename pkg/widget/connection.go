package widget

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// HeartbeatInterval keeps the websocket alive through proxies.
	HeartbeatInterval = 30 * time.Second
	// ReconnectDelay is the single retry delay after an unexpected close.
	ReconnectDelay = 5 * time.Second
)

// ConnState is the widget connection lifecycle state.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateJoined
	StateReconnecting
	StateClosed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ConnEvent drives state transitions.
type ConnEvent int

const (
	// EventJoined fires when the server acknowledged auth and join.
	EventJoined ConnEvent = iota
	// EventDropped fires on an unexpected close or failed dial.
	EventDropped
	// EventShutdown fires on deliberate teardown.
	EventShutdown
)

// NextState is the connection transition table. One reconnect attempt is
// allowed per established session; a drop while already reconnecting gives
// up, leaving the session on polling.
func NextState(s ConnState, e ConnEvent) ConnState {
	if e == EventShutdown {
		return StateClosed
	}
	switch s {
	case StateConnecting:
		if e == EventJoined {
			return StateJoined
		}
		return StateReconnecting
	case StateJoined:
		if e == EventDropped {
			return StateReconnecting
		}
		return StateJoined
	case StateReconnecting:
		if e == EventJoined {
			return StateJoined
		}
		return StateClosed
	case StateClosed:
		return StateClosed
	}
	return StateClosed
}

// wsFrame mirrors the gateway envelope.
type wsFrame struct {
	Type           string          `json:"type"`
	PublicKey      string          `json:"publicKey,omitempty"`
	VisitorID      string          `json:"visitorId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	TypingChannel  string          `json:"typingChannel,omitempty"`
	Role           string          `json:"role,omitempty"`
	IsTyping       *bool           `json:"isTyping,omitempty"`
	Notification   json.RawMessage `json:"notification,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Connection maintains the realtime link for one session. On notify frames
// it pokes the session; when the link dies for good the caller falls back to
// polling the HTTP surface.
type Connection struct {
	url     string
	session *Session
	typing  *TypingIndicator
	sender  *TypingSender

	dialer *websocket.Dialer

	mu      sync.Mutex
	state   ConnState
	conn    *websocket.Conn
	retried bool
	done    chan struct{}
}

// NewConnection creates an unopened realtime connection for the session.
func NewConnection(wsURL string, session *Session) *Connection {
	return &Connection{
		url:     wsURL,
		session: session,
		typing:  NewTypingIndicator(),
		sender:  NewTypingSender(),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:   StateConnecting,
		done:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Typing returns the remote typing indicator.
func (c *Connection) Typing() *TypingIndicator {
	return c.typing
}

// Open dials, authenticates, and joins the session's conversation. It spawns
// the read and heartbeat loops and returns once joined.
func (c *Connection) Open() error {
	conn, err := c.dial()
	if err != nil {
		c.applyEvent(EventDropped)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.applyEvent(EventJoined)

	go c.readLoop(conn)
	go c.heartbeatLoop(conn)
	return nil
}

func (c *Connection) dial() (*websocket.Conn, error) {
	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		return nil, err
	}

	auth := wsFrame{Type: "auth", PublicKey: c.session.publicKey, VisitorID: c.session.visitorID}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, err
	}
	var ack wsFrame
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != "auth_ok" {
		conn.Close()
		return nil, errOrProtocol(err)
	}

	join := wsFrame{Type: "join", ConversationID: c.session.ConversationID()}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != "joined" {
		conn.Close()
		return nil, errOrProtocol(err)
	}
	return conn, nil
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			c.handleDrop(conn)
			return
		}

		switch frame.Type {
		case "notify":
			c.session.OnNotification()
		case "typing":
			if frame.IsTyping != nil && frame.Role != "visitor" {
				c.typing.Observe(frame.Role, *frame.IsTyping)
			}
		}
	}
}

func (c *Connection) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteJSON(wsFrame{Type: "heartbeat"}); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleDrop runs the single-reconnect policy: the first unexpected drop
// schedules one retry after ReconnectDelay, any later drop closes the
// connection and moves the session to HTTP polling.
func (c *Connection) handleDrop(conn *websocket.Conn) {
	if conn != nil {
		conn.Close()
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.retried {
		c.state = StateClosed
		c.mu.Unlock()
		c.session.StartPolling()
		return
	}
	c.retried = true
	c.state = NextState(c.state, EventDropped)
	c.mu.Unlock()

	time.AfterFunc(ReconnectDelay, func() {
		if c.State() != StateReconnecting {
			return
		}
		if err := c.Open(); err != nil {
			c.session.StartPolling()
		}
	})
}

// SendTyping relays the visitor's typing state, throttled.
func (c *Connection) SendTyping(isTyping bool) {
	if !c.sender.ShouldSend(isTyping) {
		return
	}
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != StateJoined || conn == nil {
		return
	}
	v := isTyping
	conn.WriteJSON(wsFrame{Type: "typing", IsTyping: &v})
}

// Close tears the connection down for good. No reconnect follows.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

func (c *Connection) applyEvent(e ConnEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = NextState(c.state, e)
}

type protocolError string

func (e protocolError) Error() string { return string(e) }

func errOrProtocol(err error) error {
	if err != nil {
		return err
	}
	return protocolError("unexpected server frame")
}
