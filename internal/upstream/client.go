// Package upstream implements the reconnecting WebSocket client that feeds
// the relay from the upstream event source: connection lifecycle,
// exponential-backoff reconnect, and the subscription control protocol.
package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relay/internal/logging"
)

// ConnectionState enumerates the client's lifecycle states.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

// String renders the connection state the way it appears on the wire
// (dashboard's connectionStatus message).
func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

const (
	// InitialBackoff is the delay before the first reconnect attempt.
	InitialBackoff = time.Second
	// MaxBackoff caps the exponential reconnect backoff.
	MaxBackoff = 5 * time.Second
	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout = 20 * time.Second
	// HeartbeatInterval is how often the client pings the upstream socket.
	HeartbeatInterval = 25 * time.Second
	// ServerPingTimeout is the read deadline extended on every inbound frame.
	ServerPingTimeout = 60 * time.Second
	// DefaultAckTimeout bounds how long updateSubscription waits for an ack.
	DefaultAckTimeout = 10 * time.Second
)

// EventHandler receives each inbound event frame's raw JSON payload.
type EventHandler func(raw []byte)

// Config configures a Client.
type Config struct {
	URL   string
	Token string

	Channels []string
	Users    []string

	Logger *logging.Logger
	Now    func() time.Time

	// Dial is overridable for tests; defaults to websocket.DefaultDialer.
	Dial func(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error)
}

type subscribeFrame struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
	Users    []string `json:"users,omitempty"`
}

type ackFrame struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
	Users    []string `json:"users"`
}

// Client is a long-lived, reconnecting client to the upstream event source.
type Client struct {
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
	dial   func(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error)

	onEvent EventHandler

	mu    sync.Mutex
	state ConnectionState
	conn  *websocket.Conn
	send  chan []byte

	subMu    sync.Mutex
	channels []string
	users    []string
	pending  chan error

	stop   chan struct{}
	done   chan struct{}
	stopMu sync.Mutex
	closed bool
}

// New constructs a Client. onEvent is invoked from the reader goroutine for
// every inbound event frame; it must not block.
func New(cfg Config, onEvent EventHandler) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	dial := cfg.Dial
	if dial == nil {
		dial = websocket.DefaultDialer.Dial
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		now:      now,
		dial:     dial,
		onEvent:  onEvent,
		channels: append([]string(nil), cfg.Channels...),
		users:    append([]string(nil), cfg.Users...),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// GetConnectionState returns the client's current lifecycle state.
func (c *Client) GetConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect starts the reconnect loop in the background. It returns
// immediately; connection progress is observed via GetConnectionState.
func (c *Client) Connect() {
	go c.run()
}

// Disconnect ends the reconnect loop and closes any active connection.
func (c *Client) Disconnect() {
	c.stopMu.Lock()
	if c.closed {
		c.stopMu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	c.stopMu.Unlock()
	<-c.done
	c.setState(Disconnected)
}

func (c *Client) run() {
	defer close(c.done)

	backoff := InitialBackoff
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		c.setState(Connecting)
		conn, err := c.dialWithTimeout()
		if err != nil {
			c.logger.Warn("upstream connect failed", logging.Error(err))
			c.setState(Reconnecting)
			if !c.sleepOrStop(backoff) {
				return
			}
			backoff *= 2
			if backoff > MaxBackoff {
				backoff = MaxBackoff
			}
			continue
		}

		backoff = InitialBackoff
		c.mu.Lock()
		c.conn = conn
		c.send = make(chan []byte, 64)
		c.mu.Unlock()
		c.setState(Connected)

		if err := c.sendSubscribe(c.currentChannels(), c.currentUsers()); err != nil {
			c.logger.Warn("failed to send initial subscribe frame", logging.Error(err))
		}

		c.serve(conn)

		c.setState(Reconnecting)
		select {
		case <-c.stop:
			return
		default:
		}
	}
}

func (c *Client) dialWithTimeout() (*websocket.Conn, error) {
	parsed, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	result := make(chan error, 1)
	var conn *websocket.Conn
	go func() {
		var err error
		conn, _, err = c.dial(parsed.String(), header)
		result <- err
	}()

	select {
	case err := <-result:
		return conn, err
	case <-time.After(ConnectTimeout):
		return nil, fmt.Errorf("connect to %s timed out after %s", parsed.Host, ConnectTimeout)
	}
}

// serve runs the reader/writer pump pair for a single connection and blocks
// until either side errors or Disconnect is called.
func (c *Client) serve(conn *websocket.Conn) {
	readerDone := make(chan struct{})

	waitDuration := ServerPingTimeout
	_ = conn.SetReadDeadline(c.now().Add(waitDuration))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(c.now().Add(waitDuration))
	})

	go func() {
		defer close(readerDone)
		for {
			messageType, msg, err := conn.ReadMessage()
			if err != nil {
				c.logger.Warn("upstream read error", logging.Error(err))
				return
			}
			if err := conn.SetReadDeadline(c.now().Add(waitDuration)); err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			c.handleFrame(msg)
		}
	}()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readerDone:
			_ = conn.Close()
			return
		case <-c.stop:
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			_ = conn.Close()
			<-readerDone
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("upstream write error", logging.Error(err))
				_ = conn.Close()
				<-readerDone
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, c.now().Add(5*time.Second)); err != nil {
				c.logger.Warn("upstream heartbeat ping failed", logging.Error(err))
				_ = conn.Close()
				<-readerDone
				return
			}
		}
	}
}

func (c *Client) handleFrame(msg []byte) {
	var probe struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil {
		c.logger.Debug("dropping malformed upstream frame", logging.Error(err))
		return
	}
	if strings.EqualFold(probe.Op, "subscribed") {
		c.resolveAck(msg, nil)
		return
	}
	if c.onEvent != nil {
		c.onEvent(msg)
	}
}

func (c *Client) resolveAck(msg []byte, err error) {
	c.subMu.Lock()
	pending := c.pending
	c.pending = nil
	c.subMu.Unlock()
	if pending != nil {
		pending <- err
	}
}

func (c *Client) currentChannels() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return append([]string(nil), c.channels...)
}

func (c *Client) currentUsers() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return append([]string(nil), c.users...)
}

func (c *Client) sendSubscribe(channels, users []string) error {
	frame := subscribeFrame{Op: "subscribe", Channels: channels, Users: users}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal subscribe frame: %w", err)
	}
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return fmt.Errorf("upstream: not connected")
	}
	select {
	case send <- payload:
		return nil
	default:
		return fmt.Errorf("upstream: send buffer full")
	}
}

// UpdateSubscription sends a new Subscribe frame and awaits the server's
// acknowledgement (or ackTimeout, defaulting to DefaultAckTimeout). Fails
// immediately with a transport-state error if not currently connected. On
// timeout the waiter is rejected without rolling back server-side state.
func (c *Client) UpdateSubscription(channels, users []string, ackTimeout time.Duration) error {
	if c.GetConnectionState() != Connected {
		return fmt.Errorf("upstream: cannot update subscription while %s", c.GetConnectionState())
	}
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}

	ack := make(chan error, 1)
	c.subMu.Lock()
	c.pending = ack
	c.channels = append([]string(nil), channels...)
	c.users = append([]string(nil), users...)
	c.subMu.Unlock()

	if err := c.sendSubscribe(channels, users); err != nil {
		c.subMu.Lock()
		c.pending = nil
		c.subMu.Unlock()
		return err
	}

	select {
	case err := <-ack:
		return err
	case <-time.After(ackTimeout):
		return fmt.Errorf("upstream: subscription update ack timed out after %s", ackTimeout)
	}
}

func (c *Client) sleepOrStop(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.stop:
		return false
	case <-timer.C:
		return true
	}
}
