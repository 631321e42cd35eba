// Package dashboard implements the bidirectional WebSocket gateway to
// browser dashboards: best-effort event fan-out, a last-100 reconnect ring,
// and the runtime-subscription control RPC gated to loopback clients.
package dashboard

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relay/internal/eventbus"
	"relay/internal/eventmodel"
	"relay/internal/logging"
	"relay/internal/monitoredusers"
	"relay/internal/streamcore"
	"relay/internal/upstream"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait / 2
	ringSize   = 100
)

// Always allow loopback addresses as control clients.
var localHosts = map[string]struct{}{
	"127.0.0.1":        {},
	"::1":              {},
	"::ffff:127.0.0.1": {},
	"localhost":        {},
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FilterConfig mirrors the dashboard's local filter-state snapshot, mutated
// by updateFilters. It is display-only: the server-side pipeline governing
// admission is configured independently.
type FilterConfig struct {
	Users      []string `json:"users"`
	Keywords   []string `json:"keywords"`
	EventTypes []string `json:"eventTypes"`
}

// client is one connected dashboard peer.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	id        string
	isControl bool
	log       *logging.Logger
}

// Config configures a Gateway.
type Config struct {
	Core           *streamcore.Core
	Upstream       *upstream.Client
	MonitoredUsers *monitoredusers.Fetcher
	AlertStats     func() map[string]any
	Logger         *logging.Logger
	Now            func() time.Time
	StartedAt      time.Time
}

// Gateway is the dashboard socket server plus its HTTP health surface.
type Gateway struct {
	core           *streamcore.Core
	upstream       *upstream.Client
	monitoredUsers *monitoredusers.Fetcher
	alertStats     func() map[string]any
	logger         *logging.Logger
	now            func() time.Time
	startedAt      time.Time

	mu      sync.RWMutex
	clients map[*client]struct{}

	ringMu sync.Mutex
	ring   []eventmodel.Event

	filterMu sync.RWMutex
	filters  FilterConfig

	busSubID string
}

// New constructs a Gateway.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		core:           cfg.Core,
		upstream:       cfg.Upstream,
		monitoredUsers: cfg.MonitoredUsers,
		alertStats:     cfg.AlertStats,
		logger:         logger,
		now:            now,
		startedAt:      cfg.StartedAt,
		clients:        make(map[*client]struct{}),
	}
}

// Attach subscribes the gateway on bus's dashboard channel so every
// admitted event is forwarded to connected clients.
func (g *Gateway) Attach(bus *eventbus.Bus, channel string) {
	if g == nil || bus == nil {
		return
	}
	g.busSubID = bus.Subscribe(channel, func(e eventmodel.Event) error {
		g.recordRing(e)
		g.broadcast(outboundFrame{Type: "event", Data: e})
		return nil
	})
}

// Detach removes the gateway's bus subscription.
func (g *Gateway) Detach(bus *eventbus.Bus) {
	if g == nil || bus == nil || g.busSubID == "" {
		return
	}
	bus.Unsubscribe(g.busSubID)
	g.busSubID = ""
}

func (g *Gateway) recordRing(e eventmodel.Event) {
	g.ringMu.Lock()
	defer g.ringMu.Unlock()
	g.ring = append(g.ring, e)
	if len(g.ring) > ringSize {
		g.ring = g.ring[len(g.ring)-ringSize:]
	}
}

func (g *Gateway) ringSnapshot() []eventmodel.Event {
	g.ringMu.Lock()
	defer g.ringMu.Unlock()
	out := make([]eventmodel.Event, len(g.ring))
	copy(out, g.ring)
	return out
}

// outboundFrame is every server->client push message: state, event,
// activeUsers, filters, connectionStatus, runtimeSubscriptionUpdated.
type outboundFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// inboundFrame is a client->server RPC invocation using the ack-callback
// convention: the server always replies exactly once on AckID with either
// {success,data} or {error}, unless AckID is empty (ack-less invocations
// are logged and ignored, never crash the server).
type inboundFrame struct {
	RPC     string          `json:"rpc"`
	AckID   string          `json:"ackId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ackFrame struct {
	AckID   string `json:"ackId"`
	Success bool   `json:"success,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// stateSnapshot is the payload of the "state" push on connect and of
// GET /api/state.
type stateSnapshot struct {
	Events            []eventmodel.Event `json:"events"`
	ActiveUsers       []string           `json:"activeUsers"`
	ConnectionStatus  string             `json:"connectionStatus"`
	Stats             any                `json:"stats"`
	Filters           FilterConfig       `json:"filters"`
	UnknownEventTypes map[string]int     `json:"unknownEventTypes"`
}

// ServeWS upgrades an HTTP request to a dashboard WebSocket connection,
// classifies the peer, and sends the initial state snapshot before any
// subsequent event push.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("dashboard websocket upgrade failed", logging.Error(err))
		return
	}

	id := newClientID()
	c := &client{
		conn:      conn,
		send:      make(chan []byte, 64),
		id:        id,
		isControl: isControlPeer(r.RemoteAddr),
		log:       g.logger.With(logging.String("client_id", id)),
	}

	c.log.Info("dashboard client connected", logging.Bool("control", c.isControl))

	// Queue the state snapshot before the client becomes visible to
	// broadcast(), so a concurrently published event can never overtake it.
	g.sendState(c)

	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()

	go g.writePump(c)
	g.readPump(c)
}

func (g *Gateway) readPump(c *client) {
	defer g.deregister(c)

	_ = c.conn.SetReadDeadline(g.now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(g.now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("dashboard client closed unexpectedly", logging.Error(err))
			}
			return
		}
		g.handleInbound(c, msg)
	}
}

func (g *Gateway) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(g.now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Warn("dashboard write error", logging.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(g.now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) deregister(c *client) {
	g.mu.Lock()
	if _, ok := g.clients[c]; ok {
		delete(g.clients, c)
		close(c.send)
	}
	g.mu.Unlock()
}

func (g *Gateway) handleInbound(c *client, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.Debug("dropping malformed dashboard frame", logging.Error(err))
		return
	}
	if frame.RPC == "" {
		c.log.Debug("dropping frame with no rpc name")
		return
	}

	data, rpcErr := g.dispatchRPC(c, frame.RPC, frame.Payload)

	if frame.AckID == "" {
		// Ack-less invocations are logged and otherwise ignored; they must
		// never crash the server.
		if rpcErr != nil {
			c.log.Debug("ack-less rpc failed", logging.String("rpc", frame.RPC), logging.Error(rpcErr))
		}
		return
	}

	ack := ackFrame{AckID: frame.AckID}
	if rpcErr != nil {
		ack.Error = rpcErr.Error()
	} else {
		ack.Success = true
		ack.Data = data
	}
	g.send(c, ack)
}

func (g *Gateway) dispatchRPC(c *client, name string, payload json.RawMessage) (any, error) {
	switch name {
	case "getRuntimeSubscription":
		return g.core.RuntimeSubscription(), nil
	case "setRuntimeSubscription":
		return g.handleSetRuntimeSubscription(c, payload)
	case "updateFilters":
		return g.handleUpdateFilters(payload)
	case "requestActiveUsers":
		if g.monitoredUsers == nil {
			return []string{}, nil
		}
		return g.monitoredUsers.Cached(), nil
	default:
		return nil, fmt.Errorf("unknown rpc %q", name)
	}
}

type subscriptionPayload struct {
	Channels []string `json:"channels"`
	Users    []string `json:"users"`
}

func (g *Gateway) handleSetRuntimeSubscription(c *client, payload json.RawMessage) (any, error) {
	if !c.isControl {
		return nil, fmt.Errorf("Forbidden: subscription modifications only allowed from local control clients")
	}
	var req subscriptionPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid setRuntimeSubscription payload: %w", err)
		}
	}
	updated, err := g.core.UpdateRuntimeSubscription(req.Channels, req.Users, 10*time.Second)
	if err != nil {
		return nil, err
	}
	g.broadcast(outboundFrame{Type: "runtimeSubscriptionUpdated", Data: updated})
	return updated, nil
}

func (g *Gateway) handleUpdateFilters(payload json.RawMessage) (any, error) {
	var req FilterConfig
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid updateFilters payload: %w", err)
		}
	}
	g.filterMu.Lock()
	g.filters = req
	g.filterMu.Unlock()
	g.broadcast(outboundFrame{Type: "filters", Data: req})
	return req, nil
}

// FiltersSnapshot returns the dashboard's local filter mirror.
func (g *Gateway) FiltersSnapshot() FilterConfig {
	g.filterMu.RLock()
	defer g.filterMu.RUnlock()
	return g.filters
}

func (g *Gateway) sendState(c *client) {
	var activeUsers []string
	if g.monitoredUsers != nil {
		activeUsers = g.monitoredUsers.Cached()
	}
	stats := streamcore.Stats{}
	if g.core != nil {
		stats = g.core.StatsSnapshot()
	}
	snapshot := stateSnapshot{
		Events:            g.ringSnapshot(),
		ActiveUsers:       activeUsers,
		ConnectionStatus:  "connected",
		Stats:             stats,
		Filters:           g.FiltersSnapshot(),
		UnknownEventTypes: stats.UnknownTypes,
	}
	g.send(c, outboundFrame{Type: "state", Data: snapshot})
}

// StateSnapshot builds the same document served over the "state" socket
// event, for the plain-HTTP /api/state consumer.
func (g *Gateway) StateSnapshot() any {
	var activeUsers []string
	if g.monitoredUsers != nil {
		activeUsers = g.monitoredUsers.Cached()
	}
	stats := streamcore.Stats{}
	if g.core != nil {
		stats = g.core.StatsSnapshot()
	}
	return stateSnapshot{
		Events:            g.ringSnapshot(),
		ActiveUsers:       activeUsers,
		ConnectionStatus:  "connected",
		Stats:             stats,
		Filters:           g.FiltersSnapshot(),
		UnknownEventTypes: stats.UnknownTypes,
	}
}

func (g *Gateway) broadcast(frame outboundFrame) {
	g.mu.RLock()
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()
	for _, c := range clients {
		g.send(c, frame)
	}
}

func (g *Gateway) send(c *client, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		g.logger.Error("failed to marshal dashboard frame", logging.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("dropping dashboard message: client buffer full")
	}
}

// BroadcastConnectionStatus notifies every connected client of an upstream
// lifecycle transition.
func (g *Gateway) BroadcastConnectionStatus(status string) {
	g.broadcast(outboundFrame{Type: "connectionStatus", Data: status})
}

// ClientCount returns the number of currently connected dashboard clients.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

func isControlPeer(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimSpace(host)
	_, ok := localHosts[host]
	return ok
}

func newClientID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
