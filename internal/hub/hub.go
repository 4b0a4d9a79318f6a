// Package hub implements the connection hub: one WebSocket connection per
// client, authenticated at upgrade time, with a bounded outbound queue,
// heartbeat, and flood protection. Each connection runs an independent
// readPump/writePump pair; fan-out never blocks on a slow peer because
// writes only ever enqueue.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"virtualworld/internal/apperr"
	"virtualworld/internal/authn"
	"virtualworld/internal/config"
	"virtualworld/internal/presence"
	"virtualworld/internal/rooms"
	"virtualworld/pkg/frame"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 512 * 1024

	// A connection emitting more than floodLimit validation errors within
	// floodWindow is closed.
	floodWindow = 60 * time.Second
	floodLimit  = 10
)

// Dispatcher handles one decoded inbound frame for a connection, and is
// notified when a connection goes away so it can tear down per-connection
// state (live registrations, call participations). Returning an apperr
// with KindValidation counts against the connection's flood budget; any
// other error is sent back as an error frame.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *Connection, frameType string, payload []byte) error
	ConnectionClosed(conn *Connection)
}

// Connection is one authenticated WebSocket connection. It satisfies
// rooms.Conn so the room manager can address it directly.
type Connection struct {
	hub    *Hub
	conn   *websocket.Conn
	id     string
	userID string
	role   string

	send chan []byte

	mu             sync.Mutex
	floodEvents    []time.Time
	closeOnce      sync.Once
	landRoom       string
	saturatedSince time.Time
}

// ID returns the connection's unique id (distinct from UserID — one user
// may hold several concurrent connections, e.g. two browser tabs).
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated caller's id.
func (c *Connection) UserID() string { return c.userID }

// Role returns the caller's authorization tier as verified at upgrade.
func (c *Connection) Role() string { return c.role }

// LandRoom returns the proximity room this connection currently occupies,
// empty if it has not reported a location yet.
func (c *Connection) LandRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.landRoom
}

// SetLandRoom records the proximity room after a location migration.
func (c *Connection) SetLandRoom(room string) {
	c.mu.Lock()
	c.landRoom = room
	c.mu.Unlock()
}

// Enqueue sends frame on the connection's outbound queue without blocking.
// If the queue is full, the oldest buffered frame is dropped to make room —
// returns false if the queue had to drop to accept this write, true
// otherwise.
func (c *Connection) Enqueue(f any) (delivered bool) {
	env, ok := f.(frame.Envelope)
	if !ok {
		panic("hub: Enqueue called with non-frame.Envelope value")
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.hub.logger.Error("marshal outbound frame", "error", err, "type", env.Type)
		return false
	}

	// A broadcast can race the connection's teardown; a send on the
	// already-closed queue just means the frame had nowhere to go.
	defer func() {
		if recover() != nil {
			delivered = false
		}
	}()

	select {
	case c.send <- data:
		c.markDrained()
		return true
	default:
	}

	// Queue full: drop the oldest frame and retry once. A queue that stays
	// saturated past the configured window gets the connection closed
	// rather than silently shedding frames forever.
	if c.markSaturated(c.hub.backpressureCloseAfter()) {
		c.hub.logger.Warn("closing connection: outbound queue saturated", "conn_id", c.id, "user_id", c.userID)
		c.close()
		return false
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
		return false
	default:
		return false
	}
}

func (c *Connection) markDrained() {
	c.mu.Lock()
	c.saturatedSince = time.Time{}
	c.mu.Unlock()
}

// markSaturated records that the queue was full at this moment and reports
// whether it has now been continuously saturated for longer than window.
func (c *Connection) markSaturated(window time.Duration) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saturatedSince.IsZero() {
		c.saturatedSince = now
		return false
	}
	return now.Sub(c.saturatedSince) > window
}

// Send is a typed convenience wrapper over Enqueue.
func (c *Connection) Send(typ string, payload any) {
	c.Enqueue(frame.Encode(typ, payload))
}

// SendError sends a structured error frame derived from err.
func (c *Connection) SendError(err error) {
	e := apperr.From(err)
	c.Send(frame.TypeError, frame.ErrorOut{Code: string(e.Kind), Detail: e.Public()})
}

// recordValidationError tracks one flood-budget event and reports whether
// the connection has exceeded floodLimit within floodWindow.
func (c *Connection) recordValidationError() bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-floodWindow)
	kept := c.floodEvents[:0]
	for _, t := range c.floodEvents {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.floodEvents = kept
	return len(c.floodEvents) > floodLimit
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub owns every live connection, keyed by user id then connection id.
type Hub struct {
	cfg        config.HubConfig
	logger     *slog.Logger
	rooms      *rooms.Manager
	presence   *presence.Tracker
	verifier   authn.Verifier
	dispatcher Dispatcher

	mu     sync.RWMutex
	byUser map[string]map[string]*Connection
}

// New builds a connection hub. dispatcher may be nil during construction
// and set later via SetDispatcher to break the hub<->api import cycle
// (the dispatcher needs the hub to address connections by user id, and
// the hub needs the dispatcher to route inbound frames).
func New(cfg config.HubConfig, logger *slog.Logger, rm *rooms.Manager, pt *presence.Tracker, verifier authn.Verifier) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger.With("component", "hub"),
		rooms:    rm,
		presence: pt,
		verifier: verifier,
		byUser:   make(map[string]map[string]*Connection),
	}
}

// SetDispatcher wires the frame router after construction.
func (h *Hub) SetDispatcher(d Dispatcher) { h.dispatcher = d }

// Rooms exposes the room manager for dispatcher use.
func (h *Hub) Rooms() *rooms.Manager { return h.rooms }

// Presence exposes the presence tracker for dispatcher use.
func (h *Hub) Presence() *presence.Tracker { return h.presence }

// Authenticate verifies the bearer token carried on the upgrade request and
// returns the caller identity, or an apperr(KindAuth) on failure. Callers
// should close the socket with apperr.WSCloseAuthFailed on error.
func (h *Hub) Authenticate(ctx context.Context, token string) (authn.Identity, error) {
	return h.verifier.Verify(ctx, token)
}

// Accept registers a newly upgraded, already-authenticated socket and
// starts its read/write pumps. It blocks until the connection closes.
func (h *Hub) Accept(ctx context.Context, ws *websocket.Conn, connID, userID, role string) {
	c := &Connection{
		hub:    h,
		conn:   ws,
		id:     connID,
		userID: userID,
		role:   role,
		send:   make(chan []byte, h.queueDepth()),
	}

	h.mu.Lock()
	set, ok := h.byUser[userID]
	if !ok {
		set = make(map[string]*Connection)
		h.byUser[userID] = set
	}
	set[connID] = c
	firstConn := len(set) == 1
	h.mu.Unlock()

	h.logger.Info("connection accepted", "user_id", userID, "conn_id", connID)
	if firstConn {
		if err := h.presence.MarkOnline(ctx, userID, 0, 0); err != nil {
			h.logger.Warn("mark online failed", "user_id", userID, "error", err)
		}
	}

	c.Send(frame.TypeConnected, frame.Connected{UserID: userID})

	done := make(chan struct{})
	go func() {
		h.writePump(c)
		close(done)
	}()
	h.readPump(ctx, c)
	<-done

	h.removeConnection(c)
}

func (h *Hub) queueDepth() int {
	if h.cfg.OutboundQueueDepth > 0 {
		return h.cfg.OutboundQueueDepth
	}
	return 256
}

func (h *Hub) backpressureCloseAfter() time.Duration {
	if h.cfg.BackpressureCloseAfter > 0 {
		return h.cfg.BackpressureCloseAfter
	}
	return 2 * time.Second
}

func (h *Hub) heartbeat() time.Duration {
	if h.cfg.HeartbeatInterval > 0 {
		return h.cfg.HeartbeatInterval
	}
	return 60 * time.Second
}

func (h *Hub) removeConnection(c *Connection) {
	// Deregister from the user map first so IsConnected reflects the
	// close, then tear down dispatcher state (live registrations, call
	// participations) while the connection is still a member of its
	// rooms, so live_peer_left reaches the right audience.
	h.mu.Lock()
	lastConn := false
	if set, ok := h.byUser[c.userID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.byUser, c.userID)
			lastConn = true
		}
	}
	h.mu.Unlock()

	if h.dispatcher != nil {
		h.dispatcher.ConnectionClosed(c)
	}

	for _, room := range h.rooms.LeaveAll(c.id) {
		h.rooms.Broadcast(room, frame.Encode(frame.TypeUserLeft, frame.UserLeft{Room: room, UserID: c.userID}), nil)
	}

	if lastConn {
		h.presence.MarkOfflineAfterGrace(c.userID)
	}
	h.logger.Info("connection closed", "user_id", c.userID, "conn_id", c.id)
}

// Deliver enqueues a frame to every live connection belonging to userID,
// across however many tabs/devices they currently have open.
func (h *Hub) Deliver(userID string, env frame.Envelope) {
	h.mu.RLock()
	conns := h.byUser[userID]
	snapshot := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()
	for _, c := range snapshot {
		c.Enqueue(env)
	}
}

// BroadcastAll enqueues a frame to every live connection on this hub.
// Used for biome market updates, which every connected client subscribes
// to implicitly.
func (h *Hub) BroadcastAll(env frame.Envelope) {
	h.mu.RLock()
	snapshot := make([]*Connection, 0, len(h.byUser))
	for _, conns := range h.byUser {
		for _, c := range conns {
			snapshot = append(snapshot, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range snapshot {
		c.Enqueue(env)
	}
}

// IsConnected reports whether userID currently has at least one live
// connection.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byUser[userID]
	return ok
}

func (h *Hub) writePump(c *Connection) {
	ticker := time.NewTicker(h.heartbeat())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (h *Hub) readPump(ctx context.Context, c *Connection) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("websocket read error", "conn_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		typ, payload, err := frame.DecodeInbound(raw)
		if err != nil {
			if h.tickFlood(c) {
				return
			}
			c.SendError(apperr.New(apperr.KindValidation, "malformed frame: %v", err))
			continue
		}

		if typ == frame.TypePing {
			// A heartbeat renews the presence row's TTL so it does not
			// expire while the connection is alive.
			if err := h.presence.MarkOnline(ctx, c.userID, 0, 0); err != nil {
				h.logger.Warn("presence refresh failed", "user_id", c.userID, "error", err)
			}
			c.Send(frame.TypePong, struct{}{})
			continue
		}

		if h.dispatcher == nil {
			continue
		}
		if err := h.dispatcher.Dispatch(ctx, c, typ, payload); err != nil {
			e := apperr.From(err)
			if e.Kind == apperr.KindValidation && h.tickFlood(c) {
				return
			}
			c.SendError(e)
		}
	}
}

// tickFlood records a validation error against c's flood budget, closing
// the connection and returning true if the budget is exceeded.
func (h *Hub) tickFlood(c *Connection) bool {
	if !c.recordValidationError() {
		return false
	}
	h.logger.Warn("closing connection for flooding validation errors", "conn_id", c.id, "user_id", c.userID)
	c.close()
	return true
}
