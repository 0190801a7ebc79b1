// Package ws is the browser and app transport: a gorilla/websocket hub that
// implements push.Notifier and feeds inbound frames to a push.Handler.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nexora/dispatch/core/logger"
	"github.com/nexora/dispatch/core/monitoring"
	"github.com/nexora/dispatch/core/push"
)

// Transport is the connection id prefix of this transport.
const Transport = "ws"

// Config tunes the hub.
type Config struct {
	// AllowedOrigins lists accepted Origin headers. Empty accepts any.
	AllowedOrigins      []string `json:"allowed_origins"`
	SendBuffer          int      `json:"send_buffer"`
	WriteTimeoutSeconds int      `json:"write_timeout_seconds"`
	PongWaitSeconds     int      `json:"pong_wait_seconds"`
	MaxMessageBytes     int64    `json:"max_message_bytes"`
	// FrameTimeoutSeconds bounds the handling of one inbound frame.
	FrameTimeoutSeconds int `json:"frame_timeout_seconds"`
}

// SetDefaults fills unset values.
func (c *Config) SetDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeoutSeconds <= 0 {
		c.WriteTimeoutSeconds = 10
	}
	if c.PongWaitSeconds <= 0 {
		c.PongWaitSeconds = 60
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 16 << 10
	}
	if c.FrameTimeoutSeconds <= 0 {
		c.FrameTimeoutSeconds = 10
	}
}

// Authenticator resolves the user of an upgrade request.
type Authenticator func(r *http.Request) (string, error)

// Hub owns every websocket connection of the process.
type Hub struct {
	cfg      Config
	handler  push.Handler
	log      logger.Logger
	upgrader websocket.Upgrader
	auth     Authenticator

	mu     sync.RWMutex
	conns  map[string]*conn
	rooms  map[string]map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

var _ push.Notifier = (*Hub)(nil)

// NewHub creates a hub delivering inbound frames to h.
func NewHub(cfg Config, h push.Handler, log logger.Logger) *Hub {
	cfg.SetDefaults()
	hub := &Hub{
		cfg:     cfg,
		handler: h,
		log:     log,
		conns:   map[string]*conn{},
		rooms:   map[string]map[string]*conn{},
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     hub.checkOrigin,
	}
	return hub
}

// SetAuthenticator makes every upgrade pass a. A session starts bound to
// the user a returns and cannot claim another identity. Call it before
// serving; nil leaves sockets unauthenticated.
func (h *Hub) SetAuthenticator(a Authenticator) { h.auth = a }

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves the connection until it ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var principal string
	if h.auth != nil {
		uid, err := h.auth(r)
		if err != nil || uid == "" {
			h.log.Debugf("upgrade from %s refused: %v", r.RemoteAddr, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		principal = uid
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugf("upgrade: %v", err)
		return
	}
	c := &conn{
		id:        Transport + ":" + uuid.NewString(),
		hub:       h,
		ws:        ws,
		send:      make(chan []byte, h.cfg.SendBuffer),
		done:      make(chan struct{}),
		principal: principal,
		userID:    principal,
	}
	if !h.register(c) {
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = ws.Close()
		return
	}
	defer h.wg.Done()
	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	push.ConnectionOpened(Transport)
	h.log.Debugf("connection %s opened", c.id)
	return true
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	delete(h.conns, c.id)
	for _, room := range c.rooms() {
		members := h.rooms[room]
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	push.ConnectionClosed(Transport)
	h.log.Debugf("connection %s closed", c.id)
}

func (h *Hub) join(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = map[string]*conn{}
		h.rooms[room] = members
	}
	members[c.id] = c
}

// Unicast implements push.Notifier. Unknown connections are a delivery miss.
func (h *Hub) Unicast(connID, event string, payload any) error {
	msg, err := push.Encode(event, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		push.RecordDropped(Transport)
		return nil
	}
	c.enqueue(msg)
	return nil
}

func (h *Hub) Broadcast(event string, payload any) error {
	msg, err := push.Encode(event, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(msg)
	}
	return nil
}

func (h *Hub) Room(room, event string, payload any) error {
	msg, err := push.Encode(event, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(msg)
	}
	return nil
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown refuses new connections, closes the open ones and waits for
// their handlers to finish or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	open := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()
	for _, c := range open {
		c.close()
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("ws: connections still draining"), ctx.Err())
	}
}

// conn is one websocket client and implements push.Session.
type conn struct {
	id        string
	hub       *Hub
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	once      sync.Once
	principal string

	mu     sync.Mutex
	userID string
	joined []string
}

func (c *conn) ID() string { return c.id }

func (c *conn) Principal() string { return c.principal }

func (c *conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *conn) Bind(userID string) {
	if c.principal != "" && userID != c.principal {
		return
	}
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

func (c *conn) Join(room string) {
	c.mu.Lock()
	for _, r := range c.joined {
		if r == room {
			c.mu.Unlock()
			return
		}
	}
	c.joined = append(c.joined, room)
	c.mu.Unlock()
	c.hub.join(c, room)
}

func (c *conn) rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joined...)
}

// enqueue hands msg to the write pump. A full buffer drops the frame so a
// slow client never blocks the sender.
func (c *conn) enqueue(msg []byte) {
	select {
	case <-c.done:
		push.RecordDropped(Transport)
		return
	default:
	}
	select {
	case c.send <- msg:
		push.RecordSent(Transport)
	default:
		push.RecordDropped(Transport)
		c.hub.log.Warnf("send buffer full for %s, frame dropped", c.id)
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *conn) readPump() {
	defer monitoring.Recover()
	defer func() {
		c.hub.unregister(c)
		c.close()
		ctx, cancel := context.WithTimeout(context.Background(), c.hub.frameTimeout())
		defer cancel()
		c.hub.handler.HandleClose(ctx, c)
	}()

	pongWait := time.Duration(c.hub.cfg.PongWaitSeconds) * time.Second
	c.ws.SetReadLimit(c.hub.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debugf("read %s: %v", c.id, err)
			}
			return
		}
		f, err := push.Decode(data)
		if err != nil || f.Event == "" {
			c.hub.log.Debugf("malformed frame from %s", c.id)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.hub.frameTimeout())
		c.hub.handler.HandleFrame(ctx, c, f)
		cancel()
	}
}

func (c *conn) writePump() {
	defer monitoring.Recover()
	writeWait := time.Duration(c.hub.cfg.WriteTimeoutSeconds) * time.Second
	ping := time.NewTicker(time.Duration(c.hub.cfg.PongWaitSeconds) * time.Second * 9 / 10)
	defer func() {
		ping.Stop()
		c.close()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.log.Debugf("write %s: %v", c.id, err)
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (h *Hub) frameTimeout() time.Duration {
	return time.Duration(h.cfg.FrameTimeoutSeconds) * time.Second
}
