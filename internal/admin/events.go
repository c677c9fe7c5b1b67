package admin

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/mediactl/internal/manager"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	MsgSnapshot  = "snapshot"
	MsgLifecycle = "lifecycle"

	clientBuffer = 64
	writeWait    = 5 * time.Second
)

// EventMessage is one frame pushed to /events subscribers.
type EventMessage struct {
	Type     string                  `json:"type"`
	Sessions []manager.SessionInfo   `json:"sessions,omitempty"`
	Event    *manager.LifecycleEvent `json:"event,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}
	go c.writePump()
	return c
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Broadcaster fans manager lifecycle events out to websocket subscribers.
// It implements manager.Observer; Publish never blocks, and a subscriber
// that falls behind is dropped.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	snapshot func() []manager.SessionInfo
	origins  map[string]bool
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

var _ manager.Observer = (*Broadcaster)(nil)

// NewBroadcaster accepts websocket upgrades from origins. An empty list
// accepts only requests without an Origin header or from the same host.
func NewBroadcaster(origins []string, logger zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		clients: make(map[*wsClient]struct{}),
		origins: make(map[string]bool),
		log:     logger.With().Str("component", "events").Logger(),
	}
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			b.origins[trimmed] = true
		}
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     b.checkOrigin,
	}
	return b
}

// SetSnapshot installs the source of the snapshot sent to new subscribers.
func (b *Broadcaster) SetSnapshot(fn func() []manager.SessionInfo) {
	b.mu.Lock()
	b.snapshot = fn
	b.mu.Unlock()
}

func (b *Broadcaster) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if b.origins[origin] || b.origins["*"] {
		return true
	}
	return strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://") == r.Host
}

func (b *Broadcaster) Publish(ev manager.LifecycleEvent) {
	b.broadcast(EventMessage{Type: MsgLifecycle, Event: &ev})
}

// ServeWS upgrades the request and registers the subscriber.
func (b *Broadcaster) ServeWS(c *gin.Context) {
	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := b.add(conn)
	go b.readPump(client)
}

// readPump discards inbound frames and unregisters the subscriber once the
// peer goes away.
func (b *Broadcaster) readPump(c *wsClient) {
	defer b.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) add(conn *websocket.Conn) *wsClient {
	b.mu.RLock()
	snapshot := b.snapshot
	b.mu.RUnlock()

	// The snapshot is taken before locking; manager.Snapshot takes session
	// locks that Publish callers may already hold.
	msg := EventMessage{Type: MsgSnapshot, Sessions: []manager.SessionInfo{}}
	if snapshot != nil {
		msg.Sessions = snapshot()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Warn().Err(err).Msg("snapshot marshal failed")
		data = nil
	}

	c := newWSClient(conn)
	b.mu.Lock()
	b.clients[c] = struct{}{}
	if data != nil {
		c.send <- data
	}
	b.mu.Unlock()
	b.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("events subscriber attached")
	return c
}

func (b *Broadcaster) remove(c *wsClient) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) broadcast(msg EventMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Warn().Err(err).Msg("event marshal failed")
		return
	}

	// Sends happen under the read lock so remove cannot close a channel
	// mid-send.
	var slow []*wsClient
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.log.Warn().Msg("events subscriber too slow, disconnecting")
		b.remove(c)
	}
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}
