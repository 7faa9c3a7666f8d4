package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OSM-es/CatAtomApi/internal/logger"
)

const writeTimeout = 5 * time.Second

// clientMessage is what subscribers send: join or leave a job room.
type clientMessage struct {
	Type string `json:"type"`
	Job  string `json:"job"`
}

type roomCount struct {
	Room  string `json:"room"`
	Count int    `json:"count"`
}

type client struct {
	conn  *websocket.Conn
	mu    sync.Mutex
	rooms map[string]bool
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub is a websocket Sink with one room per job id. Events for a split
// job also reach the room of its entity code.
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
	conns map[*client]struct{}
}

// NewHub creates a hub. checkOrigin nil accepts every origin.
func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		rooms: make(map[string]map[*client]struct{}),
		conns: make(map[*client]struct{}),
	}
}

// ServeWS upgrades the request and serves the subscriber until it leaves.
// The optional job query parameter joins a room right away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := logger.SetComponent(r.Context(), "ws")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.CtxWarn(ctx, "Failed to upgrade websocket connection: %v", err)
		return
	}

	c := &client{conn: conn, rooms: make(map[string]bool)}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		for _, room := range h.drop(c) {
			h.broadcastCount(ctx, KindLeave, room)
		}
		conn.Close()
	}()

	if room := strings.TrimSpace(r.URL.Query().Get("job")); room != "" {
		h.join(ctx, c, room)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.CtxDebug(ctx, "Websocket closed: %v", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Job == "" {
			continue
		}
		switch Kind(msg.Type) {
		case KindJoin:
			h.join(ctx, c, msg.Job)
		case KindLeave:
			h.leave(ctx, c, msg.Job)
		}
	}
}

func (h *Hub) join(ctx context.Context, c *client, room string) {
	h.mu.Lock()
	if c.rooms[room] {
		h.mu.Unlock()
		return
	}
	c.rooms[room] = true
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	h.mu.Unlock()

	h.broadcastCount(ctx, KindJoin, room)
}

func (h *Hub) leave(ctx context.Context, c *client, room string) {
	h.mu.Lock()
	if !c.rooms[room] {
		h.mu.Unlock()
		return
	}
	delete(c.rooms, room)
	h.removeMember(room, c)
	h.mu.Unlock()

	h.broadcastCount(ctx, KindLeave, room)
}

// drop unregisters c and returns the rooms it was in.
func (h *Hub) drop(c *client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		h.removeMember(room, c)
		rooms = append(rooms, room)
	}
	c.rooms = map[string]bool{}
	return rooms
}

// removeMember must be called with h.mu held.
func (h *Hub) removeMember(room string, c *client) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) broadcastCount(ctx context.Context, kind Kind, room string) {
	h.Notify(ctx, Event{Kind: kind, JobID: room, Payload: roomCount{Room: room, Count: h.Count(room)}})
}

// Count returns the number of subscribers in room.
func (h *Hub) Count(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Notify sends event to every subscriber of its job room.
func (h *Hub) Notify(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.CtxError(ctx, "Failed to marshal %s event: %v", event.Kind, err)
		return
	}

	rooms := []string{event.JobID}
	if code, _, ok := strings.Cut(event.JobID, "/"); ok {
		rooms = append(rooms, code)
	}

	h.mu.RLock()
	targets := make(map[*client]struct{})
	for _, room := range rooms {
		for c := range h.rooms[room] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for c := range targets {
		if err := c.write(data); err != nil {
			logger.CtxWarn(ctx, "Failed to send %s event to subscriber: %v", event.Kind, err)
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		_ = c.conn.Close()
	}
}
