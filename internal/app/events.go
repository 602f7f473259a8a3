package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livecopilot/internal/session"
	"github.com/MrWong99/livecopilot/internal/transcript"
)

const (
	// clientBuffer is the per-client event backlog. A client that falls
	// further behind loses events.
	clientBuffer = 64

	writeTimeout = 5 * time.Second
)

// Event is one message on the /events stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Event types.
const (
	EventSnapshot      = "snapshot"
	EventSessionStatus = "session-status"
	EventState         = "state"
	EventTranscript    = "transcript"
	EventActivity      = "activity"
	EventError         = "error"
)

type statusData struct {
	Connected bool `json:"connected"`
}

type stateData struct {
	State  session.State `json:"state"`
	Status string        `json:"status"`
}

type transcriptData struct {
	transcript.Snapshot
	Display string `json:"display"`
}

type activityData struct {
	Level float64 `json:"level"`
}

type errorData struct {
	Message string `json:"message"`
}

// Hub fans engine notifications out to WebSocket clients. Publishing never
// blocks: each client has a bounded queue and events that do not fit are
// dropped for that client.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	send    chan []byte
	done    chan struct{}
	dropped int
}

var _ session.Observer = (*Hub)(nil)

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// ── session.Observer ─────────────────────────────────────────────────────────

func (h *Hub) SessionStatusChanged(connected bool) {
	h.publish(Event{Type: EventSessionStatus, Data: statusData{Connected: connected}})
}

func (h *Hub) StateChanged(s session.State) {
	h.publish(Event{Type: EventState, Data: stateData{State: s, Status: s.StatusText()}})
}

func (h *Hub) TranscriptChanged(t transcript.Snapshot) {
	h.publish(Event{Type: EventTranscript, Data: transcriptData{Snapshot: t, Display: t.Display()}})
}

func (h *Hub) ActivityChanged(level float64) {
	h.publish(Event{Type: EventActivity, Data: activityData{Level: level}})
}

func (h *Hub) SessionError(msg string) {
	h.publish(Event{Type: EventError, Data: errorData{Message: msg}})
}

// ── fan-out ──────────────────────────────────────────────────────────────────

func (h *Hub) publish(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("events: marshal", "type", ev.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			c.dropped++
			if c.dropped == 1 || c.dropped%100 == 0 {
				slog.Debug("events: client lagging, dropping", "type", ev.Type, "dropped", c.dropped)
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.done)
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.done)
	}
}

// Serve upgrades the request to a WebSocket, sends initial as a snapshot
// event and then streams events until either side goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, initial session.Snapshot) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("events: accept", "err", err)
		return
	}
	defer conn.CloseNow()

	c := &client{send: make(chan []byte, clientBuffer), done: make(chan struct{})}
	first, err := json.Marshal(Event{Type: EventSnapshot, Data: initial})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal snapshot")
		return
	}
	c.send <- first
	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(c)

	// The stream is write-only; CloseRead handles pings and notices the
	// client closing.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case msg := <-c.send:
			if err := write(ctx, conn, msg); err != nil {
				slog.Debug("events: write", "err", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
