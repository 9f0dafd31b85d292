// Package realtime keeps the in-memory conversation rooms of websocket clients
// and fans gateway events out to them.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kaisenye/conduit-backend/internal/broadcast"
)

// Frame is the JSON shape of every socket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hub tracks which subscribers joined which conversation. Delivery is
// best-effort with no replay: a full send buffer drops the frame and late
// joiners never see earlier events.
type Hub struct {
	mu          sync.RWMutex
	subs        map[string]Subscriber
	rooms       map[uint64]map[string]Subscriber // conversationID -> subID -> subscriber
	memberships map[string]map[uint64]struct{}   // subID -> conversationIDs
	logger      *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:        make(map[string]Subscriber),
		rooms:       make(map[uint64]map[string]Subscriber),
		memberships: make(map[string]map[uint64]struct{}),
		logger:      logger.With("component", "realtime"),
	}
}

func (h *Hub) Attach(s Subscriber) {
	h.mu.Lock()
	h.subs[s.ID()] = s
	h.mu.Unlock()
}

// Detach removes s from the hub and every room it joined.
func (h *Hub) Detach(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := s.ID()
	for convID := range h.memberships[id] {
		h.leaveLocked(convID, id)
	}
	delete(h.memberships, id)
	delete(h.subs, id)
}

// Join adds s to the room of conversationID. Joining twice is a no-op.
func (h *Hub) Join(conversationID uint64, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := s.ID()
	if _, ok := h.subs[id]; !ok {
		h.subs[id] = s
	}
	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[string]Subscriber)
		h.rooms[conversationID] = room
	}
	room[id] = s

	m := h.memberships[id]
	if m == nil {
		m = make(map[uint64]struct{})
		h.memberships[id] = m
	}
	m[conversationID] = struct{}{}
}

func (h *Hub) Leave(conversationID uint64, s Subscriber) {
	h.mu.Lock()
	h.leaveLocked(conversationID, s.ID())
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(conversationID uint64, id string) {
	if room := h.rooms[conversationID]; room != nil {
		delete(room, id)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if m := h.memberships[id]; m != nil {
		delete(m, conversationID)
	}
}

// Members reports how many subscribers are in the room.
func (h *Hub) Members(conversationID uint64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Publish implements broadcast.Publisher for subscribers on this node.
func (h *Hub) Publish(ctx context.Context, env broadcast.Envelope) error {
	h.Deliver(env)
	return nil
}

// Deliver writes env to every member of its room and returns how many accepted it.
func (h *Hub) Deliver(env broadcast.Envelope) int {
	payload, err := json.Marshal(Frame{Event: env.Event, Data: env.Data})
	if err != nil {
		h.logger.Error("encode frame", "event", env.Event, "error", err)
		return 0
	}

	h.mu.RLock()
	room := h.rooms[env.ConversationID]
	targets := make([]Subscriber, 0, len(room))
	for _, s := range room {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Send(payload); err != nil {
			h.logger.Debug("dropped frame",
				"conversation_id", env.ConversationID,
				"event", env.Event,
				"sub_id", s.ID(),
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Close disconnects every subscriber and empties the hub.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[string]Subscriber)
	h.rooms = make(map[uint64]map[string]Subscriber)
	h.memberships = make(map[string]map[uint64]struct{})
	h.mu.Unlock()

	for _, s := range subs {
		s.Close(websocket.CloseGoingAway, "server shutdown")
	}
}
