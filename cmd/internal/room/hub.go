package room

import (
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
)

// Hub owns the scene rooms, one per scene. Rooms are created on first
// join and torn down when the last member leaves. Join and Leave each
// hold the hub lock across the room operation itself, so a room cannot
// be stopped while a new member is racing in.
type Hub struct {
	log     *slog.Logger
	clock   clock.Clock
	checker StreamChecker

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, clk clock.Clock, checker StreamChecker) *Hub {
	return &Hub{
		log:     log,
		clock:   clk,
		checker: checker,
		rooms:   make(map[string]*Room),
	}
}

// Join binds the client to its scene's room, creating the room if needed.
// A mapped room that stopped before the join landed is replaced with a
// fresh one, so a returned room always holds the client as a member.
func (h *Hub) Join(client *Client) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		r, ok := h.rooms[client.SceneID]
		if !ok {
			r = NewRoom(h.log, client.SceneID, h.clock, h.checker)
			h.rooms[client.SceneID] = r
		}
		if r.Join(client) {
			return r
		}
		delete(h.rooms, client.SceneID)
	}
}

// Leave removes the session from its scene's room. An emptied room is
// stopped and dropped from the hub.
func (h *Hub) Leave(sceneID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[sceneID]
	if !ok {
		return
	}
	if r.Leave(sessionID) == 0 {
		r.Stop()
		delete(h.rooms, sceneID)
	}
}

// Room returns the room for sceneID if one exists.
func (h *Hub) Room(sceneID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[sceneID]
	return r, ok
}

// Stop tears down every room.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, r := range h.rooms {
		r.Stop()
		delete(h.rooms, id)
	}
}
