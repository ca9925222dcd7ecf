// Package room tracks which live connections belong to which resource
// and fans broadcast payloads out to room members. The registry is an
// injected value with no package-level state so it can be faked in
// tests and replaced if the gateway is ever scaled out.
package room

import (
	"errors"
	"log/slog"
	"sync"
)

// DefaultCapacity is the maximum number of members per room.
const DefaultCapacity = 128

// ErrRoomFull rejects a join once a room is at capacity. Clients may
// retry later; the gateway maps this to the overloaded close code.
var ErrRoomFull = errors.New("room at capacity")

// Member is one connection attached to a room. Deliver must not block;
// it reports whether the payload was accepted. A member that drops
// payloads is cleaned up through its own close path, never by the
// broadcaster.
type Member interface {
	ID() string
	Deliver(payload []byte) bool
}

type room struct {
	resourceID string
	members    map[Member]struct{}
}

// Registry is the process-wide room table. Membership is mutated only
// through Join and Leave so capacity accounting stays correct.
type Registry struct {
	logger   *slog.Logger
	capacity int

	mu       sync.Mutex
	rooms    map[string]*room
	byMember map[Member]*room
}

// NewRegistry builds a registry. A capacity of 0 means DefaultCapacity.
func NewRegistry(logger *slog.Logger, capacity int) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		logger:   logger,
		capacity: capacity,
		rooms:    make(map[string]*room),
		byMember: make(map[Member]*room),
	}
}

// Join adds m to the room for resourceID, creating the room on first
// attach. Get-or-create and the capacity check share one critical
// section so the capacity+1'th join always fails.
func (g *Registry) Join(resourceID string, m Member) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[resourceID]
	if !ok {
		r = &room{resourceID: resourceID, members: make(map[Member]struct{})}
		g.rooms[resourceID] = r
	}
	if len(r.members) >= g.capacity {
		if len(r.members) == 0 {
			delete(g.rooms, resourceID)
		}
		return ErrRoomFull
	}
	r.members[m] = struct{}{}
	g.byMember[m] = r
	g.logger.Debug("room join", "resource", resourceID, "member", m.ID(), "size", len(r.members))
	return nil
}

// Leave removes m from its room and deletes the room when it empties.
// Leaving twice, or before any join, is a no-op.
func (g *Registry) Leave(m Member) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.byMember[m]
	if !ok {
		return
	}
	delete(r.members, m)
	delete(g.byMember, m)
	if len(r.members) == 0 {
		delete(g.rooms, r.resourceID)
	}
	g.logger.Debug("room leave", "resource", r.resourceID, "member", m.ID(), "size", len(r.members))
}

// Broadcast delivers payload to every member of the room except the
// sender. Delivery is best effort: a member that refuses the payload
// does not stop delivery to the rest.
func (g *Registry) Broadcast(resourceID string, sender Member, payload []byte) {
	g.mu.Lock()
	r, ok := g.rooms[resourceID]
	if !ok {
		g.mu.Unlock()
		return
	}
	peers := make([]Member, 0, len(r.members))
	for m := range r.members {
		if m != sender {
			peers = append(peers, m)
		}
	}
	g.mu.Unlock()

	for _, m := range peers {
		if !m.Deliver(payload) {
			g.logger.Warn("broadcast dropped", "resource", resourceID, "member", m.ID())
		}
	}
}

// RoomCount returns the number of live rooms.
func (g *Registry) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// MemberCount returns the number of connections across all rooms.
func (g *Registry) MemberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byMember)
}
