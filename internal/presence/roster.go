// Package presence maintains the roster of currently connected users and
// their live cursor positions. The roster is keyed by socket id because that
// is what uniquely identifies a live connection; the durable session id rides
// on each user record. All mutation goes through the Roster's lock so
// concurrent connection handlers never lose cursor or profile updates.
package presence

import (
	"sync"
	"time"

	"github.com/portfolio/presence-relay/internal/protocol"
)

// Roster is the thread-safe set of online users.
type Roster struct {
	mu    sync.RWMutex
	users map[string]*protocol.User // socket id -> user
	order []string                  // socket ids in join order, for stable snapshots
}

// NewRoster creates an empty Roster.
func NewRoster() *Roster {
	return &Roster{
		users: make(map[string]*protocol.User),
	}
}

// Add inserts a user under its socket id. Adding an already-present socket id
// replaces the record but keeps its join position.
func (r *Roster) Add(u protocol.User) {
	u.IsOnline = true
	r.mu.Lock()
	if _, ok := r.users[u.SocketID]; !ok {
		r.order = append(r.order, u.SocketID)
	}
	r.users[u.SocketID] = &u
	r.mu.Unlock()
}

// Remove deletes the user for a socket id. Returns the removed user and
// whether it was present.
func (r *Roster) Remove(socketID string) (protocol.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[socketID]
	if !ok {
		return protocol.User{}, false
	}
	delete(r.users, socketID)
	for i, id := range r.order {
		if id == socketID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return *u, true
}

// Get returns a copy of the user for a socket id.
func (r *Roster) Get(socketID string) (protocol.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[socketID]
	if !ok {
		return protocol.User{}, false
	}
	return *u, true
}

// UpdateCursor records the last-known cursor position for a socket id and
// returns the updated user. Returns ok=false for an unknown socket id.
func (r *Roster) UpdateCursor(socketID string, x, y float64) (protocol.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[socketID]
	if !ok {
		return protocol.User{}, false
	}
	u.PosX = x
	u.PosY = y
	u.LastSeen = time.Now().UnixMilli()
	return *u, true
}

// UpdateProfile applies new display fields to a connected user. Empty fields
// are left unchanged, mirroring the session patch semantics.
func (r *Roster) UpdateProfile(socketID, name, avatar, color string) (protocol.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[socketID]
	if !ok {
		return protocol.User{}, false
	}
	if name != "" {
		u.Name = name
	}
	if avatar != "" {
		u.Avatar = avatar
	}
	if color != "" {
		u.Color = color
	}
	u.LastSeen = time.Now().UnixMilli()
	return *u, true
}

// Users returns a snapshot of all online users in join order.
func (r *Roster) Users() []protocol.User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.User, 0, len(r.order))
	for _, id := range r.order {
		if u, ok := r.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out
}

// Count returns the number of online users.
func (r *Roster) Count() int {
	r.mu.RLock()
	n := len(r.users)
	r.mu.RUnlock()
	return n
}
