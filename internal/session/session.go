// Package session manages durable visitor sessions. A session outlives any
// single WebSocket connection: the server mints an opaque id on first
// contact, the client persists it, and presenting it again on reconnect
// restores the visitor's identity and profile. Sessions are stored in Redis
// with a sliding TTL so idle visitors are garbage-collected without any
// explicit destroy operation.
package session

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// SessionTTL is the sliding time-to-live for session records. A visitor
	// who stays away longer than this gets a fresh identity next time.
	SessionTTL = 7 * 24 * time.Hour

	// MaxNameRunes caps display names.
	MaxNameRunes = 32

	// MaxAvatarLen caps avatar seed strings.
	MaxAvatarLen = 64

	// DefaultName is assigned to sessions until the visitor edits their profile.
	DefaultName = "Anonymous"
)

// DefaultColors is the accent palette new sessions draw from.
var DefaultColors = []string{
	"#ef4444", "#f97316", "#eab308", "#22c55e",
	"#06b6d4", "#3b82f6", "#8b5cf6", "#ec4899",
}

// Session is one durable visitor record.
type Session struct {
	ID        string `redis:"id"`
	Name      string `redis:"name"`
	Avatar    string `redis:"avatar"` // avatar seed string
	Color     string `redis:"color"`  // accent color, hex
	Location  string `redis:"location"`
	Flag      string `redis:"flag"`
	CreatedAt int64  `redis:"created_at"` // unix epoch millis
	LastSeen  int64  `redis:"last_seen"`  // unix epoch millis
}

// ProfilePatch is a partial profile update. Empty fields mean "unchanged";
// this is distinct from the full Session record so merge rules are explicit.
type ProfilePatch struct {
	Name   string
	Avatar string
	Color  string
}

// Store is the persistence contract for sessions. Get returns (nil, nil)
// when the id is unknown or expired.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Touch(ctx context.Context, id string) error
	Close() error
}

// Registry resolves presented session ids into live sessions, minting new
// ones when needed. It is the single entry point for the connect handshake.
type Registry struct {
	store Store
}

// NewRegistry creates a Registry over the given store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Connect resolves a presented session id. If the id maps to a known,
// non-expired session, that session is reused and its last-seen refreshed.
// Any other input, including an empty or stale id, silently mints a new
// session with a default profile. Returns the session and whether it is new.
func (r *Registry) Connect(ctx context.Context, presentedID string) (*Session, bool, error) {
	presentedID = strings.TrimSpace(presentedID)
	if presentedID != "" {
		s, err := r.store.Get(ctx, presentedID)
		if err != nil {
			return nil, false, fmt.Errorf("session: lookup %s: %w", presentedID, err)
		}
		if s != nil {
			s.LastSeen = time.Now().UnixMilli()
			if err := r.store.Touch(ctx, s.ID); err != nil {
				return nil, false, fmt.Errorf("session: touch %s: %w", s.ID, err)
			}
			return s, false, nil
		}
	}

	s := newDefaultSession()
	if err := r.store.Put(ctx, s); err != nil {
		return nil, false, fmt.Errorf("session: create %s: %w", s.ID, err)
	}
	return s, true, nil
}

// UpdateProfile applies a partial profile update, validating each provided
// field. A patch with an empty or whitespace-only name is rejected because
// the client always sends the full desired name on profile edits.
func (r *Registry) UpdateProfile(ctx context.Context, id string, patch ProfilePatch) (*Session, error) {
	s, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session: lookup %s: %w", id, err)
	}
	if s == nil {
		return nil, fmt.Errorf("session: unknown session %s", id)
	}

	name := strings.TrimSpace(patch.Name)
	if name == "" {
		return nil, fmt.Errorf("session: name must not be empty")
	}
	if utf8.RuneCountInString(name) > MaxNameRunes {
		return nil, fmt.Errorf("session: name exceeds %d characters", MaxNameRunes)
	}
	s.Name = name

	if avatar := strings.TrimSpace(patch.Avatar); avatar != "" {
		if len(avatar) > MaxAvatarLen {
			return nil, fmt.Errorf("session: avatar seed too long")
		}
		s.Avatar = avatar
	}
	if color := strings.TrimSpace(patch.Color); color != "" {
		if !validHexColor(color) {
			return nil, fmt.Errorf("session: invalid color %q", color)
		}
		s.Color = color
	}

	s.LastSeen = time.Now().UnixMilli()
	if err := r.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("session: save %s: %w", id, err)
	}
	return s, nil
}

// SetLocation records the connection-derived geolocation on the session.
func (r *Registry) SetLocation(ctx context.Context, id, location, flag string) error {
	s, err := r.store.Get(ctx, id)
	if err != nil || s == nil {
		return err
	}
	s.Location = location
	s.Flag = flag
	return r.store.Put(ctx, s)
}

// Disconnect refreshes the session's last-seen stamp. The record itself is
// kept so the visitor can reconnect with the same identity; expiry is left
// to the store's TTL.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	return r.store.Touch(ctx, id)
}

// newDefaultSession mints a session with a collision-free id, a random
// avatar seed and a palette color.
func newDefaultSession() *Session {
	now := time.Now().UnixMilli()
	return &Session{
		ID:        uuid.New().String(),
		Name:      DefaultName,
		Avatar:    strconv.Itoa(rand.Intn(100) + 1),
		Color:     DefaultColors[rand.Intn(len(DefaultColors))],
		CreatedAt: now,
		LastSeen:  now,
	}
}

// validHexColor reports whether s is a #rrggbb color.
func validHexColor(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
