// Package chat holds the append-only message log and chat content rules.
// The log is the authoritative in-memory store replayed to every new
// connection; retention is capped so unbounded growth is not possible.
package chat

import (
	"sync"

	"github.com/portfolio/presence-relay/internal/protocol"
)

// DefaultMaxHistory is the default number of messages retained in memory.
const DefaultMaxHistory = 200

// Log is a goroutine-safe ordered message log with monotonic ids. Ordering
// is insertion order; when the cap is exceeded the oldest entries are
// trimmed. Entries are immutable once appended; the only mutation is
// whole-message deletion by id.
type Log struct {
	mu     sync.RWMutex
	msgs   []protocol.Message
	nextID int64
	max    int
}

// NewLog creates an empty Log retaining at most max messages. A max of zero
// or less falls back to DefaultMaxHistory.
func NewLog(max int) *Log {
	if max <= 0 {
		max = DefaultMaxHistory
	}
	return &Log{nextID: 1, max: max}
}

// Append assigns the next id to msg, stamps nothing else, and stores it.
// Returns the stored message with its id. The oldest entry is trimmed when
// the cap is exceeded.
func (l *Log) Append(msg protocol.Message) protocol.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg.ID = l.nextID
	l.nextID++

	l.msgs = append(l.msgs, msg)
	if len(l.msgs) > l.max {
		overflow := len(l.msgs) - l.max
		l.msgs = append(l.msgs[:0:0], l.msgs[overflow:]...)
	}
	return msg
}

// Seed loads pre-existing messages (from the archive) into an empty log and
// advances the id counter past the highest seeded id. Seeding a non-empty
// log is ignored.
func (l *Log) Seed(msgs []protocol.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.msgs) > 0 || len(msgs) == 0 {
		return
	}
	if len(msgs) > l.max {
		msgs = msgs[len(msgs)-l.max:]
	}
	l.msgs = append(l.msgs[:0:0], msgs...)
	for _, m := range msgs {
		if m.ID >= l.nextID {
			l.nextID = m.ID + 1
		}
	}
}

// History returns all retained messages in insertion order. The returned
// slice is a copy and safe to hand to encoders.
func (l *Log) History() []protocol.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]protocol.Message(nil), l.msgs...)
}

// Delete removes the message with the given id. Deleting an unknown id is a
// no-op; the return value reports whether anything was removed.
func (l *Log) Delete(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, m := range l.msgs {
		if m.ID == id {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of retained messages.
func (l *Log) Len() int {
	l.mu.RLock()
	n := len(l.msgs)
	l.mu.RUnlock()
	return n
}
