// Package report provides a PostgreSQL-backed audit trail for moderation
// actions. Every message deletion and session mute is recorded with its
// reason and a JSON snapshot of the affected content, so moderator decisions
// can be reviewed after the fact.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Action kinds, matching the CHECK constraint on the moderation_actions
// table.
const (
	ActionDeleteMessage = "delete_message"
	ActionMute          = "mute"
	ActionUnmute        = "unmute"
)

var validActions = map[string]bool{
	ActionDeleteMessage: true,
	ActionMute:          true,
	ActionUnmute:        true,
}

// Store persists moderation actions in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Action is one moderation decision to be persisted.
type Action struct {
	Action    string      // one of the Action* constants
	SessionID string      // target session, empty for anonymous targets
	Moderator string      // "admin" for manual actions, "auto" for filter strikes
	Reason    string      // free-form reason
	Detail    interface{} // JSON snapshot, e.g. the deleted message
}

// NewStore creates a report store over the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts a moderation action. The detail is marshalled to JSONB; the
// action kind is validated against the allowed set before insertion.
func (s *Store) Record(ctx context.Context, a *Action) error {
	if !validActions[a.Action] {
		return fmt.Errorf("report: invalid action %q", a.Action)
	}

	var detailJSON []byte
	if a.Detail != nil {
		var err error
		detailJSON, err = json.Marshal(a.Detail)
		if err != nil {
			return fmt.Errorf("report: marshal detail: %w", err)
		}
	}

	const query = `
		INSERT INTO moderation_actions (action, session_id, moderator, reason, detail)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		a.Action, a.SessionID, a.Moderator, a.Reason, detailJSON)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of actions recorded against a session
// within the given window. Useful when deciding whether a repeat offender
// deserves a longer mute.
func (s *Store) CountRecent(ctx context.Context, sessionID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM moderation_actions
		WHERE session_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, sessionID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
