// Package archive provides optional PostgreSQL persistence for chat
// messages. The in-memory log stays authoritative for live replay; the
// archive exists so history survives restarts and so moderators have a
// durable record. Writes go through a single background goroutine draining a
// buffered channel, so event handlers never block on the database.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/portfolio/presence-relay/internal/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// writeQueueSize bounds the pending-write channel. When full, messages
	// are dropped from the archive (never from the live broadcast).
	writeQueueSize = 256

	// writeTimeout bounds each database operation issued by the writer.
	writeTimeout = 5 * time.Second
)

// Store is the asynchronous message archive.
type Store struct {
	db      *sql.DB
	writes  chan protocol.Message
	deletes chan int64
	done    chan struct{}
	wg      sync.WaitGroup
}

// New opens the database, applies pending migrations, and starts the
// background writer.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("archive: open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: database ping failed: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		writes:  make(chan protocol.Message, writeQueueSize),
		deletes: make(chan int64, 64),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writer()

	return s, nil
}

// DB exposes the underlying database handle so other stores (the moderation
// audit trail) can share the connection pool and migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// runMigrations applies the embedded schema migrations.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("archive: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("archive: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("archive: migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("archive: migrate up: %w", err)
	}
	return nil
}

// Enqueue hands a message to the background writer. It never blocks: when
// the queue is full the message is dropped from the archive and logged.
func (s *Store) Enqueue(msg protocol.Message) {
	select {
	case s.writes <- msg:
	default:
		log.Printf("archive: write queue full, dropping message id=%d", msg.ID)
	}
}

// EnqueueDelete hands a deletion to the background writer. Deleting an id
// that was never archived is a no-op at the database level.
func (s *Store) EnqueueDelete(id int64) {
	select {
	case s.deletes <- id:
	default:
		log.Printf("archive: delete queue full, dropping delete id=%d", id)
	}
}

// LoadRecent returns the most recent limit messages in insertion order,
// used to seed the in-memory log at startup.
func (s *Store) LoadRecent(ctx context.Context, limit int) ([]protocol.Message, error) {
	const query = `
		SELECT id, session_id, username, avatar, color, content, flag, country, created_at
		FROM messages
		ORDER BY id DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: load recent: %w", err)
	}
	defer rows.Close()

	var msgs []protocol.Message
	for rows.Next() {
		var m protocol.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Username, &m.Avatar, &m.Color,
			&m.Content, &m.Flag, &m.Country, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("archive: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: load recent: %w", err)
	}

	// Query returns newest first; reverse into insertion order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// writer drains the write and delete queues until Close is called.
func (s *Store) writer() {
	defer s.wg.Done()

	for {
		select {
		case msg := <-s.writes:
			s.insert(msg)
		case id := <-s.deletes:
			s.delete(id)
		case <-s.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case msg := <-s.writes:
					s.insert(msg)
				case id := <-s.deletes:
					s.delete(id)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) insert(m protocol.Message) {
	const query = `
		INSERT INTO messages (id, session_id, username, avatar, color, content, flag, country, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, query,
		m.ID, m.SessionID, m.Username, m.Avatar, m.Color, m.Content, m.Flag, m.Country, m.CreatedAt,
	); err != nil {
		log.Printf("archive: insert message id=%d failed: %v", m.ID, err)
	}
}

func (s *Store) delete(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		log.Printf("archive: delete message id=%d failed: %v", id, err)
	}
}

// Close stops the writer, flushes queued work, and closes the database.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}
