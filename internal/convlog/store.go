// Package convlog provides the PostgreSQL-backed durable conversation log.
// It is the system of record for everything the realtime layer delivers:
// messages, staged revelations, and photo-reveal consents. It also answers
// the membership and presence-visibility questions the delivery coordinator
// must ask before acting on a client event.
package convlog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Message kinds stored in the log, matching the CHECK constraint on the
// conversation_messages table.
const (
	KindMessage      = "message"
	KindRevelation   = "revelation"
	KindPhotoConsent = "photo_consent"
)

// Message is one persisted conversation log entry.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Kind           string
	Content        string
	Stage          int
	CreatedAt      time.Time
}

// Store manages the conversation log in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("convlog: open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("convlog: postgres ping failed: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("convlog: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("convlog: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("convlog: init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("convlog: apply migrations: %w", err)
	}
	return nil
}

// AppendMessage atomically inserts one log entry and returns it with the
// database-assigned creation timestamp. A failure leaves no partial state,
// so the caller can safely skip the broadcast and tell the client to retry.
func (s *Store) AppendMessage(ctx context.Context, conversationID, senderID, kind, content string, stage int) (*Message, error) {
	id := uuid.New().String()

	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, sender_id, kind, content, stage)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		id, conversationID, senderID, kind, content, stage,
	).Scan(&createdAt)
	if err != nil {
		return nil, fmt.Errorf("convlog: append message: %w", err)
	}

	return &Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Kind:           kind,
		Content:        content,
		Stage:          stage,
		CreatedAt:      createdAt,
	}, nil
}

// IsParticipant reports whether the user is a member of the conversation.
func (s *Store) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)`,
		conversationID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("convlog: participant check: %w", err)
	}
	return ok, nil
}

// PresenceHidden returns the user's hidden-presence preference. Users with
// no settings row default to visible.
func (s *Store) PresenceHidden(ctx context.Context, userID string) (bool, error) {
	var hidden bool
	err := s.db.QueryRowContext(ctx, `
		SELECT hide_presence FROM user_settings WHERE user_id = $1`,
		userID,
	).Scan(&hidden)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("convlog: presence preference: %w", err)
	}
	return hidden, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
