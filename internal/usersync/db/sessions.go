package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/confcore/usersync/internal/usersync/schema"
)

// ContentExistsContext reports whether a session with id is in the local catalog.
func (db *DB) ContentExistsContext(ctx context.Context, id string) (bool, error) {
	return sessionExists(ctx, db.conn, id)
}

// ContentExists reports whether a session with id is in the local catalog.
func (db *DB) ContentExists(id string) (bool, error) {
	return db.ContentExistsContext(context.Background(), id)
}

// UpsertSessionsContext inserts or updates catalog sessions in one transaction.
// Session writes never notify record observers.
func (db *DB) UpsertSessionsContext(ctx context.Context, sessions []*schema.Session) error {
	return db.Write(ctx, func(tx *Tx) error {
		for _, s := range sessions {
			if err := tx.UpsertSession(s); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertSessions inserts or updates catalog sessions.
func (db *DB) UpsertSessions(sessions []*schema.Session) error {
	return db.UpsertSessionsContext(context.Background(), sessions)
}

// UpsertSession inserts or updates one catalog session.
func (tx *Tx) UpsertSession(s *schema.Session) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	_, err := tx.tx.ExecContext(tx.ctx, `
		INSERT INTO sessions (id, title, year, track, duration)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			year = excluded.year,
			track = excluded.track,
			duration = excluded.duration`,
		s.ID, s.Title, s.Year, s.Track, s.Duration)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", s.ID, err)
	}
	return nil
}

// GetSessionContext retrieves a catalog session by id.
func (db *DB) GetSessionContext(ctx context.Context, id string) (*schema.Session, error) {
	s := &schema.Session{}
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, title, year, track, duration FROM sessions WHERE id = ?", id,
	).Scan(&s.ID, &s.Title, &s.Year, &s.Track, &s.Duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return s, nil
}

// ListSessionsContext returns every catalog session ordered by id.
func (db *DB) ListSessionsContext(ctx context.Context) ([]*schema.Session, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT id, title, year, track, duration FROM sessions ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*schema.Session
	for rows.Next() {
		s := &schema.Session{}
		if err := rows.Scan(&s.ID, &s.Title, &s.Year, &s.Track, &s.Duration); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return out, nil
}
