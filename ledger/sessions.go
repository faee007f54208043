package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	SessionMethodCreate  = "create"
	SessionMethodRefresh = "refresh"
)

// Session is one authentication credential pair for an identity. A refresh
// appends a new row; the prior row stays as historical trace. The most
// recent row per identity is authoritative.
type Session struct {
	ID            int64
	Identity      string
	DID           string
	AccessJWT     string
	RefreshJWT    string
	Method        string
	EstablishedAt time.Time
}

// InsertSession appends a session row and sets sess.ID.
func (s *Store) InsertSession(ctx context.Context, sess *Session) error {
	switch sess.Method {
	case SessionMethodCreate, SessionMethodRefresh:
	default:
		return fmt.Errorf("invalid session method %q", sess.Method)
	}
	if sess.EstablishedAt.IsZero() {
		sess.EstablishedAt = time.Now().UTC()
	}

	const insert = `
		INSERT INTO bsky_session (identity, did, access_jwt, refresh_jwt, method, established_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	args := []any{sess.Identity, sess.DID, sess.AccessJWT, sess.RefreshJWT, sess.Method, sess.EstablishedAt}

	if s.driver == DriverPostgres {
		return s.db.QueryRowContext(ctx, s.q(insert+" RETURNING id"), args...).Scan(&sess.ID)
	}
	return s.retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, insert, args...)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		sess.ID, _ = res.LastInsertId()
		return nil
	})
}

// LatestSession returns the most recent session row for identity, or nil
// when none exists.
func (s *Store) LatestSession(ctx context.Context, identity string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, identity, did, access_jwt, refresh_jwt, method, established_at
		FROM bsky_session
		WHERE identity = ?
		ORDER BY id DESC
		LIMIT 1;
	`), identity).Scan(&sess.ID, &sess.Identity, &sess.DID, &sess.AccessJWT, &sess.RefreshJWT, &sess.Method, &sess.EstablishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest session: %w", err)
	}
	return &sess, nil
}
