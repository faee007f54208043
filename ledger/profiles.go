package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Profile is a cached remote user profile, keyed by DID and handle.
type Profile struct {
	ID          int64
	DID         string
	Handle      string
	DisplayName string
	FetchedAt   time.Time
}

// UpsertProfile inserts or refreshes the cached profile for a DID.
func (s *Store) UpsertProfile(ctx context.Context, p *Profile) error {
	if p.DID == "" || p.Handle == "" {
		return errors.New("profile did and handle are required")
	}
	if p.FetchedAt.IsZero() {
		p.FetchedAt = time.Now().UTC()
	}
	return s.retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, s.q(`
			INSERT INTO bsky_user_profile (did, handle, display_name, fetched_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(did) DO UPDATE SET
				handle = EXCLUDED.handle,
				display_name = EXCLUDED.display_name,
				fetched_at = EXCLUDED.fetched_at;
		`), p.DID, p.Handle, p.DisplayName, p.FetchedAt)
		if err != nil {
			return fmt.Errorf("upsert profile: %w", err)
		}
		return nil
	})
}

// ProfileByDID returns the cached profile for a DID, or nil when absent.
func (s *Store) ProfileByDID(ctx context.Context, did string) (*Profile, error) {
	return s.profileWhere(ctx, "did", did)
}

// ProfileByHandle returns the cached profile for a handle, or nil when absent.
func (s *Store) ProfileByHandle(ctx context.Context, handle string) (*Profile, error) {
	return s.profileWhere(ctx, "handle", handle)
}

func (s *Store) profileWhere(ctx context.Context, column, value string) (*Profile, error) {
	var p Profile
	var display sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(fmt.Sprintf(`
		SELECT id, did, handle, display_name, fetched_at
		FROM bsky_user_profile
		WHERE %s = ?
		LIMIT 1;
	`, column)), value).Scan(&p.ID, &p.DID, &p.Handle, &display, &p.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query profile by %s: %w", column, err)
	}
	p.DisplayName = display.String
	return &p, nil
}
