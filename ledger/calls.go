package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Outcome classifies the result of one physical call attempt.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeAuthExpired    Outcome = "auth_expired"
	OutcomeClientError    Outcome = "client_error"
)

// maxStoredText bounds params and error bodies persisted per row.
const maxStoredText = 16 * 1024

// CallRecord is one attempted remote call. Rows are immutable once written;
// a refreshed retry produces two rows, one auth_expired and one final.
type CallRecord struct {
	ID               int64
	CreatedAt        time.Time
	Identity         string
	Hostname         string
	Endpoint         string
	Method           string
	ScopeKey         string
	CursorPassed     *string
	CursorReceived   *string
	Params           string
	Outcome          Outcome
	HTTPStatus       int
	ErrorClass       string
	ErrorText        string
	ErrorBody        string
	ResponseKeys     string
	Cost             int64
	SessionRefreshed bool
	DurationMicros   int64
}

// InsertCall appends one row to the call log and sets rec.ID.
func (s *Store) InsertCall(ctx context.Context, rec *CallRecord) error {
	if rec.Outcome == "" {
		return errors.New("call record outcome is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Params = truncate(rec.Params, maxStoredText)
	rec.ErrorBody = truncate(rec.ErrorBody, maxStoredText)

	const insert = `
		INSERT INTO api_call_log (
			created_at, identity, hostname, endpoint, method, scope_key,
			cursor_passed, cursor_received, params, outcome, http_status,
			error_class, error_text, error_body, response_keys, cost,
			session_refreshed, duration_us
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	args := []any{
		rec.CreatedAt, rec.Identity, rec.Hostname, rec.Endpoint, rec.Method, rec.ScopeKey,
		rec.CursorPassed, rec.CursorReceived, rec.Params, string(rec.Outcome), rec.HTTPStatus,
		rec.ErrorClass, rec.ErrorText, rec.ErrorBody, rec.ResponseKeys, rec.Cost,
		rec.SessionRefreshed, rec.DurationMicros,
	}

	if s.driver == DriverPostgres {
		return s.db.QueryRowContext(ctx, s.q(insert+" RETURNING id"), args...).Scan(&rec.ID)
	}
	return s.retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, insert, args...)
		if err != nil {
			return fmt.Errorf("insert call record: %w", err)
		}
		rec.ID, _ = res.LastInsertId()
		return nil
	})
}

// LatestCursor returns the most recent non-null cursor_received for the
// (endpoint, identity, scopeKey) triple. Ties resolve by insertion order,
// not wall time, so rows written by other processes stay consistent.
func (s *Store) LatestCursor(ctx context.Context, endpoint, identity, scopeKey string) (string, bool, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT cursor_received FROM api_call_log
		WHERE endpoint = ? AND identity = ? AND scope_key = ? AND cursor_received IS NOT NULL
		ORDER BY id DESC
		LIMIT 1;
	`), endpoint, identity, scopeKey).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query latest cursor: %w", err)
	}
	return cursor, true, nil
}

// CostSince sums write-operation points consumed by identity at or after the
// cutoff. Recomputed on every admission check so parallel writers sharing the
// ledger are always counted.
func (s *Store) CostSince(ctx context.Context, identity string, since time.Time) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COALESCE(SUM(cost), 0) FROM api_call_log
		WHERE identity = ? AND created_at >= ?;
	`), identity, since).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("sum call cost: %w", err)
	}
	return used, nil
}

// CallCount reports rows logged for an endpoint, used by diagnostics and tests.
func (s *Store) CallCount(ctx context.Context, endpoint string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM api_call_log WHERE endpoint = ?;
	`), endpoint).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count call records: %w", err)
	}
	return n, nil
}

// CallsForEndpoint returns every logged attempt for an endpoint in insertion
// order. Diagnostic surface; the hot path only ever reads single rows.
func (s *Store) CallsForEndpoint(ctx context.Context, endpoint string) ([]CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, created_at, identity, hostname, endpoint, method, scope_key,
			cursor_passed, cursor_received, params, outcome, http_status,
			error_class, error_text, error_body, response_keys, cost,
			session_refreshed, duration_us
		FROM api_call_log
		WHERE endpoint = ?
		ORDER BY id ASC;
	`), endpoint)
	if err != nil {
		return nil, fmt.Errorf("query call records: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var rec CallRecord
		var passed, received sql.NullString
		var outcome string
		if err := rows.Scan(
			&rec.ID, &rec.CreatedAt, &rec.Identity, &rec.Hostname, &rec.Endpoint, &rec.Method, &rec.ScopeKey,
			&passed, &received, &rec.Params, &outcome, &rec.HTTPStatus,
			&rec.ErrorClass, &rec.ErrorText, &rec.ErrorBody, &rec.ResponseKeys, &rec.Cost,
			&rec.SessionRefreshed, &rec.DurationMicros,
		); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		if passed.Valid {
			rec.CursorPassed = &passed.String
		}
		if received.Valid {
			rec.CursorReceived = &received.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneCalls bulk-deletes call rows older than cutoff. The newest
// cursor-bearing row per (endpoint, identity, scope_key) survives regardless
// of age: deleting it would re-fetch already-seen data on the next call.
func (s *Store) PruneCalls(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64

	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM api_call_log
		WHERE created_at < ? AND cursor_received IS NULL;
	`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune cursorless rows: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx, s.q(`
		DELETE FROM api_call_log
		WHERE created_at < ? AND cursor_received IS NOT NULL
		AND id NOT IN (
			SELECT MAX(id) FROM api_call_log
			WHERE cursor_received IS NOT NULL
			GROUP BY endpoint, identity, scope_key
		);
	`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune superseded cursor rows: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n

	return total, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
