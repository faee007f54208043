package ledger_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-sky/ledger"
)

func openTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := ledger.OpenSQLite(filepath.Join(dir, "gosky.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func strptr(s string) *string { return &s }

func TestOpen_ConfiguresWALAndSchema(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	requiredTables := []string{"schema_migrations", "api_call_log", "bsky_session", "bsky_user_profile"}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestOpen_RecordsMigrationChecksum(t *testing.T) {
	store := openTestStore(t)

	var version int
	var checksum string
	if err := store.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	if checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestOpen_ReopenExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gosky.db")

	store, err := ledger.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := ledger.OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	_ = reopened.Close()
}

func TestInsertCall_AssignsIDAndPersists(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := &ledger.CallRecord{
		Identity: "alice.example.com",
		Hostname: "bsky.social",
		Endpoint: "xrpc/com.atproto.repo.createRecord",
		Method:   "POST",
		Outcome:  ledger.OutcomeSuccess,
		Cost:     3,
	}
	if err := store.InsertCall(ctx, rec); err != nil {
		t.Fatalf("insert call: %v", err)
	}
	if rec.ID == 0 {
		t.Fatalf("expected assigned id")
	}
	if rec.CreatedAt.IsZero() {
		t.Fatalf("expected created_at default")
	}

	n, err := store.CallCount(ctx, "xrpc/com.atproto.repo.createRecord")
	if err != nil {
		t.Fatalf("call count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestInsertCall_RejectsMissingOutcome(t *testing.T) {
	store := openTestStore(t)
	err := store.InsertCall(context.Background(), &ledger.CallRecord{
		Identity: "alice.example.com",
		Hostname: "bsky.social",
		Endpoint: "xrpc/app.bsky.actor.getProfile",
		Method:   "GET",
	})
	if err == nil {
		t.Fatalf("expected error for missing outcome")
	}
}

func TestLatestCursor_ScopeIsolation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	endpoint := "xrpc/com.atproto.repo.listRecords"

	inserts := []struct {
		scope  string
		cursor string
	}{
		{"app.bsky.graph.follow", "follow-1"},
		{"app.bsky.graph.block", "block-1"},
		{"app.bsky.graph.follow", "follow-2"},
	}
	for _, in := range inserts {
		rec := &ledger.CallRecord{
			Identity:       "alice.example.com",
			Hostname:       "bsky.social",
			Endpoint:       endpoint,
			Method:         "GET",
			ScopeKey:       in.scope,
			CursorReceived: strptr(in.cursor),
			Outcome:        ledger.OutcomeSuccess,
		}
		if err := store.InsertCall(ctx, rec); err != nil {
			t.Fatalf("insert call: %v", err)
		}
	}

	cursor, ok, err := store.LatestCursor(ctx, endpoint, "alice.example.com", "app.bsky.graph.follow")
	if err != nil {
		t.Fatalf("latest cursor: %v", err)
	}
	if !ok || cursor != "follow-2" {
		t.Fatalf("expected follow-2, got %q ok=%v", cursor, ok)
	}

	cursor, ok, err = store.LatestCursor(ctx, endpoint, "alice.example.com", "app.bsky.graph.block")
	if err != nil {
		t.Fatalf("latest cursor: %v", err)
	}
	if !ok || cursor != "block-1" {
		t.Fatalf("expected block-1, got %q ok=%v", cursor, ok)
	}

	// A scope with no rows reports no cursor rather than borrowing a neighbor's.
	_, ok, err = store.LatestCursor(ctx, endpoint, "alice.example.com", "app.bsky.graph.list")
	if err != nil {
		t.Fatalf("latest cursor: %v", err)
	}
	if ok {
		t.Fatalf("expected no cursor for unused scope")
	}
}

func TestLatestCursor_SkipsNullCursorRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	endpoint := "xrpc/chat.bsky.convo.getLog"

	rec := &ledger.CallRecord{
		Identity:       "alice.example.com",
		Hostname:       "api.bsky.chat",
		Endpoint:       endpoint,
		Method:         "GET",
		CursorReceived: strptr("cursor-a"),
		Outcome:        ledger.OutcomeSuccess,
	}
	if err := store.InsertCall(ctx, rec); err != nil {
		t.Fatalf("insert call: %v", err)
	}
	// A later failed attempt with no cursor must not mask cursor-a.
	fail := &ledger.CallRecord{
		Identity: "alice.example.com",
		Hostname: "api.bsky.chat",
		Endpoint: endpoint,
		Method:   "GET",
		Outcome:  ledger.OutcomeTransportError,
	}
	if err := store.InsertCall(ctx, fail); err != nil {
		t.Fatalf("insert call: %v", err)
	}

	cursor, ok, err := store.LatestCursor(ctx, endpoint, "alice.example.com", "")
	if err != nil {
		t.Fatalf("latest cursor: %v", err)
	}
	if !ok || cursor != "cursor-a" {
		t.Fatalf("expected cursor-a, got %q ok=%v", cursor, ok)
	}
}

func TestCostSince_WindowedSum(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []struct {
		age  time.Duration
		cost int64
	}{
		{10 * time.Minute, 3},
		{30 * time.Minute, 3},
		{2 * time.Hour, 100}, // outside the hourly window
	}
	for _, row := range rows {
		rec := &ledger.CallRecord{
			CreatedAt: now.Add(-row.age),
			Identity:  "alice.example.com",
			Hostname:  "bsky.social",
			Endpoint:  "xrpc/com.atproto.repo.createRecord",
			Method:    "POST",
			Outcome:   ledger.OutcomeSuccess,
			Cost:      row.cost,
		}
		if err := store.InsertCall(ctx, rec); err != nil {
			t.Fatalf("insert call: %v", err)
		}
	}

	used, err := store.CostSince(ctx, "alice.example.com", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("cost since: %v", err)
	}
	if used != 6 {
		t.Fatalf("expected 6 points in hourly window, got %d", used)
	}

	used, err = store.CostSince(ctx, "alice.example.com", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("cost since: %v", err)
	}
	if used != 106 {
		t.Fatalf("expected 106 points in daily window, got %d", used)
	}

	// Another identity sharing the ledger contributes nothing.
	used, err = store.CostSince(ctx, "bob.example.com", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("cost since: %v", err)
	}
	if used != 0 {
		t.Fatalf("expected 0 points for other identity, got %d", used)
	}
}

func TestPruneCalls_RetainsNewestCursorRowPerScope(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-90 * 24 * time.Hour)

	mk := func(created time.Time, scope string, cursor *string) {
		t.Helper()
		rec := &ledger.CallRecord{
			CreatedAt:      created,
			Identity:       "alice.example.com",
			Hostname:       "bsky.social",
			Endpoint:       "xrpc/com.atproto.repo.listRecords",
			Method:         "GET",
			ScopeKey:       scope,
			CursorReceived: cursor,
			Outcome:        ledger.OutcomeSuccess,
		}
		if err := store.InsertCall(ctx, rec); err != nil {
			t.Fatalf("insert call: %v", err)
		}
	}

	mk(old, "app.bsky.graph.follow", strptr("stale"))
	mk(old.Add(time.Hour), "app.bsky.graph.follow", strptr("live"))
	mk(old, "app.bsky.graph.follow", nil)
	mk(old, "app.bsky.graph.block", strptr("only"))

	pruned, err := store.PruneCalls(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("expected 2 pruned rows, got %d", pruned)
	}

	cursor, ok, err := store.LatestCursor(ctx, "xrpc/com.atproto.repo.listRecords", "alice.example.com", "app.bsky.graph.follow")
	if err != nil {
		t.Fatalf("latest cursor: %v", err)
	}
	if !ok || cursor != "live" {
		t.Fatalf("newest cursor row must survive pruning, got %q ok=%v", cursor, ok)
	}

	cursor, ok, err = store.LatestCursor(ctx, "xrpc/com.atproto.repo.listRecords", "alice.example.com", "app.bsky.graph.block")
	if err != nil {
		t.Fatalf("latest cursor: %v", err)
	}
	if !ok || cursor != "only" {
		t.Fatalf("sole cursor row must survive pruning, got %q ok=%v", cursor, ok)
	}
}

func TestSessions_LatestRowWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := &ledger.Session{
		Identity:   "alice.example.com",
		DID:        "did:plc:abc123",
		AccessJWT:  "access-1",
		RefreshJWT: "refresh-1",
		Method:     ledger.SessionMethodCreate,
	}
	if err := store.InsertSession(ctx, first); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	second := &ledger.Session{
		Identity:   "alice.example.com",
		DID:        "did:plc:abc123",
		AccessJWT:  "access-2",
		RefreshJWT: "refresh-2",
		Method:     ledger.SessionMethodRefresh,
	}
	if err := store.InsertSession(ctx, second); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	got, err := store.LatestSession(ctx, "alice.example.com")
	if err != nil {
		t.Fatalf("latest session: %v", err)
	}
	if got == nil || got.AccessJWT != "access-2" {
		t.Fatalf("expected refreshed session, got %+v", got)
	}

	// The superseded row remains as historical trace.
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM bsky_session;`).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 session rows, got %d", count)
	}

	got, err = store.LatestSession(ctx, "nobody.example.com")
	if err != nil {
		t.Fatalf("latest session: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil session for unknown identity")
	}
}

func TestInsertSession_RejectsUnknownMethod(t *testing.T) {
	store := openTestStore(t)
	err := store.InsertSession(context.Background(), &ledger.Session{
		Identity:   "alice.example.com",
		AccessJWT:  "a",
		RefreshJWT: "r",
		Method:     "renew",
	})
	if err == nil {
		t.Fatalf("expected error for unknown session method")
	}
}

func TestProfiles_UpsertAndLookup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := &ledger.Profile{
		DID:         "did:plc:abc123",
		Handle:      "alice.example.com",
		DisplayName: "Alice",
	}
	if err := store.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("upsert profile: %v", err)
	}

	got, err := store.ProfileByHandle(ctx, "alice.example.com")
	if err != nil {
		t.Fatalf("profile by handle: %v", err)
	}
	if got == nil || got.DID != "did:plc:abc123" {
		t.Fatalf("unexpected profile %+v", got)
	}

	p.DisplayName = "Alice B"
	if err := store.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("re-upsert profile: %v", err)
	}
	got, err = store.ProfileByDID(ctx, "did:plc:abc123")
	if err != nil {
		t.Fatalf("profile by did: %v", err)
	}
	if got == nil || got.DisplayName != "Alice B" {
		t.Fatalf("expected refreshed display name, got %+v", got)
	}

	missing, err := store.ProfileByDID(ctx, "did:plc:none")
	if err != nil {
		t.Fatalf("profile by did: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown did")
	}
}
