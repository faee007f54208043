package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/basket/go-sky/ledger"
	"github.com/basket/go-sky/session"
)

type fakeCaller struct {
	creates   atomic.Int64
	refreshes atomic.Int64
	refreshMu sync.Mutex
	slow      time.Duration
}

func (f *fakeCaller) CreateSession(_ context.Context, identifier, password string) (session.Tokens, error) {
	n := f.creates.Add(1)
	return session.Tokens{
		AccessJWT:  signedToken(nil, time.Now().Add(time.Hour)),
		RefreshJWT: "refresh-create",
		DID:        "did:plc:create" + string(rune('0'+n)),
	}, nil
}

func (f *fakeCaller) RefreshSession(_ context.Context, refreshJWT string) (session.Tokens, error) {
	f.refreshMu.Lock()
	defer f.refreshMu.Unlock()
	if f.slow > 0 {
		time.Sleep(f.slow)
	}
	f.refreshes.Add(1)
	return session.Tokens{
		AccessJWT:  signedToken(nil, time.Now().Add(time.Hour)),
		RefreshJWT: "refresh-next",
		DID:        "",
	}, nil
}

func signedToken(t *testing.T, exp time.Time) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		if t != nil {
			t.Fatalf("sign token: %v", err)
		}
		panic(err)
	}
	return signed
}

func openTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "gosky.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEnsure_ReturnsStoredSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	stored := &ledger.Session{
		Identity:   "alice.example.com",
		DID:        "did:plc:abc",
		AccessJWT:  signedToken(t, time.Now().Add(time.Hour)),
		RefreshJWT: "refresh-1",
		Method:     ledger.SessionMethodCreate,
	}
	if err := store.InsertSession(ctx, stored); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	caller := &fakeCaller{}
	mgr := session.NewManager(store, caller, "alice.example.com", "alice.example.com", "pass", nil)
	got, err := mgr.Ensure(ctx)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got.ID != stored.ID {
		t.Fatalf("expected stored session, got id %d", got.ID)
	}
	if caller.creates.Load() != 0 || caller.refreshes.Load() != 0 {
		t.Fatalf("no network calls expected, got creates=%d refreshes=%d", caller.creates.Load(), caller.refreshes.Load())
	}
}

func TestEnsure_NoCredentialsFails(t *testing.T) {
	store := openTestStore(t)
	mgr := session.NewManager(store, &fakeCaller{}, "alice.example.com", "", "", nil)
	_, err := mgr.Ensure(context.Background())
	if !errors.Is(err, session.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestEnsure_CreatesWhenEmpty(t *testing.T) {
	store := openTestStore(t)
	caller := &fakeCaller{}
	mgr := session.NewManager(store, caller, "alice.example.com", "alice.example.com", "pass", nil)

	got, err := mgr.Ensure(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got.Method != ledger.SessionMethodCreate {
		t.Fatalf("expected created session, got %q", got.Method)
	}
	if caller.creates.Load() != 1 {
		t.Fatalf("expected 1 create call, got %d", caller.creates.Load())
	}

	// A second Ensure reads the stored row, no further network traffic.
	if _, err := mgr.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if caller.creates.Load() != 1 {
		t.Fatalf("expected stored session reuse, got %d creates", caller.creates.Load())
	}
}

func TestEnsure_RefreshesLocallyExpiredToken(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	stale := &ledger.Session{
		Identity:   "alice.example.com",
		DID:        "did:plc:abc",
		AccessJWT:  signedToken(t, time.Now().Add(-time.Hour)),
		RefreshJWT: "refresh-1",
		Method:     ledger.SessionMethodCreate,
	}
	if err := store.InsertSession(ctx, stale); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	caller := &fakeCaller{}
	mgr := session.NewManager(store, caller, "alice.example.com", "alice.example.com", "pass", nil)
	got, err := mgr.Ensure(ctx)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got.Method != ledger.SessionMethodRefresh {
		t.Fatalf("expected refreshed session, got %q", got.Method)
	}
	if caller.refreshes.Load() != 1 {
		t.Fatalf("expected 1 refresh, got %d", caller.refreshes.Load())
	}
	// DID carries over when the refresh response omits it.
	if got.DID != "did:plc:abc" {
		t.Fatalf("expected did carryover, got %q", got.DID)
	}
}

func TestRefresh_ConcurrentCallsCollapse(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	stale := &ledger.Session{
		Identity:   "alice.example.com",
		DID:        "did:plc:abc",
		AccessJWT:  signedToken(t, time.Now().Add(-time.Hour)),
		RefreshJWT: "refresh-1",
		Method:     ledger.SessionMethodCreate,
	}
	if err := store.InsertSession(ctx, stale); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	caller := &fakeCaller{slow: 50 * time.Millisecond}
	mgr := session.NewManager(store, caller, "alice.example.com", "alice.example.com", "pass", nil)

	const workers = 8
	results := make([]*ledger.Session, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = mgr.Refresh(ctx, stale)
		}()
	}
	wg.Wait()

	for i := range workers {
		if errs[i] != nil {
			t.Fatalf("refresh %d: %v", i, errs[i])
		}
	}
	if got := caller.refreshes.Load(); got != 1 {
		t.Fatalf("expected exactly 1 network refresh, got %d", got)
	}
	for i := 1; i < workers; i++ {
		if results[i].ID != results[0].ID {
			t.Fatalf("expected all callers to observe one session, got ids %d and %d", results[0].ID, results[i].ID)
		}
	}
}

func TestRefresh_ShortCircuitsOnNewerStoredSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	stale := &ledger.Session{
		Identity:   "alice.example.com",
		DID:        "did:plc:abc",
		AccessJWT:  signedToken(t, time.Now().Add(-time.Hour)),
		RefreshJWT: "refresh-1",
		Method:     ledger.SessionMethodCreate,
	}
	if err := store.InsertSession(ctx, stale); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	newer := &ledger.Session{
		Identity:   "alice.example.com",
		DID:        "did:plc:abc",
		AccessJWT:  signedToken(t, time.Now().Add(time.Hour)),
		RefreshJWT: "refresh-2",
		Method:     ledger.SessionMethodRefresh,
	}
	if err := store.InsertSession(ctx, newer); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	caller := &fakeCaller{}
	mgr := session.NewManager(store, caller, "alice.example.com", "alice.example.com", "pass", nil)
	got, err := mgr.Refresh(ctx, stale)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.ID != newer.ID {
		t.Fatalf("expected the newer stored session, got id %d", got.ID)
	}
	if caller.refreshes.Load() != 0 {
		t.Fatalf("expected no network refresh, got %d", caller.refreshes.Load())
	}
}

func TestEnsure_IgnoreCachedAlwaysCreates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	stored := &ledger.Session{
		Identity:   "alice.example.com",
		DID:        "did:plc:abc",
		AccessJWT:  signedToken(t, time.Now().Add(time.Hour)),
		RefreshJWT: "refresh-1",
		Method:     ledger.SessionMethodCreate,
	}
	if err := store.InsertSession(ctx, stored); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	caller := &fakeCaller{}
	mgr := session.NewManager(store, caller, "alice.example.com", "alice.example.com", "pass", nil, session.WithIgnoreCached())
	got, err := mgr.Ensure(ctx)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got.ID == stored.ID {
		t.Fatalf("expected a fresh session, got the cached one")
	}
	if caller.creates.Load() != 1 {
		t.Fatalf("expected 1 create, got %d", caller.creates.Load())
	}
}
