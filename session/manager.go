// Package session maintains the authentication session for one account
// identity. Sessions live in the ledger; the most recent row per identity is
// authoritative. Refreshes serialize per identity so a success by one caller
// is never clobbered by a stale concurrent refresh.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/basket/go-sky/ledger"
)

// ErrNotAuthenticated means no session exists and no credentials were
// configured to establish one. Fatal, never retried.
var ErrNotAuthenticated = errors.New("not authenticated: no session and no credentials configured")

// expiryLeeway refreshes slightly before the access token's exp claim to
// avoid a round trip that is known to fail.
const expiryLeeway = 30 * time.Second

// Tokens is the credential pair returned by the auth endpoints.
type Tokens struct {
	AccessJWT  string
	RefreshJWT string
	DID        string
}

// AuthCaller performs the createSession/refreshSession network calls. The
// client's dispatcher implements it so auth traffic is ledger-logged like
// every other call.
type AuthCaller interface {
	CreateSession(ctx context.Context, identifier, password string) (Tokens, error)
	RefreshSession(ctx context.Context, refreshJWT string) (Tokens, error)
}

type Manager struct {
	store        *ledger.Store
	caller       AuthCaller
	logger       *slog.Logger
	group        singleflight.Group
	identity     string
	identifier   string
	password     string
	ignoreCached bool
	now          func() time.Time
}

type Option func(*Manager)

// WithIgnoreCached makes Ensure skip the stored session and always establish
// a fresh one. Used by test-mode clients.
func WithIgnoreCached() Option {
	return func(m *Manager) { m.ignoreCached = true }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager for one identity. identifier/password may be
// empty, in which case Ensure fails with ErrNotAuthenticated when no stored
// session exists.
func NewManager(store *ledger.Store, caller AuthCaller, identity, identifier, password string, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:      store,
		caller:     caller,
		logger:     logger,
		identity:   identity,
		identifier: identifier,
		password:   password,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure returns a usable session, establishing one if none exists. A stored
// session whose access token is already expired by its own exp claim is
// refreshed up front rather than burning a doomed round trip.
func (m *Manager) Ensure(ctx context.Context) (*ledger.Session, error) {
	if !m.ignoreCached {
		sess, err := m.store.LatestSession(ctx, m.identity)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			if accessExpired(sess.AccessJWT, m.now()) {
				m.logger.Debug("stored session expired locally, refreshing", "identity", m.identity)
				return m.Refresh(ctx, sess)
			}
			return sess, nil
		}
	}
	return m.create(ctx)
}

func (m *Manager) create(ctx context.Context) (*ledger.Session, error) {
	if m.identifier == "" || m.password == "" {
		return nil, ErrNotAuthenticated
	}
	v, err, _ := m.group.Do("create:"+m.identity, func() (any, error) {
		tokens, err := m.caller.CreateSession(ctx, m.identifier, m.password)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		sess := &ledger.Session{
			Identity:   m.identity,
			DID:        tokens.DID,
			AccessJWT:  tokens.AccessJWT,
			RefreshJWT: tokens.RefreshJWT,
			Method:     ledger.SessionMethodCreate,
		}
		if err := m.store.InsertSession(ctx, sess); err != nil {
			return nil, err
		}
		m.logger.Info("session established", "identity", m.identity, "did", sess.DID)
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ledger.Session), nil
}

// Refresh exchanges the stored refresh credential for a new session and
// persists it as a new row. Concurrent refreshes for the same identity
// collapse into one network call; a refresh that finds a row newer than the
// stale one it was asked to replace short-circuits and returns it.
func (m *Manager) Refresh(ctx context.Context, stale *ledger.Session) (*ledger.Session, error) {
	v, err, _ := m.group.Do("refresh:"+m.identity, func() (any, error) {
		latest, err := m.store.LatestSession(ctx, m.identity)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return nil, ErrNotAuthenticated
		}
		if stale != nil && latest.ID > stale.ID {
			return latest, nil
		}
		tokens, err := m.caller.RefreshSession(ctx, latest.RefreshJWT)
		if err != nil {
			return nil, fmt.Errorf("refresh session: %w", err)
		}
		did := tokens.DID
		if did == "" {
			did = latest.DID
		}
		next := &ledger.Session{
			Identity:   m.identity,
			DID:        did,
			AccessJWT:  tokens.AccessJWT,
			RefreshJWT: tokens.RefreshJWT,
			Method:     ledger.SessionMethodRefresh,
		}
		if err := m.store.InsertSession(ctx, next); err != nil {
			return nil, err
		}
		m.logger.Info("session refreshed", "identity", m.identity)
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ledger.Session), nil
}

// accessExpired peeks at the unverified exp claim. Signature verification is
// the server's job; a token we cannot parse is treated as live and left to
// the server to reject.
func accessExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return now.Add(expiryLeeway).After(exp.Time)
}
