// Package gosky is a Bluesky API client built around a durable call ledger.
// Every remote call is recorded as an append-only row; cursor resume, session
// state, and write-budget accounting are all derived by querying the ledger
// rather than from in-memory state, so they survive process restarts and stay
// consistent across concurrent callers.
package gosky

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-sky/budget"
	"github.com/basket/go-sky/config"
	"github.com/basket/go-sky/internal/shared"
	"github.com/basket/go-sky/ledger"
	"github.com/basket/go-sky/session"
	"github.com/basket/go-sky/telemetry"
	"github.com/basket/go-sky/transport"
)

// DefaultIdentity keys ledger rows when the caller does not name an account.
const DefaultIdentity = "default"

// errTokenExpired flows from a single attempt back to the dispatcher, which
// refreshes the session and retries exactly once.
var errTokenExpired = errors.New("access token expired")

// Options configures a Client. Store is required; everything else has a
// usable default.
type Options struct {
	Store     *ledger.Store
	Transport *transport.Client
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics

	// Identity names the account all ledger rows are keyed by.
	Identity string

	// Identifier/Password establish a session when none is stored.
	Identifier string
	Password   string

	BudgetWindows []budget.Window

	// SkipCallLogging suppresses ledger rows for API calls. Sessions are
	// still persisted. Intended for tests and bulk backfills.
	SkipCallLogging bool

	// IgnoreCachedSession always establishes a fresh session instead of
	// reusing the stored one.
	IgnoreCachedSession bool

	// HostOverride routes every endpoint to the given base URL instead of
	// its configured host. Test hook.
	HostOverride string
}

// Client dispatches calls to the Bluesky API, recording each physical
// attempt in the ledger.
type Client struct {
	store           *ledger.Store
	transport       *transport.Client
	sessions        *session.Manager
	budget          *budget.Tracker
	logger          *slog.Logger
	metrics         *telemetry.Metrics
	identity        string
	hostOverride    string
	skipCallLogging bool
	ownsStore       bool
}

func New(opts Options) (*Client, error) {
	if opts.Store == nil {
		return nil, errors.New("gosky: Options.Store is required")
	}
	if opts.Transport == nil {
		opts.Transport = transport.New(transport.DefaultTimeout)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		m, err := telemetry.NewMetrics(otel.Meter(telemetry.MeterName))
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		opts.Metrics = m
	}
	if opts.Identity == "" {
		opts.Identity = DefaultIdentity
	}
	windows := opts.BudgetWindows
	if len(windows) == 0 {
		windows = budget.DefaultWindows()
	}

	c := &Client{
		store:           opts.Store,
		transport:       opts.Transport,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		identity:        opts.Identity,
		hostOverride:    strings.TrimRight(opts.HostOverride, "/"),
		skipCallLogging: opts.SkipCallLogging,
	}
	c.budget = budget.NewTracker(opts.Store, windows, opts.Logger)

	var sessOpts []session.Option
	if opts.IgnoreCachedSession {
		sessOpts = append(sessOpts, session.WithIgnoreCached())
	}
	c.sessions = session.NewManager(opts.Store, &authClient{c: c},
		opts.Identity, opts.Identifier, opts.Password, opts.Logger, sessOpts...)
	return c, nil
}

// NewFromConfig opens the ledger named by cfg and builds a Client around it.
// Close releases the store.
func NewFromConfig(cfg config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = telemetry.NewLogger(os.Stderr, cfg.LogLevel)
	}
	lopts := ledger.Options{Driver: ledger.DriverSQLite, DSN: cfg.Database.Path}
	if cfg.Database.Driver == string(ledger.DriverPostgres) {
		lopts = ledger.Options{Driver: ledger.DriverPostgres, DSN: cfg.Database.PostgresDSN()}
	}
	if lopts.Driver == ledger.DriverSQLite && lopts.DSN == "" {
		lopts.DSN = ledger.DefaultDBPath()
	}
	store, err := ledger.Open(lopts)
	if err != nil {
		return nil, err
	}
	c, err := New(Options{
		Store:         store,
		Transport:     transport.New(cfg.Timeout()),
		Logger:        logger,
		Identifier:    cfg.Auth.Identifier,
		Password:      cfg.Auth.Password,
		BudgetWindows: cfg.BudgetWindows(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	c.ownsStore = true
	return c, nil
}

// Close releases the underlying store when the Client opened it itself.
func (c *Client) Close() error {
	if c.ownsStore {
		return c.store.Close()
	}
	return nil
}

// Store exposes the ledger for direct queries (history, pruning, reports).
func (c *Client) Store() *ledger.Store { return c.store }

// Budget exposes the write-budget tracker.
func (c *Client) Budget() *budget.Tracker { return c.budget }

// Identity returns the account identity ledger rows are keyed by.
func (c *Client) Identity() string { return c.identity }

// DID returns the authenticated account's DID, establishing a session if
// needed.
func (c *Client) DID(ctx context.Context) (string, error) {
	sess, err := c.sessions.Ensure(ctx)
	if err != nil {
		return "", err
	}
	return sess.DID, nil
}

// CallOptions carries the per-call knobs. The zero value is valid.
type CallOptions struct {
	// Params become the query string on GET and the JSON body on POST.
	Params map[string]any

	// Body overrides the JSON-encoded params as the raw request body.
	Body        []byte
	ContentType string

	Headers map[string]string

	// Cursor, when non-nil, is used verbatim and cursor resolution is
	// bypassed entirely. An explicit empty string sends no cursor.
	Cursor *string

	// DisablePagination fetches a single page from a paginated endpoint.
	DisablePagination bool
}

// Call performs one logical API operation: session resolution, cursor
// resolution, budget admission, the network exchange, and for paginated
// endpoints the full page loop. See Response for what comes back.
func (c *Client) Call(ctx context.Context, ep Endpoint, opts CallOptions) (*Response, error) {
	if !shared.HasTraceID(ctx) {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}

	if ep.Paginated && !opts.DisablePagination {
		return c.paginate(ctx, ep, opts)
	}
	return c.dispatch(ctx, ep, opts.Cursor, opts.Cursor != nil, opts)
}

// dispatch runs one page-level call: resolve session and cursor, admit
// against the budget, perform the exchange, and recover from token expiry by
// refreshing and retrying exactly once. Each physical attempt leaves one
// ledger row.
func (c *Client) dispatch(ctx context.Context, ep Endpoint, cursor *string, explicitCursor bool, opts CallOptions) (*Response, error) {
	scopeKey := ep.scopeKey(opts.Params)

	var sess *ledger.Session
	if ep.Host != HostPublic {
		var err error
		sess, err = c.sessions.Ensure(ctx)
		if err != nil {
			return nil, err
		}
	}

	if !explicitCursor && cursor == nil {
		var err error
		cursor, err = c.resolveCursor(ctx, ep, scopeKey)
		if err != nil {
			return nil, err
		}
	}

	if err := c.budget.Check(ctx, c.identity, ep.Cost); err != nil {
		var le *budget.LimitError
		if errors.As(err, &le) {
			c.metrics.BudgetRejects.Add(ctx, 1,
				metric.WithAttributes(attribute.String("window", le.Window)))
			c.logger.Warn("call denied by write budget",
				"endpoint", ep.Path, "window", le.Window,
				"used", le.Used, "limit", le.Limit, "cost", le.Projected,
				"trace_id", shared.TraceID(ctx))
		}
		return nil, err
	}

	resp, rec, err := c.attempt(ctx, ep, scopeKey, cursor, sess, false, opts)
	if errors.Is(err, errTokenExpired) && sess != nil {
		c.logger.Info("access token expired, refreshing session",
			"endpoint", ep.Path, "identity", c.identity,
			"trace_id", shared.TraceID(ctx))
		fresh, rerr := c.sessions.Refresh(ctx, sess)
		if rerr != nil {
			return nil, rerr
		}
		c.metrics.SessionRefreshes.Add(ctx, 1)
		if !explicitCursor {
			cursor, rerr = c.resolveCursor(ctx, ep, scopeKey)
			if rerr != nil {
				return nil, rerr
			}
		}
		resp, rec, err = c.attempt(ctx, ep, scopeKey, cursor, fresh, true, opts)
	}
	if errors.Is(err, errTokenExpired) {
		// Second expiry in a row. Surface it; something is wrong with
		// the refresh flow and looping would not fix it.
		return nil, &APIError{
			StatusCode: rec.HTTPStatus,
			Code:       "ExpiredToken",
			Message:    "access token rejected after refresh",
			Record:     rec,
		}
	}
	return resp, err
}

// resolveCursor finds where an interrupted iteration left off: the newest
// cursor the ledger holds for this (endpoint, identity, scope) triple, or the
// endpoint's seed cursor when the scope has no history.
func (c *Client) resolveCursor(ctx context.Context, ep Endpoint, scopeKey string) (*string, error) {
	if !ep.cursorAware() {
		return nil, nil
	}
	cur, ok, err := c.store.LatestCursor(ctx, ep.Path, c.identity, scopeKey)
	if err != nil {
		return nil, fmt.Errorf("resolve cursor: %w", err)
	}
	if ok {
		return &cur, nil
	}
	if ep.CursorDefault != "" {
		seed := ep.CursorDefault
		return &seed, nil
	}
	return nil, nil
}

// attempt performs one physical HTTP exchange and records it. The returned
// error classifies the outcome: nil on 2xx, errTokenExpired on a recoverable
// expiry, *APIError on other 4xx, *TransportError on network failure or 5xx.
func (c *Client) attempt(ctx context.Context, ep Endpoint, scopeKey string, cursor *string, sess *ledger.Session, refreshed bool, opts CallOptions) (*Response, *ledger.CallRecord, error) {
	reqURL, body, contentType, err := c.buildRequest(ep, cursor, opts)
	if err != nil {
		return nil, nil, err
	}

	headers := make(map[string]string, len(opts.Headers)+2)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	if sess != nil {
		headers["Authorization"] = "Bearer " + sess.AccessJWT
	}

	tr, sendErr := c.transport.Send(ctx, ep.Method, reqURL, headers, body)

	rec := &ledger.CallRecord{
		Identity:         c.identity,
		Hostname:         ep.Host,
		Endpoint:         ep.Path,
		Method:           ep.Method,
		ScopeKey:         scopeKey,
		CursorPassed:     cursor,
		Params:           encodeParams(opts.Params),
		SessionRefreshed: refreshed,
	}

	if sendErr != nil {
		if tr != nil {
			rec.DurationMicros = tr.Elapsed.Microseconds()
		}
		rec.Outcome = ledger.OutcomeTransportError
		rec.ErrorClass = "network"
		rec.ErrorText = sendErr.Error()
		if err := c.recordCall(ctx, rec); err != nil {
			return nil, rec, err
		}
		c.observeCall(ctx, ep, rec)
		return nil, rec, &TransportError{Err: sendErr, Record: rec}
	}

	rec.HTTPStatus = tr.StatusCode
	rec.DurationMicros = tr.Elapsed.Microseconds()

	cursorStr, hasCursor, items, keys, errCode, errMsg := parsePayload(tr.Body, ep.Collection)
	if len(keys) > 0 {
		rec.ResponseKeys = encodeKeys(keys)
	}

	switch {
	case tr.StatusCode >= 200 && tr.StatusCode < 300:
		rec.Outcome = ledger.OutcomeSuccess
		rec.Cost = ep.Cost
		if hasCursor {
			rec.CursorReceived = &cursorStr
		}
		if err := c.recordCall(ctx, rec); err != nil {
			return nil, rec, err
		}
		c.observeCall(ctx, ep, rec)
		if ep.Cost > 0 {
			c.metrics.WritePointsUsed.Add(ctx, ep.Cost,
				metric.WithAttributes(attribute.String("endpoint", ep.Path)))
		}
		return &Response{
			StatusCode: tr.StatusCode,
			Cursor:     cursorStr,
			HasCursor:  hasCursor,
			Items:      items,
			Body:       tr.Body,
			Keys:       keys,
			Elapsed:    tr.Elapsed,
			Pages:      1,
			Record:     rec,
		}, rec, nil

	case errCode == "ExpiredToken":
		// Expired access token. Cost zero so the retry attempt does not
		// double-bill the logical call.
		rec.Outcome = ledger.OutcomeAuthExpired
		rec.ErrorClass = errCode
		rec.ErrorText = errMsg
		if err := c.recordCall(ctx, rec); err != nil {
			return nil, rec, err
		}
		c.observeCall(ctx, ep, rec)
		return nil, rec, errTokenExpired

	case tr.StatusCode >= 400 && tr.StatusCode < 500:
		rec.Outcome = ledger.OutcomeClientError
		rec.ErrorClass = errCode
		rec.ErrorText = errMsg
		rec.ErrorBody = string(tr.Body)
		if err := c.recordCall(ctx, rec); err != nil {
			return nil, rec, err
		}
		c.observeCall(ctx, ep, rec)
		return nil, rec, &APIError{StatusCode: tr.StatusCode, Code: errCode, Message: errMsg, Record: rec}

	default:
		rec.Outcome = ledger.OutcomeTransportError
		rec.ErrorClass = "server"
		rec.ErrorText = errMsg
		rec.ErrorBody = string(tr.Body)
		if err := c.recordCall(ctx, rec); err != nil {
			return nil, rec, err
		}
		c.observeCall(ctx, ep, rec)
		return nil, rec, &TransportError{StatusCode: tr.StatusCode, Record: rec}
	}
}

func (c *Client) recordCall(ctx context.Context, rec *ledger.CallRecord) error {
	if c.skipCallLogging {
		return nil
	}
	if err := c.store.InsertCall(ctx, rec); err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

func (c *Client) observeCall(ctx context.Context, ep Endpoint, rec *ledger.CallRecord) {
	elapsed := time.Duration(rec.DurationMicros) * time.Microsecond
	c.metrics.CallDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("endpoint", ep.Path),
		attribute.String("outcome", string(rec.Outcome)),
	))
}

// buildRequest assembles the URL and body for one attempt. GET params land in
// the query string; POST params are JSON-encoded unless a raw body is given.
func (c *Client) buildRequest(ep Endpoint, cursor *string, opts CallOptions) (reqURL string, body []byte, contentType string, err error) {
	base := "https://" + ep.Host
	if c.hostOverride != "" {
		base = c.hostOverride
	}
	reqURL = base + "/" + ep.Path

	if ep.Method == "GET" {
		q := url.Values{}
		for k, v := range opts.Params {
			q.Set(k, paramString(v))
		}
		if cursor != nil && *cursor != "" {
			q.Set("cursor", *cursor)
		}
		if enc := q.Encode(); enc != "" {
			reqURL += "?" + enc
		}
		return reqURL, nil, "", nil
	}

	if opts.Body != nil {
		ct := opts.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		return reqURL, opts.Body, ct, nil
	}

	if len(opts.Params) > 0 || cursor != nil {
		payload := make(map[string]any, len(opts.Params)+1)
		for k, v := range opts.Params {
			payload[k] = v
		}
		if cursor != nil && *cursor != "" {
			payload["cursor"] = *cursor
		}
		body, err = json.Marshal(payload)
		if err != nil {
			return "", nil, "", fmt.Errorf("encode params: %w", err)
		}
		return reqURL, body, "application/json", nil
	}
	return reqURL, nil, "", nil
}

func paramString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return strings.Trim(string(b), `"`)
}

// encodeParams serializes request params for the ledger, with credential
// fields masked.
func encodeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	masked := make(map[string]any, len(params))
	for k, v := range params {
		if k == "password" {
			masked[k] = "[redacted]"
			continue
		}
		masked[k] = v
	}
	b, err := json.Marshal(masked)
	if err != nil {
		return ""
	}
	return string(b)
}

func encodeKeys(keys []string) string {
	b, err := json.Marshal(keys)
	if err != nil {
		return ""
	}
	return string(b)
}

// authClient routes session establishment through the client's own transport
// and ledger, so createSession/refreshSession traffic shows up in call
// history like everything else. It bypasses session resolution (no recursion)
// and the budget (auth calls are free).
type authClient struct {
	c *Client
}

type sessionPayload struct {
	AccessJWT  string `json:"accessJwt"`
	RefreshJWT string `json:"refreshJwt"`
	DID        string `json:"did"`
	Handle     string `json:"handle"`
}

func (a *authClient) CreateSession(ctx context.Context, identifier, password string) (session.Tokens, error) {
	body, err := json.Marshal(map[string]string{"identifier": identifier, "password": password})
	if err != nil {
		return session.Tokens{}, err
	}
	return a.exchange(ctx, EndpointCreateSession,
		map[string]any{"identifier": identifier, "password": password}, body, "")
}

func (a *authClient) RefreshSession(ctx context.Context, refreshJWT string) (session.Tokens, error) {
	return a.exchange(ctx, EndpointRefreshSession, nil, nil, refreshJWT)
}

func (a *authClient) exchange(ctx context.Context, ep Endpoint, params map[string]any, body []byte, bearer string) (session.Tokens, error) {
	c := a.c
	base := "https://" + ep.Host
	if c.hostOverride != "" {
		base = c.hostOverride
	}
	headers := map[string]string{}
	if body != nil {
		headers["Content-Type"] = "application/json"
	}
	if bearer != "" {
		headers["Authorization"] = "Bearer " + bearer
	}

	tr, sendErr := c.transport.Send(ctx, ep.Method, base+"/"+ep.Path, headers, body)

	rec := &ledger.CallRecord{
		Identity: c.identity,
		Hostname: ep.Host,
		Endpoint: ep.Path,
		Method:   ep.Method,
		Params:   encodeParams(params),
	}
	if sendErr != nil {
		rec.Outcome = ledger.OutcomeTransportError
		rec.ErrorClass = "network"
		rec.ErrorText = sendErr.Error()
		if err := c.recordCall(ctx, rec); err != nil {
			return session.Tokens{}, err
		}
		return session.Tokens{}, &TransportError{Err: sendErr, Record: rec}
	}
	rec.HTTPStatus = tr.StatusCode
	rec.DurationMicros = tr.Elapsed.Microseconds()

	_, _, _, keys, errCode, errMsg := parsePayload(tr.Body, "")
	if len(keys) > 0 {
		rec.ResponseKeys = encodeKeys(keys)
	}

	if tr.StatusCode < 200 || tr.StatusCode >= 300 {
		rec.ErrorClass = errCode
		rec.ErrorText = errMsg
		rec.ErrorBody = string(tr.Body)
		if tr.StatusCode >= 500 {
			rec.Outcome = ledger.OutcomeTransportError
			if err := c.recordCall(ctx, rec); err != nil {
				return session.Tokens{}, err
			}
			return session.Tokens{}, &TransportError{StatusCode: tr.StatusCode, Record: rec}
		}
		rec.Outcome = ledger.OutcomeClientError
		if err := c.recordCall(ctx, rec); err != nil {
			return session.Tokens{}, err
		}
		return session.Tokens{}, &APIError{StatusCode: tr.StatusCode, Code: errCode, Message: errMsg, Record: rec}
	}

	rec.Outcome = ledger.OutcomeSuccess
	if err := c.recordCall(ctx, rec); err != nil {
		return session.Tokens{}, err
	}

	var payload sessionPayload
	if err := json.Unmarshal(tr.Body, &payload); err != nil {
		return session.Tokens{}, fmt.Errorf("decode session response: %w", err)
	}
	if payload.AccessJWT == "" || payload.RefreshJWT == "" {
		return session.Tokens{}, fmt.Errorf("session response missing tokens (keys: %s)", strings.Join(keys, ","))
	}
	return session.Tokens{
		AccessJWT:  payload.AccessJWT,
		RefreshJWT: payload.RefreshJWT,
		DID:        payload.DID,
	}, nil
}
