package gosky

import "net/http"

// Bluesky service hosts. The public AppView host is reachable without a
// session; requests to it never attach credentials.
const (
	HostPublic   = "public.api.bsky.app"
	HostEntryway = "bsky.social"
	HostChat     = "api.bsky.chat"
	HostVideo    = "video.bsky.app"
)

// ZeroCursor is the sentinel meaning "start from the beginning of time" for
// endpoints whose cursors are timestamp-shaped, notably chat.bsky.convo.getLog.
// https://github.com/bluesky-social/atproto/issues/2760
const ZeroCursor = "2222222222222"

// EndSignal names the endpoint's "no more data" convention. A zero-item page
// always terminates pagination regardless of the configured signal.
type EndSignal string

const (
	// EndOnEmptyPage relies on the zero-item page alone.
	EndOnEmptyPage EndSignal = "empty_page"
	// EndOnNoCursor stops when the response carries no cursor.
	EndOnNoCursor EndSignal = "no_cursor"
	// EndOnRepeatCursor stops when the response echoes the cursor it was sent.
	EndOnRepeatCursor EndSignal = "repeat_cursor"
)

// Endpoint is the per-operation configuration the dispatcher consumes:
// where the call goes, what it costs, and how its cursor behaves.
type Endpoint struct {
	Path   string
	Host   string
	Method string

	// Cost in write-operation points; 0 for non-cost-bearing calls.
	Cost int64

	// CursorDefault seeds a scope with no ledger history. Empty means the
	// first call goes out without a cursor.
	CursorDefault string

	// Collection is the response field holding page items.
	Collection string

	// Paginated endpoints loop until exhaustion unless the caller disables it.
	Paginated bool

	EndSignal EndSignal

	// ScopeKeyFunc derives the cursor scope from request params for
	// endpoints that interleave several independent cursor sequences.
	// Nil means the endpoint has a single scope.
	ScopeKeyFunc func(params map[string]any) string
}

func (e Endpoint) scopeKey(params map[string]any) string {
	if e.ScopeKeyFunc == nil {
		return ""
	}
	return e.ScopeKeyFunc(params)
}

// cursorAware reports whether the dispatcher should consult cursor history
// for this endpoint.
func (e Endpoint) cursorAware() bool {
	return e.Paginated || e.CursorDefault != ""
}

// Built-in endpoint configurations. Write costs follow
// https://docs.bsky.app/docs/advanced-guides/rate-limits
var (
	EndpointCreateSession = Endpoint{
		Path:   "xrpc/com.atproto.server.createSession",
		Host:   HostEntryway,
		Method: http.MethodPost,
	}

	EndpointRefreshSession = Endpoint{
		Path:   "xrpc/com.atproto.server.refreshSession",
		Host:   HostEntryway,
		Method: http.MethodPost,
	}

	EndpointCreateRecord = Endpoint{
		Path:   "xrpc/com.atproto.repo.createRecord",
		Host:   HostEntryway,
		Method: http.MethodPost,
		Cost:   3,
	}

	EndpointDeleteRecord = Endpoint{
		Path:   "xrpc/com.atproto.repo.deleteRecord",
		Host:   HostEntryway,
		Method: http.MethodPost,
		Cost:   1,
	}

	EndpointUploadBlob = Endpoint{
		Path:   "xrpc/com.atproto.repo.uploadBlob",
		Host:   HostEntryway,
		Method: http.MethodPost,
	}

	EndpointGetConvoLog = Endpoint{
		Path:          "xrpc/chat.bsky.convo.getLog",
		Host:          HostChat,
		Method:        http.MethodGet,
		CursorDefault: ZeroCursor,
		Collection:    "logs",
		Paginated:     true,
		EndSignal:     EndOnRepeatCursor,
	}

	EndpointListRecords = Endpoint{
		Path:       "xrpc/com.atproto.repo.listRecords",
		Host:       HostEntryway,
		Method:     http.MethodGet,
		Collection: "records",
		Paginated:  true,
		EndSignal:  EndOnNoCursor,
		ScopeKeyFunc: func(params map[string]any) string {
			if c, ok := params["collection"].(string); ok {
				return c
			}
			return ""
		},
	}

	EndpointGetProfile = Endpoint{
		Path:   "xrpc/app.bsky.actor.getProfile",
		Host:   HostPublic,
		Method: http.MethodGet,
	}

	EndpointGetRecord = Endpoint{
		Path:   "xrpc/com.atproto.repo.getRecord",
		Host:   HostEntryway,
		Method: http.MethodGet,
	}

	EndpointVideoUploadLimits = Endpoint{
		Path:   "xrpc/app.bsky.video.getUploadLimits",
		Host:   HostVideo,
		Method: http.MethodGet,
	}
)
