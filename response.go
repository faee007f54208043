package gosky

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/basket/go-sky/ledger"
)

// Response is the minimal typed view the core extracts from a remote reply:
// the items collection, the cursor, and enough surface to diagnose. Full
// payload shaping stays with the caller via Decode.
type Response struct {
	StatusCode int

	// Cursor is the cursor_received of the final page; HasCursor is false
	// when the response carried none.
	Cursor    string
	HasCursor bool

	// Items accumulates the endpoint's collection field across pages.
	Items []json.RawMessage

	// Body is the raw payload of the final page.
	Body []byte

	// Keys are the sorted top-level fields of the final page.
	Keys []string

	Elapsed time.Duration

	// Pages is the number of pages fetched (1 for unpaginated calls).
	Pages int

	// Record is the ledger row of the final attempt.
	Record *ledger.CallRecord
}

// Decode unmarshals the final page's raw body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// parsePayload extracts the minimal typed view from a raw body. A body that
// is not a JSON object yields an empty view, mirroring how unparseable
// responses are treated as opaque.
func parsePayload(body []byte, collection string) (cursor string, hasCursor bool, items []json.RawMessage, keys []string, errCode, errMsg string) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", false, nil, nil, "", ""
	}

	keys = make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if raw, ok := payload["cursor"]; ok {
		if err := json.Unmarshal(raw, &cursor); err == nil {
			hasCursor = true
		}
	}
	if collection != "" {
		if raw, ok := payload[collection]; ok {
			_ = json.Unmarshal(raw, &items)
		}
	}
	if raw, ok := payload["error"]; ok {
		_ = json.Unmarshal(raw, &errCode)
	}
	if raw, ok := payload["message"]; ok {
		_ = json.Unmarshal(raw, &errMsg)
	}
	return cursor, hasCursor, items, keys, errCode, errMsg
}
