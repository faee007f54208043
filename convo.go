package gosky

import (
	"context"
	"encoding/json"
)

// GetConvoLogs fetches chat log entries since the last recorded position.
// The endpoint's cursor is timestamp-shaped; a scope with no history starts
// from the zero sentinel, which the chat service treats as the beginning of
// time. Passing a non-nil cursor overrides ledger resume; ZeroCursor refetches
// everything.
func (c *Client) GetConvoLogs(ctx context.Context, cursor *string) ([]json.RawMessage, error) {
	resp, err := c.Call(ctx, EndpointGetConvoLog, CallOptions{Cursor: cursor})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}
