package gosky

import (
	"context"

	"github.com/basket/go-sky/internal/shared"
)

// maxPages caps a single pagination loop. An endpoint that never terminates
// (a cursor that always advances, or a repeat-cursor endpoint that fails to
// repeat) would otherwise spin forever against the remote side.
const maxPages = 1000

// paginate fetches pages until the endpoint signals exhaustion, accumulating
// items across pages. The first page resolves its cursor from the ledger (or
// uses the caller's explicit cursor); subsequent pages carry the cursor each
// response handed back. A zero-item page always terminates, whatever the
// endpoint's configured end signal.
func (c *Client) paginate(ctx context.Context, ep Endpoint, opts CallOptions) (*Response, error) {
	cursor := opts.Cursor
	explicit := opts.Cursor != nil

	var agg *Response
	for page := 1; ; page++ {
		if page > maxPages {
			c.logger.Error("pagination did not terminate", "endpoint", ep.Path,
				"pages", maxPages, "trace_id", shared.TraceID(ctx))
			return nil, ErrExcessiveIteration
		}

		resp, err := c.dispatch(ctx, ep, cursor, explicit, opts)
		if err != nil {
			return nil, err
		}
		c.metrics.PagesFetched.Add(ctx, 1)

		if agg == nil {
			agg = resp
		} else {
			agg.Items = append(agg.Items, resp.Items...)
			agg.StatusCode = resp.StatusCode
			agg.Cursor = resp.Cursor
			agg.HasCursor = resp.HasCursor
			agg.Body = resp.Body
			agg.Keys = resp.Keys
			agg.Elapsed += resp.Elapsed
			agg.Record = resp.Record
			agg.Pages = page
		}

		if len(resp.Items) == 0 {
			break
		}
		if done(ep, resp) {
			break
		}

		next := resp.Cursor
		cursor = &next
		explicit = true
	}

	c.logger.Debug("pagination complete", "endpoint", ep.Path,
		"pages", agg.Pages, "items", len(agg.Items), "trace_id", shared.TraceID(ctx))
	return agg, nil
}

// done evaluates the endpoint's end-of-data convention against a non-empty
// page. A page with items but no cursor can never advance, so it terminates
// under every signal.
func done(ep Endpoint, resp *Response) bool {
	if !resp.HasCursor {
		return true
	}
	switch ep.EndSignal {
	case EndOnNoCursor:
		return false // cursor present, keep going
	case EndOnRepeatCursor:
		passed := resp.Record.CursorPassed
		return passed != nil && *passed == resp.Cursor
	default:
		return false
	}
}
