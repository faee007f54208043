package gosky

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/go-sky/posts"
)

// CollectionPost is the feed-post record collection NSID.
const CollectionPost = "app.bsky.feed.post"

// RecordRef identifies a created record.
type RecordRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Rkey extracts the record key from the at:// URI.
func (r RecordRef) Rkey() string {
	idx := strings.LastIndex(r.URI, "/")
	if idx < 0 {
		return ""
	}
	return r.URI[idx+1:]
}

// CreateRecord writes a record into the authenticated account's repo. Costs
// write-budget points.
func (c *Client) CreateRecord(ctx context.Context, collection string, record any) (*RecordRef, error) {
	did, err := c.DID(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.Call(ctx, EndpointCreateRecord, CallOptions{
		Params: map[string]any{
			"repo":       did,
			"collection": collection,
			"record":     record,
		},
	})
	if err != nil {
		return nil, err
	}
	var ref RecordRef
	if err := resp.Decode(&ref); err != nil {
		return nil, fmt.Errorf("decode createRecord response: %w", err)
	}
	return &ref, nil
}

// DeleteRecord removes a record by collection and record key.
func (c *Client) DeleteRecord(ctx context.Context, collection, rkey string) error {
	did, err := c.DID(ctx)
	if err != nil {
		return err
	}
	_, err = c.Call(ctx, EndpointDeleteRecord, CallOptions{
		Params: map[string]any{
			"repo":       did,
			"collection": collection,
			"rkey":       rkey,
		},
	})
	return err
}

// CreatePost publishes a built post to the account's feed.
func (c *Client) CreatePost(ctx context.Context, p *posts.Post) (*RecordRef, error) {
	rec, err := p.Record()
	if err != nil {
		return nil, err
	}
	return c.CreateRecord(ctx, CollectionPost, rec)
}

// DeletePost removes a post by record key or at:// URI.
func (c *Client) DeletePost(ctx context.Context, rkeyOrURI string) error {
	rkey := rkeyOrURI
	if strings.HasPrefix(rkeyOrURI, "at://") {
		rkey = RecordRef{URI: rkeyOrURI}.Rkey()
	}
	if rkey == "" {
		return fmt.Errorf("cannot derive rkey from %q", rkeyOrURI)
	}
	return c.DeleteRecord(ctx, CollectionPost, rkey)
}

// PostView is one fetched post record: its strong reference plus the raw
// record value.
type PostView struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// GetPost fetches a single post record from a repo by record key.
func (c *Client) GetPost(ctx context.Context, repo, rkey string) (*PostView, error) {
	resp, err := c.Call(ctx, EndpointGetRecord, CallOptions{
		Params: map[string]any{
			"repo":       repo,
			"collection": CollectionPost,
			"rkey":       rkey,
		},
	})
	if err != nil {
		return nil, err
	}
	var pv PostView
	if err := resp.Decode(&pv); err != nil {
		return nil, fmt.Errorf("decode getRecord response: %w", err)
	}
	if pv.URI == "" || pv.CID == "" {
		return nil, fmt.Errorf("getRecord response missing uri or cid")
	}
	return &pv, nil
}

// ReplyTo builds the reply reference for answering the given post. When that
// post is itself a reply, its thread root carries over; otherwise the post is
// both parent and root.
func (c *Client) ReplyTo(ctx context.Context, repo, rkey string) (*posts.Reply, error) {
	pv, err := c.GetPost(ctx, repo, rkey)
	if err != nil {
		return nil, err
	}
	parent := posts.StrongRef{URI: pv.URI, CID: pv.CID}
	var value struct {
		Reply *posts.Reply `json:"reply"`
	}
	if err := json.Unmarshal(pv.Value, &value); err != nil {
		return nil, fmt.Errorf("decode post record: %w", err)
	}
	root := parent
	if value.Reply != nil {
		root = value.Reply.Root
	}
	return &posts.Reply{Root: root, Parent: parent}, nil
}

// ListRecords iterates every record of one collection in the account's repo,
// following cursors to exhaustion and resuming from the ledger when a prior
// iteration was cut short. Each collection keeps its own cursor scope.
func (c *Client) ListRecords(ctx context.Context, collection string) ([]json.RawMessage, error) {
	did, err := c.DID(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.Call(ctx, EndpointListRecords, CallOptions{
		Params: map[string]any{
			"repo":       did,
			"collection": collection,
			"limit":      100,
		},
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}
