package gosky

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/go-sky/ledger"
)

// GetProfile returns a user profile by handle or DID, serving from the
// database cache when present. The remote fetch goes to the public AppView
// host and never attaches credentials.
func (c *Client) GetProfile(ctx context.Context, actor string) (*ledger.Profile, error) {
	return c.getProfile(ctx, actor, false)
}

// GetProfileRemote bypasses the cache and refreshes it from the remote side.
func (c *Client) GetProfileRemote(ctx context.Context, actor string) (*ledger.Profile, error) {
	return c.getProfile(ctx, actor, true)
}

func (c *Client) getProfile(ctx context.Context, actor string, forceRemote bool) (*ledger.Profile, error) {
	actor = strings.TrimPrefix(strings.TrimSpace(actor), "@")
	if actor == "" {
		return nil, fmt.Errorf("empty actor")
	}

	if !forceRemote {
		var cached *ledger.Profile
		var err error
		if strings.HasPrefix(actor, "did:") {
			cached, err = c.store.ProfileByDID(ctx, actor)
		} else {
			cached, err = c.store.ProfileByHandle(ctx, actor)
		}
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return cached, nil
		}
	}

	resp, err := c.Call(ctx, EndpointGetProfile, CallOptions{
		Params: map[string]any{"actor": actor},
	})
	if err != nil {
		return nil, err
	}
	var payload struct {
		DID         string `json:"did"`
		Handle      string `json:"handle"`
		DisplayName string `json:"displayName"`
	}
	if err := resp.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode profile response: %w", err)
	}
	if payload.DID == "" || payload.Handle == "" {
		return nil, fmt.Errorf("profile response missing did or handle")
	}

	p := &ledger.Profile{
		DID:         payload.DID,
		Handle:      payload.Handle,
		DisplayName: payload.DisplayName,
	}
	if err := c.store.UpsertProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
