// Package transport is the thin HTTP layer under the dispatcher. It builds
// and sends one request, reads the body, and reports elapsed time. It does
// no classification, retries, or logging; those belong to the caller.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBody bounds how much of a response is read into memory.
const maxResponseBody = 8 << 20

// DefaultTimeout applies when the caller does not set one.
const DefaultTimeout = 30 * time.Second

// Response is the raw result of one HTTP exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
}

type Client struct {
	http *http.Client
}

func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// NewWithHTTPClient wraps an existing http.Client, used by tests.
func NewWithHTTPClient(hc *http.Client) *Client {
	return &Client{http: hc}
}

// Send performs one HTTP request. Any network or IO failure, including a
// timeout, returns a non-nil error with Elapsed still populated on the
// response so callers can log the attempt duration.
func (c *Client) Send(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return &Response{Elapsed: elapsed}, fmt.Errorf("send %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	elapsed = time.Since(start)
	if err != nil {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Elapsed: elapsed},
			fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Elapsed:    elapsed,
	}, nil
}
