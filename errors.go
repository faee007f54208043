package gosky

import (
	"errors"
	"fmt"

	"github.com/basket/go-sky/ledger"
	"github.com/basket/go-sky/session"
)

// ErrNotAuthenticated means a call needed a session but none exists and no
// credentials were configured.
var ErrNotAuthenticated = session.ErrNotAuthenticated

// ErrExcessiveIteration aborts a pagination loop that failed to terminate
// within the iteration cap.
var ErrExcessiveIteration = errors.New("tried to paginate through too many pages")

// APIError is a non-2xx response from the remote side, other than the
// transient token expiry the dispatcher recovers from. Not retried.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Record     *ledger.CallRecord
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status %d %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status %d", e.StatusCode)
}

// TransportError is a network, timeout, or 5xx failure. The core does not
// retry these; retry policy belongs to the caller.
type TransportError struct {
	Err        error
	StatusCode int
	Record     *ledger.CallRecord
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport error: %v", e.Err)
	}
	return fmt.Sprintf("transport error: status %d", e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }
