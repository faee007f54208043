// Package budget enforces the rolling write-operation point budget before a
// cost-bearing call goes out. Usage is recomputed from the call ledger on
// every check so calls made by other processes sharing the same database are
// always counted. Admission is advisory: the check and the subsequent ledger
// write are not atomic across processes, so a parallel writer can still push
// a window past its limit in a race.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Bluesky's documented write-operation limits.
// https://docs.bsky.app/docs/advanced-guides/rate-limits
const (
	DefaultHourlyLimit = 5000
	DefaultDailyLimit  = 35000

	// DefaultWarnFraction is the high-water mark at which a window logs a
	// warning on every subsequent check.
	DefaultWarnFraction = 0.95
)

// Window is one rolling budget window.
type Window struct {
	Name         string
	Span         time.Duration
	Limit        int64
	WarnFraction float64
}

// DefaultWindows returns the hourly and daily write-operation windows.
func DefaultWindows() []Window {
	return []Window{
		{Name: "hourly", Span: time.Hour, Limit: DefaultHourlyLimit, WarnFraction: DefaultWarnFraction},
		{Name: "daily", Span: 24 * time.Hour, Limit: DefaultDailyLimit, WarnFraction: DefaultWarnFraction},
	}
}

// LimitError reports a denied admission, carrying the window state the
// caller needs to decide when to retry.
type LimitError struct {
	Window    string
	Span      time.Duration
	Limit     int64
	Used      int64
	Projected int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("write budget exceeded: %d/%d points used in %s window, call costs %d more",
		e.Used, e.Limit, e.Window, e.Projected)
}

// CostSummer is the ledger query the tracker needs.
type CostSummer interface {
	CostSince(ctx context.Context, identity string, since time.Time) (int64, error)
}

type Tracker struct {
	store   CostSummer
	windows []Window
	logger  *slog.Logger
	now     func() time.Time
}

func NewTracker(store CostSummer, windows []Window, logger *slog.Logger) *Tracker {
	if len(windows) == 0 {
		windows = DefaultWindows()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, windows: windows, logger: logger, now: time.Now}
}

// SetWindows replaces the configured windows. Used by test-mode clients to
// set artificially small budgets.
func (t *Tracker) SetWindows(windows []Window) {
	t.windows = windows
}

// Check admits or denies a call with the given projected cost. Each window is
// inspected independently; the first window the cost would overrun denies the
// whole call. Landing exactly at a limit is admitted. A zero-cost call is
// always admitted without touching the ledger.
func (t *Tracker) Check(ctx context.Context, identity string, projectedCost int64) error {
	if projectedCost <= 0 {
		return nil
	}
	now := t.now().UTC()
	for _, w := range t.windows {
		used, err := t.store.CostSince(ctx, identity, now.Add(-w.Span))
		if err != nil {
			return fmt.Errorf("budget window %s: %w", w.Name, err)
		}
		if used+projectedCost > w.Limit {
			return &LimitError{
				Window:    w.Name,
				Span:      w.Span,
				Limit:     w.Limit,
				Used:      used,
				Projected: projectedCost,
			}
		}
		if frac := w.WarnFraction; frac > 0 && float64(used+projectedCost) >= frac*float64(w.Limit) {
			t.logger.Warn("write budget nearing limit",
				"window", w.Name,
				"used", used,
				"projected", projectedCost,
				"limit", w.Limit,
				"identity", identity,
			)
		}
	}
	return nil
}

// Usage reports the consumed points per window, oldest-configured first.
type Usage struct {
	Window Window
	Used   int64
}

// Snapshot computes current usage for every configured window.
func (t *Tracker) Snapshot(ctx context.Context, identity string) ([]Usage, error) {
	now := t.now().UTC()
	out := make([]Usage, 0, len(t.windows))
	for _, w := range t.windows {
		used, err := t.store.CostSince(ctx, identity, now.Add(-w.Span))
		if err != nil {
			return nil, fmt.Errorf("budget window %s: %w", w.Name, err)
		}
		out = append(out, Usage{Window: w, Used: used})
	}
	return out, nil
}
