package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds all go-sky metrics instruments.
type Metrics struct {
	CallDuration     metric.Float64Histogram
	PagesFetched     metric.Int64Counter
	WritePointsUsed  metric.Int64Counter
	BudgetRejects    metric.Int64Counter
	SessionRefreshes metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CallDuration, err = meter.Float64Histogram("gosky.call.duration",
		metric.WithDescription("Remote API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PagesFetched, err = meter.Int64Counter("gosky.pages.fetched",
		metric.WithDescription("Pages fetched by the paginator"),
	)
	if err != nil {
		return nil, err
	}

	m.WritePointsUsed, err = meter.Int64Counter("gosky.budget.points",
		metric.WithDescription("Write-operation points consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.BudgetRejects, err = meter.Int64Counter("gosky.budget.rejects",
		metric.WithDescription("Calls denied by budget admission"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionRefreshes, err = meter.Int64Counter("gosky.session.refreshes",
		metric.WithDescription("Session refreshes performed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
