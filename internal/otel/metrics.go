package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all LCM metrics instruments.
type Metrics struct {
	CompactionPassDuration metric.Float64Histogram
	CompactionPassesTotal  metric.Int64Counter
	SummarizeCallDuration  metric.Float64Histogram
	SummarizeTokensSaved   metric.Int64Counter
	AssembleDuration       metric.Float64Histogram
	AssembleBudgetMisses   metric.Int64Counter
	ExpansionStarted       metric.Int64Counter
	ExpansionBlocked       metric.Int64Counter
	ExpansionTimeout       metric.Int64Counter
	ExpansionSucceeded     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CompactionPassDuration, err = meter.Float64Histogram("lcm.compaction.pass.duration",
		metric.WithDescription("Leaf/condensation pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CompactionPassesTotal, err = meter.Int64Counter("lcm.compaction.passes",
		metric.WithDescription("Total compaction passes committed"),
	)
	if err != nil {
		return nil, err
	}

	m.SummarizeCallDuration, err = meter.Float64Histogram("lcm.summarize.duration",
		metric.WithDescription("External summarize() call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SummarizeTokensSaved, err = meter.Int64Counter("lcm.summarize.tokens_saved",
		metric.WithDescription("Tokens removed from context by each committed pass"),
	)
	if err != nil {
		return nil, err
	}

	m.AssembleDuration, err = meter.Float64Histogram("lcm.assemble.duration",
		metric.WithDescription("assemble() call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AssembleBudgetMisses, err = meter.Int64Counter("lcm.assemble.budget_misses",
		metric.WithDescription("assemble() calls where the fresh tail alone exceeded budget"),
	)
	if err != nil {
		return nil, err
	}

	m.ExpansionStarted, err = meter.Int64Counter("lcm.expansion.start",
		metric.WithDescription("Delegated expand() authorization attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.ExpansionBlocked, err = meter.Int64Counter("lcm.expansion.block",
		metric.WithDescription("Delegated expand() authorization refusals"),
	)
	if err != nil {
		return nil, err
	}

	m.ExpansionTimeout, err = meter.Int64Counter("lcm.expansion.timeout",
		metric.WithDescription("Delegated expand() calls that exceeded their deadline"),
	)
	if err != nil {
		return nil, err
	}

	m.ExpansionSucceeded, err = meter.Int64Counter("lcm.expansion.success",
		metric.WithDescription("Delegated expand() authorization successes"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
