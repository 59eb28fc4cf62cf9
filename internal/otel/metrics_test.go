package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.CompactionPassDuration == nil {
		t.Error("CompactionPassDuration is nil")
	}
	if m.CompactionPassesTotal == nil {
		t.Error("CompactionPassesTotal is nil")
	}
	if m.SummarizeCallDuration == nil {
		t.Error("SummarizeCallDuration is nil")
	}
	if m.SummarizeTokensSaved == nil {
		t.Error("SummarizeTokensSaved is nil")
	}
	if m.AssembleDuration == nil {
		t.Error("AssembleDuration is nil")
	}
	if m.AssembleBudgetMisses == nil {
		t.Error("AssembleBudgetMisses is nil")
	}
	if m.ExpansionStarted == nil {
		t.Error("ExpansionStarted is nil")
	}
	if m.ExpansionBlocked == nil {
		t.Error("ExpansionBlocked is nil")
	}
	if m.ExpansionTimeout == nil {
		t.Error("ExpansionTimeout is nil")
	}
	if m.ExpansionSucceeded == nil {
		t.Error("ExpansionSucceeded is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
