package lcm_test

import (
	"context"
	"strings"
	"testing"

	"github.com/martian-engineering/lcm/internal/lcm"
)

func TestStaticSummarizer_EmptyInputReturnsEmpty(t *testing.T) {
	var s lcm.StaticSummarizer
	out, err := s.Summarize(context.Background(), "   ", false, lcm.SummarizeOptions{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if out != "" {
		t.Fatalf("expected empty output for blank input, got %q", out)
	}
}

func TestStaticSummarizer_NeverErrors(t *testing.T) {
	var s lcm.StaticSummarizer
	out, err := s.Summarize(context.Background(), "some conversation text", true, lcm.SummarizeOptions{
		IsCondensed: true,
		Depth:       2,
	})
	if err != nil {
		t.Fatalf("static summarizer must never error, got %v", err)
	}
	if !strings.Contains(out, "condensed=true") || !strings.Contains(out, "depth=2") {
		t.Fatalf("expected deterministic descriptive output, got %q", out)
	}
}

func TestNewGenkitSummarizer_UnknownProviderErrors(t *testing.T) {
	_, err := lcm.NewGenkitSummarizer(context.Background(), lcm.GenkitProviderConfig{Provider: "bogus"})
	if err == nil {
		t.Fatal("expected an error for an unknown provider")
	}
}
