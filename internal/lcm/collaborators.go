package lcm

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// SummarizeOptions carries the escalation/depth context the compaction
// engine passes to every summarize call.
type SummarizeOptions struct {
	PreviousSummary string
	IsCondensed     bool
	Depth           int
	TargetTokens    int
}

// Summarizer is the external collaborator contract the compaction engine
// consumes: summarize(text, aggressive, opts) -> text. It may return an
// empty string, must not mutate state, and may fail — the caller handles
// both via the three-level escalation ladder.
type Summarizer interface {
	Summarize(ctx context.Context, text string, aggressive bool, opts SummarizeOptions) (string, error)
}

// CompletionContentBlock mirrors one block of the `complete()` collaborator
// contract's response shape: {content: [{type, text?}, ...]}.
type CompletionContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CompletionClient is the underlying completion collaborator the default
// summarizer adapter (and large-file blurb synthesis) sits on top of. Its
// return shape is opaque to the rest of the core beyond this block list.
type CompletionClient interface {
	Complete(ctx context.Context, prompt string) ([]CompletionContentBlock, error)
}

// StaticSummarizer is a no-LLM fallback summarizer, used in tests and when
// no provider is configured: it never throws and never shrinks its input
// below the deterministic-truncation threshold, so callers exercising the
// escalation ladder can rely on it routing to fallback truncation.
type StaticSummarizer struct{}

func (StaticSummarizer) Summarize(ctx context.Context, text string, aggressive bool, opts SummarizeOptions) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	return fmt.Sprintf("[summary of %d chars, condensed=%v, depth=%d]", len(text), opts.IsCondensed, opts.Depth), nil
}

// GenkitSummarizer adapts a genkit.Genkit instance (wired to Anthropic,
// OpenAI-compatible, or Gemini via the same provider-selection idiom the
// host runtime uses for its own completions) into the Summarizer contract.
type GenkitSummarizer struct {
	g     *genkit.Genkit
	model string
}

// GenkitProviderConfig selects which genkit plugin backs summarization,
// mirroring the host's own provider switch (google/anthropic/openai/openai_compatible).
type GenkitProviderConfig struct {
	Provider                 string
	Model                    string
	APIKey                   string
	OpenAICompatibleBaseURL  string
	OpenAICompatibleProvider string
}

// NewGenkitSummarizer initializes a genkit instance scoped to summarization
// calls only, independent of any host completion brain.
func NewGenkitSummarizer(ctx context.Context, cfg GenkitProviderConfig) (*GenkitSummarizer, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: cfg.APIKey}))
	case "openai", "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Opts: []compat_oai.OpenAIClientOption{},
		}))
	case "google", "":
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: cfg.APIKey}))
	default:
		return nil, fmt.Errorf("lcm: unknown summarizer provider %q", cfg.Provider)
	}
	return &GenkitSummarizer{g: g, model: cfg.Model}, nil
}

// Summarize builds a prompt from text/opts and invokes the configured
// model, returning an empty string (never an error) when the model itself
// errors on a recoverable-looking failure, so the compaction engine's
// escalation ladder — not this adapter — decides how to react.
func (g *GenkitSummarizer) Summarize(ctx context.Context, text string, aggressive bool, opts SummarizeOptions) (string, error) {
	prompt := buildSummarizePrompt(text, aggressive, opts)
	resp, err := genkit.Generate(ctx, g.g,
		ai.WithModelName(g.model),
		ai.WithMessages(ai.NewUserTextMessage(prompt)),
	)
	if err != nil {
		return "", fmt.Errorf("lcm: summarize via genkit: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func buildSummarizePrompt(text string, aggressive bool, opts SummarizeOptions) string {
	var b strings.Builder
	if opts.IsCondensed {
		fmt.Fprintf(&b, "Condense the following summaries (depth %d) into one summary of about %d tokens.\n", opts.Depth, opts.TargetTokens)
	} else if aggressive {
		fmt.Fprintf(&b, "Aggressively compress the following conversation excerpt to about %d tokens. Preserve only load-bearing facts.\n", opts.TargetTokens)
	} else {
		fmt.Fprintf(&b, "Summarize the following conversation excerpt to about %d tokens.\n", opts.TargetTokens)
	}
	if opts.PreviousSummary != "" {
		b.WriteString("Prior summary for continuity:\n")
		b.WriteString(opts.PreviousSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("Content:\n")
	b.WriteString(text)
	return b.String()
}
