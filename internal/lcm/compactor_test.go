package lcm_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/martian-engineering/lcm/internal/lcm"
	"github.com/martian-engineering/lcm/internal/lcmstore"
)

// shrinkingSummarizer always returns a short, deterministic summary shorter
// than its input, so passes make monotone progress without depending on an
// external model.
type shrinkingSummarizer struct {
	calls int
}

func (s *shrinkingSummarizer) Summarize(ctx context.Context, text string, aggressive bool, opts lcm.SummarizeOptions) (string, error) {
	s.calls++
	return fmt.Sprintf("summary#%d", s.calls), nil
}

func testCompactorConfig() lcm.Config {
	cfg := lcm.DefaultConfig()
	cfg.FreshTailCount = 2
	cfg.LeafMinFanout = 2
	cfg.LeafChunkTokens = 50
	cfg.CondensedMinFanout = 2
	cfg.CondensedMinFanoutHard = 2
	cfg.CondensedTargetTokens = 512
	return cfg
}

func TestCompactor_LeafPass_NoEligibleMessagesIsNoop(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	conv := mustConversation(t, store, "sess-compact-1")

	mustAppendMessage(t, store, conv.ID, "user", "hi")

	compactor := lcm.NewCompactor(store, &shrinkingSummarizer{}, testCompactorConfig())
	res, err := compactor.LeafPass(ctx, conv.ID, false)
	if err != nil {
		t.Fatalf("leaf pass: %v", err)
	}
	if res.DidWork {
		t.Fatalf("expected no work: the only message is inside the fresh tail")
	}
}

func TestCompactor_LeafPass_CommitsWhenRunExceedsFreshTail(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	conv := mustConversation(t, store, "sess-compact-2")

	for i := 0; i < 6; i++ {
		mustAppendMessage(t, store, conv.ID, "user", "this is a conversation message with some content")
	}

	compactor := lcm.NewCompactor(store, &shrinkingSummarizer{}, testCompactorConfig())
	res, err := compactor.LeafPass(ctx, conv.ID, false)
	if err != nil {
		t.Fatalf("leaf pass: %v", err)
	}
	if !res.DidWork {
		t.Fatalf("expected leaf pass to commit a summary for the evictable prefix")
	}

	items, err := store.List(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var sawSummary bool
	for _, it := range items {
		if it.ItemType == lcmstore.ItemSummary {
			sawSummary = true
		}
	}
	if !sawSummary {
		t.Fatalf("expected a summary context item after a committed leaf pass")
	}
}

func TestCompactor_AfterTurn_BelowThresholdIsNoop(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	conv := mustConversation(t, store, "sess-compact-3")

	mustAppendMessage(t, store, conv.ID, "user", "short")

	compactor := lcm.NewCompactor(store, &shrinkingSummarizer{}, testCompactorConfig())
	if err := compactor.AfterTurn(ctx, conv.ID); err != nil {
		t.Fatalf("after turn: %v", err)
	}

	items, err := store.List(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected the single message untouched, got %d items", len(items))
	}
}

func TestCompactor_FullSweep_LeavesFreshTailUntouched(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	conv := mustConversation(t, store, "sess-compact-4")

	for i := 0; i < 8; i++ {
		mustAppendMessage(t, store, conv.ID, "user", "a message with enough content to count toward the chunk budget")
	}

	compactor := lcm.NewCompactor(store, &shrinkingSummarizer{}, testCompactorConfig())
	if err := compactor.FullSweep(ctx, conv.ID, false); err != nil {
		t.Fatalf("full sweep: %v", err)
	}

	items, err := store.List(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	trailingMessages := 0
	for i := len(items) - 1; i >= 0 && trailingMessages < 2; i-- {
		if items[i].ItemType == lcmstore.ItemMessage {
			trailingMessages++
		}
	}
	if trailingMessages != 2 {
		t.Fatalf("expected the 2-message fresh tail to survive the sweep, found %d trailing messages", trailingMessages)
	}
}
