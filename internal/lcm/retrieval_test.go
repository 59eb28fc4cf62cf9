package lcm_test

import (
	"testing"

	"github.com/martian-engineering/lcm/internal/lcm"
	"github.com/martian-engineering/lcm/internal/lcmstore"
)

func TestRetrieval_GrepRegex_FindsMessageMatch(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	conv := mustConversation(t, store, "sess-retrieval-1")

	mustAppendMessage(t, store, conv.ID, "user", "the quick brown fox jumps")
	mustAppendMessage(t, store, conv.ID, "assistant", "nothing relevant here")

	r := lcm.NewRetrieval(store, 1000)
	hits, err := r.Grep(ctx, lcm.GrepQuery{
		Pattern:        "quick brown",
		Mode:           lcm.GrepModeRegex,
		Scope:          lcm.GrepScopeMessages,
		ConversationID: conv.ID,
	})
	if err != nil {
		t.Fatalf("grep: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected exactly 1 hit, got %d", len(hits))
	}
	if hits[0].Kind != "message" {
		t.Fatalf("expected a message hit, got kind=%s", hits[0].Kind)
	}
}

func TestRetrieval_GrepRegex_NoMatchReturnsEmpty(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	conv := mustConversation(t, store, "sess-retrieval-2")
	mustAppendMessage(t, store, conv.ID, "user", "hello world")

	r := lcm.NewRetrieval(store, 1000)
	hits, err := r.Grep(ctx, lcm.GrepQuery{
		Pattern:        "zzz_no_such_token",
		Mode:           lcm.GrepModeRegex,
		Scope:          lcm.GrepScopeBoth,
		ConversationID: conv.ID,
	})
	if err != nil {
		t.Fatalf("grep: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
}

func TestRetrieval_GrepFullText_FindsMessageMatch(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	conv := mustConversation(t, store, "sess-retrieval-3")
	mustAppendMessage(t, store, conv.ID, "user", "panic: nil pointer dereference in handler")

	r := lcm.NewRetrieval(store, 1000)
	hits, err := r.Grep(ctx, lcm.GrepQuery{
		Pattern:        "dereference",
		Mode:           lcm.GrepModeFullText,
		Scope:          lcm.GrepScopeMessages,
		ConversationID: conv.ID,
	})
	if err != nil {
		t.Fatalf("grep: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected exactly 1 full-text hit, got %d", len(hits))
	}
}

func TestRetrieval_GrepAllConversations_SpansMultipleConversations(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	convA := mustConversation(t, store, "sess-retrieval-all-a")
	convB := mustConversation(t, store, "sess-retrieval-all-b")
	mustAppendMessage(t, store, convA.ID, "user", "shared marker token alpha")
	mustAppendMessage(t, store, convB.ID, "user", "shared marker token beta")

	r := lcm.NewRetrieval(store, 1000)
	hits, err := r.Grep(ctx, lcm.GrepQuery{
		Pattern:          "shared marker token",
		Mode:             lcm.GrepModeRegex,
		Scope:            lcm.GrepScopeMessages,
		AllConversations: true,
	})
	if err != nil {
		t.Fatalf("grep: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected hits from both conversations, got %d", len(hits))
	}
}

func TestRetrieval_Describe_SummaryNotFound(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	r := lcm.NewRetrieval(store, 1000)

	_, err := r.Describe(ctx, "sum_doesnotexist00000000", 1000)
	if err == nil {
		t.Fatal("expected an error describing a nonexistent summary id")
	}
}

func TestRetrieval_Expand_UnknownSummaryErrors(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	r := lcm.NewRetrieval(store, 1000)

	_, err := r.Expand(ctx, "sum_doesnotexist00000000", lcm.ExpandOptions{TokenCap: 1000})
	if err == nil {
		t.Fatal("expected an error expanding a nonexistent summary id")
	}
}

// TestRetrieval_Expand_DescendsIntoSourceLeaves builds a condensed summary
// over a single leaf and expands from the condensed node, asserting the
// traversal descends toward the leaf it was built from (Parents'
// direction), not toward summaries built on top of it (Children).
func TestRetrieval_Expand_DescendsIntoSourceLeaves(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	conv := mustConversation(t, store, "sess-retrieval-expand-1")

	msg := mustAppendMessage(t, store, conv.ID, "user", "some raw conversation content")

	leaf, err := store.CreateLeaf(ctx, lcmstore.CreateLeafInput{
		ConversationID:   conv.ID,
		Content:          "condensed leaf content",
		SourceMessageIDs: []int64{msg.MessageID},
	})
	if err != nil {
		t.Fatalf("create leaf: %v", err)
	}

	condensed, err := store.CreateCondensed(ctx, lcmstore.CreateCondensedInput{
		ConversationID:   conv.ID,
		Content:          "condensed-over-leaf content",
		ParentSummaryIDs: []string{leaf.SummaryID},
	})
	if err != nil {
		t.Fatalf("create condensed: %v", err)
	}

	r := lcm.NewRetrieval(store, 10000)
	result, err := r.Expand(ctx, condensed.SummaryID, lcm.ExpandOptions{MaxDepth: 2, TokenCap: 10000})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}

	if result.Root.SummaryID != condensed.SummaryID {
		t.Fatalf("expected root to be the condensed summary, got %s", result.Root.SummaryID)
	}
	if len(result.Root.Children) != 1 || result.Root.Children[0].SummaryID != leaf.SummaryID {
		t.Fatalf("expected the condensed node's children to contain its source leaf %s, got %+v", leaf.SummaryID, result.Root.Children)
	}
}
