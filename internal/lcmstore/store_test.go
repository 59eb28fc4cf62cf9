package lcmstore_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/martian-engineering/lcm/internal/lcmstore"
)

func openTestStore(t *testing.T) *lcmstore.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "lcm.db")
	store, err := lcmstore.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"conversations", "messages", "message_parts", "summaries",
		"summary_parents", "summary_messages", "context_items", "large_files", "messages_fts", "summaries_fts"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE name = ?;`, table).Scan(&name); err != nil {
			t.Fatalf("expected table %q to exist: %v", table, err)
		}
	}
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "lcm.db")

	store1, err := lcmstore.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := lcmstore.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("reopen existing db: %v", err)
	}
	defer store2.Close()
}

func TestConversation_GetOrCreateIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	c1, err := store.GetOrCreateConversation(ctx, "sess-1")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	c2, err := store.GetOrCreateConversation(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("expected same conversation id, got %d and %d", c1.ID, c2.ID)
	}
}

func TestMessage_AppendAssignsStrictlyIncreasingSeq(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv, err := store.GetOrCreateConversation(ctx, "sess-1")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	m1, err := store.AppendMessage(ctx, conv.ID, "user", "hello")
	if err != nil {
		t.Fatalf("append message 1: %v", err)
	}
	m2, err := store.AppendMessage(ctx, conv.ID, "assistant", "hi")
	if err != nil {
		t.Fatalf("append message 2: %v", err)
	}
	if m1.Seq != 1 || m2.Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", m1.Seq, m2.Seq)
	}
	if m2.TokenCount != (len("hi")+3)/4 {
		t.Fatalf("unexpected token count %d", m2.TokenCount)
	}
}

func TestMessage_AppendRejectsUnknownRole(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv, err := store.GetOrCreateConversation(ctx, "sess-1")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := store.AppendMessage(ctx, conv.ID, "narrator", "x"); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestSummary_CreateLeafComputesDerivedFields(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv, err := store.GetOrCreateConversation(ctx, "sess-1")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	m1, _ := store.AppendMessage(ctx, conv.ID, "user", "hello there")
	m2, _ := store.AppendMessage(ctx, conv.ID, "assistant", "hi back")

	leaf, err := store.CreateLeaf(ctx, lcmstore.CreateLeafInput{
		ConversationID:   conv.ID,
		Content:          "greeting exchange",
		SourceMessageIDs: []int64{m1.MessageID, m2.MessageID},
	})
	if err != nil {
		t.Fatalf("create leaf: %v", err)
	}
	if leaf.Kind != lcmstore.SummaryLeaf || leaf.Depth != 0 {
		t.Fatalf("expected leaf at depth 0, got kind=%s depth=%d", leaf.Kind, leaf.Depth)
	}
	if leaf.SourceMessageTokenCount != m1.TokenCount+m2.TokenCount {
		t.Fatalf("expected source_message_token_count %d, got %d", m1.TokenCount+m2.TokenCount, leaf.SourceMessageTokenCount)
	}
}

func TestSummary_CreateCondensedComputesDepthAndDescendants(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv, err := store.GetOrCreateConversation(ctx, "sess-1")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	var leafIDs []string
	for i := 0; i < 2; i++ {
		m, _ := store.AppendMessage(ctx, conv.ID, "user", "message")
		leaf, err := store.CreateLeaf(ctx, lcmstore.CreateLeafInput{
			ConversationID:   conv.ID,
			Content:          "leaf content",
			SourceMessageIDs: []int64{m.MessageID},
		})
		if err != nil {
			t.Fatalf("create leaf %d: %v", i, err)
		}
		leafIDs = append(leafIDs, leaf.SummaryID)
	}

	condensed, err := store.CreateCondensed(ctx, lcmstore.CreateCondensedInput{
		ConversationID:   conv.ID,
		Content:          "condensed content",
		ParentSummaryIDs: leafIDs,
	})
	if err != nil {
		t.Fatalf("create condensed: %v", err)
	}
	if condensed.Depth != 1 {
		t.Fatalf("expected depth 1, got %d", condensed.Depth)
	}
	if condensed.DescendantCount != 2 {
		t.Fatalf("expected descendant_count 2, got %d", condensed.DescendantCount)
	}
}

func TestSummary_CreateCondensedRejectsCrossConversationParent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv1, _ := store.GetOrCreateConversation(ctx, "sess-1")
	conv2, _ := store.GetOrCreateConversation(ctx, "sess-2")

	m1, _ := store.AppendMessage(ctx, conv1.ID, "user", "a")
	leaf1, err := store.CreateLeaf(ctx, lcmstore.CreateLeafInput{ConversationID: conv1.ID, Content: "c1", SourceMessageIDs: []int64{m1.MessageID}})
	if err != nil {
		t.Fatalf("create leaf1: %v", err)
	}

	_, err = store.CreateCondensed(ctx, lcmstore.CreateCondensedInput{
		ConversationID:   conv2.ID,
		Content:          "bad condense",
		ParentSummaryIDs: []string{leaf1.SummaryID},
	})
	if err == nil {
		t.Fatalf("expected cross-conversation rejection")
	}
}

func TestContextItems_ReplaceRangeRenumbersDensely(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv, _ := store.GetOrCreateConversation(ctx, "sess-1")

	var messageIDs []int64
	for i := 0; i < 4; i++ {
		m, err := store.AppendMessage(ctx, conv.ID, "user", "msg")
		if err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
		if _, err := store.AppendMessageItem(ctx, conv.ID, m.MessageID); err != nil {
			t.Fatalf("append item %d: %v", i, err)
		}
		messageIDs = append(messageIDs, m.MessageID)
	}

	leaf, err := store.CreateLeaf(ctx, lcmstore.CreateLeafInput{
		ConversationID:   conv.ID,
		Content:          "summary of first two",
		SourceMessageIDs: messageIDs[:2],
	})
	if err != nil {
		t.Fatalf("create leaf: %v", err)
	}

	if err := store.ReplaceRange(ctx, conv.ID, 1, 2, leaf.SummaryID); err != nil {
		t.Fatalf("replace range: %v", err)
	}

	items, err := store.List(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items after replace, got %d", len(items))
	}
	if items[0].ItemType != lcmstore.ItemSummary || items[0].Ordinal != 1 {
		t.Fatalf("expected summary item at ordinal 1, got %+v", items[0])
	}
	for i, it := range items {
		if it.Ordinal != int64(i+1) {
			t.Fatalf("expected dense ordinals, got %d at index %d", it.Ordinal, i)
		}
	}
}

func TestBootstrap_RefusesWhenNoAnchorButStoreHasMessages(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv, _ := store.GetOrCreateConversation(ctx, "sess-1")
	if _, err := store.AppendMessage(ctx, conv.ID, "user", "existing"); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.jsonl")
	writeFile(t, path, `{"seq":1,"role":"user","content":"totally different history"}`+"\n")

	_, err := store.Bootstrap(ctx, "sess-1", path)
	if err == nil {
		t.Fatalf("expected reconciliation refusal")
	}
	var recErr *lcmstore.ReconciliationError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected ReconciliationError, got %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
