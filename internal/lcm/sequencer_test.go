package lcm_test

import (
	"testing"

	"github.com/martian-engineering/lcm/internal/lcm"
	"github.com/martian-engineering/lcm/internal/lcmstore"
)

func TestSequencer_AppendMessageAndList(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	conv := mustConversation(t, store, "sess-sequencer-1")
	seq := lcm.NewSequencer(store)

	msg, err := store.AppendMessage(ctx, conv.ID, "user", "hello")
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	if _, err := seq.AppendMessage(ctx, conv.ID, msg.MessageID); err != nil {
		t.Fatalf("sequencer append message: %v", err)
	}

	items, err := seq.List(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ItemType != lcmstore.ItemMessage {
		t.Fatalf("expected one message context item, got %+v", items)
	}
}

func TestSequencer_ReplaceRangeCollapsesMessagesIntoSummary(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	conv := mustConversation(t, store, "sess-sequencer-2")
	seq := lcm.NewSequencer(store)

	var ids []int64
	for i := 0; i < 3; i++ {
		msg, err := store.AppendMessage(ctx, conv.ID, "user", "msg")
		if err != nil {
			t.Fatalf("append message: %v", err)
		}
		if _, err := seq.AppendMessage(ctx, conv.ID, msg.MessageID); err != nil {
			t.Fatalf("sequencer append message: %v", err)
		}
		ids = append(ids, msg.MessageID)
	}

	leaf, err := store.CreateLeaf(ctx, lcmstore.CreateLeafInput{
		ConversationID:   conv.ID,
		Content:          "condensed",
		SourceMessageIDs: ids,
	})
	if err != nil {
		t.Fatalf("create leaf: %v", err)
	}

	if err := seq.ReplaceRange(ctx, conv.ID, 1, 3, leaf.SummaryID); err != nil {
		t.Fatalf("replace range: %v", err)
	}

	items, err := seq.List(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ItemType != lcmstore.ItemSummary {
		t.Fatalf("expected the three messages collapsed into one summary item, got %+v", items)
	}
}
