package lcm_test

import (
	"encoding/json"
	"testing"

	"github.com/martian-engineering/lcm/internal/lcm"
	"github.com/martian-engineering/lcm/internal/lcmstore"
)

func TestAssembler_FreshTailAlwaysIncluded(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	conv := mustConversation(t, store, "sess-assemble-1")

	for i := 0; i < 5; i++ {
		mustAppendMessage(t, store, conv.ID, "user", "hello number")
	}

	asm := lcm.NewAssembler(store, 2)
	result, err := asm.Assemble(ctx, conv.ID, 1)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if !result.Deviated {
		t.Fatalf("expected Deviated=true when budget below fresh tail size, got false")
	}
	if len(result.Turns) != 2 {
		t.Fatalf("expected exactly the 2-message fresh tail, got %d turns", len(result.Turns))
	}
}

func TestAssembler_FillsPrefixNewestFirstWithinBudget(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	conv := mustConversation(t, store, "sess-assemble-2")

	for i := 0; i < 10; i++ {
		mustAppendMessage(t, store, conv.ID, "user", "short")
	}

	asm := lcm.NewAssembler(store, 1)
	result, err := asm.Assemble(ctx, conv.ID, 1_000_000)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if result.Deviated {
		t.Fatalf("did not expect deviation with a generous budget")
	}
	if len(result.Turns) != 10 {
		t.Fatalf("expected all 10 messages within a generous budget, got %d", len(result.Turns))
	}
}

func TestAssembler_SynthesizesMissingToolResult(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	conv := mustConversation(t, store, "sess-assemble-3")

	assistantMsg := mustAppendMessage(t, store, conv.ID, "assistant", "calling a tool")
	payload, _ := json.Marshal(map[string]string{"id": "call-1"})
	if err := store.AppendParts(ctx, []lcmstore.MessagePart{
		{MessageID: assistantMsg.MessageID, Ordinal: 0, PartType: lcmstore.PartToolCall, Payload: payload},
	}); err != nil {
		t.Fatalf("append parts: %v", err)
	}
	if _, err := store.AppendMessageItem(ctx, conv.ID, assistantMsg.MessageID); err != nil {
		t.Fatalf("append message item: %v", err)
	}

	asm := lcm.NewAssembler(store, 10)
	result, err := asm.Assemble(ctx, conv.ID, 1_000_000)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	var foundSynthesized bool
	for _, turn := range result.Turns {
		if turn.Role != "tool" {
			continue
		}
		for _, b := range turn.Blocks {
			if b.ToolID == "call-1" && b.IsError {
				foundSynthesized = true
			}
		}
	}
	if !foundSynthesized {
		t.Fatalf("expected a synthesized error tool-result for the unanswered call, turns=%+v", result.Turns)
	}
}

// TestAssembler_ReordersToolResultAheadOfInterveningTurn mirrors the
// worked tool-pairing-repair example: a tool-call followed by an unrelated
// assistant turn, then its matching result, a duplicate, and an orphan.
// The matching result must be spliced immediately after its call, ahead of
// the intervening assistant turn; the duplicate and orphan are dropped.
func TestAssembler_ReordersToolResultAheadOfInterveningTurn(t *testing.T) {
	ctx := newCtx()
	store := openTestStore(t)
	conv := mustConversation(t, store, "sess-assemble-4")

	callMsg, err := store.AppendMessage(ctx, conv.ID, "assistant", "calling a tool")
	if err != nil {
		t.Fatalf("append call message: %v", err)
	}
	callPayload, _ := json.Marshal(map[string]string{"id": "A"})
	if err := store.AppendParts(ctx, []lcmstore.MessagePart{
		{MessageID: callMsg.MessageID, Ordinal: 0, PartType: lcmstore.PartToolCall, Payload: callPayload},
	}); err != nil {
		t.Fatalf("append call parts: %v", err)
	}
	if _, err := store.AppendMessageItem(ctx, conv.ID, callMsg.MessageID); err != nil {
		t.Fatalf("append call item: %v", err)
	}

	textMsg, err := store.AppendMessage(ctx, conv.ID, "assistant", "unrelated aside")
	if err != nil {
		t.Fatalf("append text message: %v", err)
	}
	if _, err := store.AppendMessageItem(ctx, conv.ID, textMsg.MessageID); err != nil {
		t.Fatalf("append text item: %v", err)
	}

	resultPayloadA, _ := json.Marshal(map[string]string{"id": "A"})
	resultMsgA, err := store.AppendMessage(ctx, conv.ID, "tool", "result A")
	if err != nil {
		t.Fatalf("append result A message: %v", err)
	}
	if err := store.AppendParts(ctx, []lcmstore.MessagePart{
		{MessageID: resultMsgA.MessageID, Ordinal: 0, PartType: lcmstore.PartToolResult, Payload: resultPayloadA},
	}); err != nil {
		t.Fatalf("append result A parts: %v", err)
	}
	if _, err := store.AppendMessageItem(ctx, conv.ID, resultMsgA.MessageID); err != nil {
		t.Fatalf("append result A item: %v", err)
	}

	resultPayloadB, _ := json.Marshal(map[string]string{"id": "B"})
	resultMsgB, err := store.AppendMessage(ctx, conv.ID, "tool", "result B")
	if err != nil {
		t.Fatalf("append result B message: %v", err)
	}
	if err := store.AppendParts(ctx, []lcmstore.MessagePart{
		{MessageID: resultMsgB.MessageID, Ordinal: 0, PartType: lcmstore.PartToolResult, Payload: resultPayloadB},
	}); err != nil {
		t.Fatalf("append result B parts: %v", err)
	}
	if _, err := store.AppendMessageItem(ctx, conv.ID, resultMsgB.MessageID); err != nil {
		t.Fatalf("append result B item: %v", err)
	}

	dupMsgA, err := store.AppendMessage(ctx, conv.ID, "tool", "result A again")
	if err != nil {
		t.Fatalf("append duplicate A message: %v", err)
	}
	if err := store.AppendParts(ctx, []lcmstore.MessagePart{
		{MessageID: dupMsgA.MessageID, Ordinal: 0, PartType: lcmstore.PartToolResult, Payload: resultPayloadA},
	}); err != nil {
		t.Fatalf("append duplicate A parts: %v", err)
	}
	if _, err := store.AppendMessageItem(ctx, conv.ID, dupMsgA.MessageID); err != nil {
		t.Fatalf("append duplicate A item: %v", err)
	}

	asm := lcm.NewAssembler(store, 5)
	result, err := asm.Assemble(ctx, conv.ID, 1_000_000)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	if len(result.Turns) != 3 {
		t.Fatalf("expected 3 turns (call, reordered result, intervening text), got %d: %+v", len(result.Turns), result.Turns)
	}
	if result.Turns[0].Role != "assistant" || len(result.Turns[0].Blocks) != 1 || result.Turns[0].Blocks[0].Type != string(lcmstore.PartToolCall) {
		t.Fatalf("expected turn 0 to be the tool-call turn, got %+v", result.Turns[0])
	}
	if result.Turns[1].Role != "tool" || len(result.Turns[1].Blocks) != 1 ||
		result.Turns[1].Blocks[0].Type != string(lcmstore.PartToolResult) || result.Turns[1].Blocks[0].ToolID != "A" {
		t.Fatalf("expected turn 1 to be the matching result for A spliced ahead of the intervening turn, got %+v", result.Turns[1])
	}
	if result.Turns[2].Role != "assistant" || len(result.Turns[2].Blocks) != 1 || result.Turns[2].Blocks[0].Type != "text" {
		t.Fatalf("expected turn 2 to be the intervening unrelated assistant turn, got %+v", result.Turns[2])
	}
}
