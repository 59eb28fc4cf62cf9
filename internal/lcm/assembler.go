package lcm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/martian-engineering/lcm/internal/bus"
	"github.com/martian-engineering/lcm/internal/lcmstore"
	"github.com/martian-engineering/lcm/internal/lcmtoken"
)

// ContentBlock is one structured block of a reconstructed message, mirroring
// a message_parts row narrowed back into model-visible shape.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolID    string          `json:"tool_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
}

// AssembledTurn is one entry of the model-visible message array.
type AssembledTurn struct {
	Role   string
	Blocks []ContentBlock
}

// AssembleResult is the output of Assemble: the turn sequence plus whether
// the budget constraint had to be deviated from (fresh tail alone exceeded
// the budget).
type AssembleResult struct {
	Turns       []AssembledTurn
	TotalTokens int
	Deviated    bool
}

// Assembler is C7: it rebuilds the model-visible message sequence from the
// context item stream under a token budget, protecting the fresh tail and
// repairing tool-call/tool-result pairing.
type Assembler struct {
	store          *lcmstore.Store
	freshTailCount int
	bus            *bus.Bus
}

// NewAssembler constructs an Assembler bound to a store and a fresh-tail
// size (number of trailing message items always included in full).
func NewAssembler(store *lcmstore.Store, freshTailCount int) *Assembler {
	return &Assembler{store: store, freshTailCount: freshTailCount}
}

// SetBus attaches an event bus for publishing budget-deviation
// notifications. Nil is valid and disables publishing.
func (a *Assembler) SetBus(b *bus.Bus) {
	a.bus = b
}

type builtItem struct {
	ordinal int64
	turn    AssembledTurn
	tokens  int
	isMsg   bool
}

// Assemble materializes the model-visible message array for a conversation
// under budgetTokens.
func (a *Assembler) Assemble(ctx context.Context, conversationID int64, budgetTokens int) (AssembleResult, error) {
	items, err := a.store.List(ctx, conversationID)
	if err != nil {
		return AssembleResult{}, fmt.Errorf("lcm: assemble list items: %w", err)
	}

	built := make([]builtItem, 0, len(items))
	for _, item := range items {
		switch item.ItemType {
		case lcmstore.ItemSummary:
			turn, tokens, err := a.buildSummaryTurn(ctx, item)
			if err != nil {
				return AssembleResult{}, err
			}
			built = append(built, builtItem{ordinal: item.Ordinal, turn: turn, tokens: tokens, isMsg: false})
		case lcmstore.ItemMessage:
			turn, tokens, err := a.buildMessageTurn(ctx, item)
			if err != nil {
				return AssembleResult{}, err
			}
			built = append(built, builtItem{ordinal: item.Ordinal, turn: turn, tokens: tokens, isMsg: true})
		}
	}

	freshStart := len(built)
	msgCount := 0
	for i := len(built) - 1; i >= 0; i-- {
		if built[i].isMsg {
			msgCount++
			freshStart = i
			if msgCount >= a.freshTailCount {
				break
			}
		}
	}
	if a.freshTailCount <= 0 {
		freshStart = len(built)
	}

	freshTail := built[freshStart:]
	prefix := built[:freshStart]

	freshTokens := 0
	for _, it := range freshTail {
		freshTokens += it.tokens
	}

	remaining := budgetTokens - freshTokens
	deviated := false
	var keptPrefix []builtItem
	if remaining < 0 {
		deviated = true
		if a.bus != nil {
			a.bus.Publish(bus.TopicAssembleBudgetDeviated, bus.AssembleDeviationEvent{
				ConversationID:  conversationID,
				BudgetTokens:    budgetTokens,
				FreshTailTokens: freshTokens,
			})
		}
	} else {
		used := 0
		for i := len(prefix) - 1; i >= 0; i-- {
			it := prefix[i]
			if used+it.tokens > remaining {
				continue
			}
			used += it.tokens
			keptPrefix = append(keptPrefix, it)
		}
		sort.Slice(keptPrefix, func(i, j int) bool { return keptPrefix[i].ordinal < keptPrefix[j].ordinal })
	}

	out := make([]builtItem, 0, len(keptPrefix)+len(freshTail))
	out = append(out, keptPrefix...)
	out = append(out, freshTail...)

	turns := make([]AssembledTurn, 0, len(out))
	total := 0
	for _, it := range out {
		turns = append(turns, it.turn)
		total += it.tokens
	}

	turns = repairToolPairing(turns)

	return AssembleResult{Turns: turns, TotalTokens: total, Deviated: deviated}, nil
}

func (a *Assembler) buildSummaryTurn(ctx context.Context, item lcmstore.ContextItem) (AssembledTurn, int, error) {
	summary, err := a.store.GetSummary(ctx, item.SummaryID.String)
	if err != nil {
		return AssembledTurn{}, 0, fmt.Errorf("lcm: assemble summary item: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<summary id=%s kind=%s depth=%d descendant_count=%d earliest_at=%s latest_at=%s>\n",
		summary.SummaryID, summary.Kind, summary.Depth, summary.DescendantCount,
		summary.EarliestAt.Format("2006-01-02T15:04:05Z"), summary.LatestAt.Format("2006-01-02T15:04:05Z"))
	if summary.Kind == lcmstore.SummaryCondensed {
		parents, err := a.store.Parents(ctx, summary.SummaryID)
		if err != nil {
			return AssembledTurn{}, 0, fmt.Errorf("lcm: assemble summary parents: %w", err)
		}
		b.WriteString("  <parents>")
		for i, p := range parents {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(p.SummaryID)
		}
		b.WriteString("</parents>\n")
	}
	fmt.Fprintf(&b, "  <content>%s</content>\n</summary>", summary.Content)

	text := b.String()
	turn := AssembledTurn{Role: "user", Blocks: []ContentBlock{{Type: "text", Text: text}}}
	return turn, lcmtoken.Estimate(text), nil
}

func (a *Assembler) buildMessageTurn(ctx context.Context, item lcmstore.ContextItem) (AssembledTurn, int, error) {
	msg, err := a.store.GetMessage(ctx, item.MessageID.Int64)
	if err != nil {
		return AssembledTurn{}, 0, fmt.Errorf("lcm: assemble message item: %w", err)
	}
	parts, err := a.store.ListParts(ctx, msg.MessageID)
	if err != nil {
		return AssembledTurn{}, 0, fmt.Errorf("lcm: assemble message parts: %w", err)
	}

	tokens := msg.TokenCount
	if len(parts) == 0 {
		return AssembledTurn{Role: msg.Role, Blocks: []ContentBlock{{Type: "text", Text: msg.Content}}}, tokens, nil
	}

	blocks := make([]ContentBlock, 0, len(parts))
	for _, p := range parts {
		if p.IsIgnored {
			continue
		}
		block := ContentBlock{Type: string(p.PartType), Text: p.TextContent, Payload: p.Payload}
		if p.PartType == lcmstore.PartToolCall || p.PartType == lcmstore.PartToolResult {
			block.ToolID = extractToolID(p.Payload)
		}
		blocks = append(blocks, block)
	}
	return AssembledTurn{Role: msg.Role, Blocks: blocks}, tokens, nil
}

func extractToolID(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return ""
	}
	return v.ID
}

// toolResultEntry is a kept tool-result block together with the role of
// the turn it originally belonged to.
type toolResultEntry struct {
	role  string
	block ContentBlock
}

// repairToolPairing enforces the tool-call/tool-result invariants required
// by downstream model APIs: every assistant tool-call block must be
// immediately followed by its matching tool-result turn, so a kept result
// is spliced to follow its call regardless of where it originally sat in
// the stream; missing results are synthesized in that same position,
// duplicates drop with first-wins, and orphans are removed.
func repairToolPairing(turns []AssembledTurn) []AssembledTurn {
	pendingCalls := make(map[string]bool)
	seenResult := make(map[string]bool)
	keptResults := make(map[string]toolResultEntry)
	callOrder := make([][]string, len(turns))
	remainders := make([][]ContentBlock, len(turns))

	for i, turn := range turns {
		if turn.Role == "assistant" {
			var ids []string
			for _, b := range turn.Blocks {
				if b.StopReason == "error" || b.StopReason == "aborted" {
					continue
				}
				if b.Type == string(lcmstore.PartToolCall) && b.ToolID != "" {
					pendingCalls[b.ToolID] = true
					ids = append(ids, b.ToolID)
				}
			}
			callOrder[i] = ids
			continue
		}
		if turn.Role == "tool" || isToolResultTurn(turn) {
			var keep []ContentBlock
			for _, b := range turn.Blocks {
				if b.Type != string(lcmstore.PartToolResult) {
					keep = append(keep, b)
					continue
				}
				if b.ToolID == "" || !pendingCalls[b.ToolID] {
					continue // orphan
				}
				if seenResult[b.ToolID] {
					continue // duplicate, first-wins
				}
				seenResult[b.ToolID] = true
				keptResults[b.ToolID] = toolResultEntry{role: turn.Role, block: b}
			}
			remainders[i] = keep
		}
	}

	out := make([]AssembledTurn, 0, len(turns))
	emitted := make(map[string]bool)
	for i, turn := range turns {
		switch {
		case turn.Role == "assistant":
			out = append(out, turn)
			for _, id := range callOrder[i] {
				if emitted[id] {
					continue
				}
				emitted[id] = true
				if entry, ok := keptResults[id]; ok {
					out = append(out, AssembledTurn{Role: entry.role, Blocks: []ContentBlock{entry.block}})
					continue
				}
				out = append(out, AssembledTurn{
					Role: "tool",
					Blocks: []ContentBlock{{
						Type:    string(lcmstore.PartToolResult),
						ToolID:  id,
						IsError: true,
						Text:    "tool result missing: synthesized error result during context assembly",
					}},
				})
			}
		case turn.Role == "tool" || isToolResultTurn(turn):
			if len(remainders[i]) > 0 {
				out = append(out, AssembledTurn{Role: turn.Role, Blocks: remainders[i]})
			}
		default:
			out = append(out, turn)
		}
	}
	return out
}

func isToolResultTurn(turn AssembledTurn) bool {
	for _, b := range turn.Blocks {
		if b.Type == string(lcmstore.PartToolResult) {
			return true
		}
	}
	return false
}
