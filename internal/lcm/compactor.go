package lcm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/martian-engineering/lcm/internal/bus"
	"github.com/martian-engineering/lcm/internal/lcmstore"
	"github.com/martian-engineering/lcm/internal/lcmtoken"
)

const fallbackMarker = "[LCM fallback summary; truncated for context management]"

// PassResult reports whether a single leaf or condensation pass did work.
type PassResult struct {
	DidWork bool
}

// Compactor is C6: the compaction engine. It owns the leaf-pass and
// condensation-pass procedures and their escalation ladder, driven by an
// external Summarizer collaborator supplied by the host.
type Compactor struct {
	store      *lcmstore.Store
	summarizer Summarizer
	cfg        Config
	bus        *bus.Bus
}

// NewCompactor constructs a Compactor bound to a store, a summarize
// collaborator, and a configuration snapshot.
func NewCompactor(store *lcmstore.Store, summarizer Summarizer, cfg Config) *Compactor {
	return &Compactor{store: store, summarizer: summarizer, cfg: cfg}
}

// SetBus attaches an event bus for publishing pass lifecycle notifications.
// Nil is valid and disables publishing.
func (c *Compactor) SetBus(b *bus.Bus) {
	c.bus = b
}

func (c *Compactor) publishPass(topic string, conversationID int64, passKind, summaryID string, depth, inputTokens, outputTokens int) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(topic, bus.CompactionPassEvent{
		ConversationID: conversationID,
		PassKind:       passKind,
		SummaryID:      summaryID,
		Depth:          depth,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
	})
}

// AfterTurn is the incremental trigger: if raw tokens outside the fresh
// tail reach leaf_chunk_tokens, it runs exactly one leaf pass followed by
// up to incremental_max_depth condensation passes.
func (c *Compactor) AfterTurn(ctx context.Context, conversationID int64) error {
	outside, err := c.evictablePrefixMessageTokens(ctx, conversationID)
	if err != nil {
		return err
	}
	if outside < c.cfg.LeafChunkTokens {
		return nil
	}

	res, err := c.LeafPass(ctx, conversationID, false)
	if err != nil {
		return err
	}
	if !res.DidWork {
		return nil
	}

	for d := 0; d < c.cfg.IncrementalMaxDepth; d++ {
		res, err := c.CondensationPass(ctx, conversationID, d, false)
		if err != nil {
			return err
		}
		if !res.DidWork {
			break
		}
	}
	return nil
}

// FullSweep runs leaf passes until none are eligible, then condensation
// passes depth-by-depth until none are eligible.
func (c *Compactor) FullSweep(ctx context.Context, conversationID int64, underPressure bool) error {
	for {
		res, err := c.LeafPass(ctx, conversationID, underPressure)
		if err != nil {
			return err
		}
		if !res.DidWork {
			break
		}
	}

	for d := 0; ; d++ {
		progressed := false
		for {
			res, err := c.CondensationPass(ctx, conversationID, d, underPressure)
			if err != nil {
				return err
			}
			if !res.DidWork {
				break
			}
			progressed = true
		}
		if !progressed && d > 0 {
			break
		}
		if !progressed {
			break
		}
	}
	return nil
}

// BudgetTargeted repeats FullSweep up to maxRounds or until total context
// tokens fall to or below targetTokens.
func (c *Compactor) BudgetTargeted(ctx context.Context, conversationID int64, targetTokens, maxRounds int) error {
	if maxRounds < 1 {
		maxRounds = 1
	}
	for round := 0; round < maxRounds; round++ {
		total, err := c.totalContextTokens(ctx, conversationID)
		if err != nil {
			return err
		}
		if total <= targetTokens {
			return nil
		}
		if err := c.FullSweep(ctx, conversationID, true); err != nil {
			return err
		}
	}
	return nil
}

type messageRun struct {
	items  []lcmstore.ContextItem
	msgs   []lcmstore.Message
	tokens int
}

// LeafPass implements the leaf-pass procedure of §4.6: locate the oldest
// eligible contiguous run of raw messages outside the fresh tail, summarize
// it, and replace the run with a leaf summary in one transaction.
func (c *Compactor) LeafPass(ctx context.Context, conversationID int64, underPressure bool) (PassResult, error) {
	run, err := c.findLeafRun(ctx, conversationID)
	if err != nil {
		return PassResult{}, err
	}
	if run == nil || len(run.msgs) == 0 {
		return PassResult{}, nil
	}

	text := concatenateMessages(run.msgs)
	previous, err := c.mostRecentLeafContent(ctx, conversationID)
	if err != nil {
		return PassResult{}, err
	}

	inputTokens := lcmtoken.Estimate(text)
	c.publishPass(bus.TopicCompactionPassStarted, conversationID, "leaf", "", 0, inputTokens, 0)
	summary, truncated, err := c.summarizeWithEscalation(ctx, text, inputTokens, false, SummarizeOptions{
		PreviousSummary: previous,
		IsCondensed:     false,
	})
	if err != nil {
		slog.Warn("lcm leaf pass aborted", "conversation_id", conversationID, "error", err)
		c.publishPass(bus.TopicCompactionPassAborted, conversationID, "leaf", "", 0, inputTokens, 0)
		return PassResult{}, nil
	}

	outTokens := lcmtoken.Estimate(summary)
	if !truncated && outTokens >= inputTokens {
		c.publishPass(bus.TopicCompactionPassAborted, conversationID, "leaf", "", 0, inputTokens, outTokens)
		return PassResult{}, fmt.Errorf("lcm: leaf pass made no progress for conversation %d", conversationID)
	}

	sourceIDs := make([]int64, len(run.msgs))
	for i, m := range run.msgs {
		sourceIDs[i] = m.MessageID
	}

	leaf, err := c.store.CreateLeaf(ctx, lcmstore.CreateLeafInput{
		ConversationID:   conversationID,
		Content:          summary,
		SourceMessageIDs: sourceIDs,
	})
	if err != nil {
		return PassResult{}, fmt.Errorf("lcm: insert leaf summary: %w", err)
	}

	startOrd := run.items[0].Ordinal
	endOrd := run.items[len(run.items)-1].Ordinal
	if err := c.store.ReplaceRange(ctx, conversationID, startOrd, endOrd, leaf.SummaryID); err != nil {
		return PassResult{}, fmt.Errorf("lcm: replace range after leaf pass: %w", err)
	}

	slog.Info("lcm leaf pass committed", "conversation_id", conversationID, "summary_id", leaf.SummaryID, "input_tokens", inputTokens, "output_tokens", outTokens)
	c.publishPass(bus.TopicCompactionPassCommitted, conversationID, "leaf", leaf.SummaryID, leaf.Depth, inputTokens, outTokens)
	return PassResult{DidWork: true}, nil
}

// findLeafRun scans context items in ordinal order, skipping the trailing
// fresh_tail_count message items, and locates the oldest maximal contiguous
// run of message items truncated at leaf_chunk_tokens.
func (c *Compactor) findLeafRun(ctx context.Context, conversationID int64) (*messageRun, error) {
	items, err := c.store.List(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	cutoff := len(items)
	msgSeen := 0
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].ItemType == lcmstore.ItemMessage {
			msgSeen++
			cutoff = i
			if msgSeen >= c.cfg.FreshTailCount {
				break
			}
		}
	}
	if c.cfg.FreshTailCount <= 0 {
		cutoff = len(items)
	}

	evictable := items[:cutoff]

	var run messageRun
	total := 0
	for _, it := range evictable {
		if it.ItemType != lcmstore.ItemMessage {
			if len(run.items) > 0 {
				break
			}
			continue
		}
		msg, err := c.store.GetMessage(ctx, it.MessageID.Int64)
		if err != nil {
			return nil, err
		}
		if total+msg.TokenCount > c.cfg.LeafChunkTokens && len(run.items) > 0 {
			break
		}
		run.items = append(run.items, it)
		run.msgs = append(run.msgs, msg)
		total += msg.TokenCount
		run.tokens = total
	}
	if len(run.items) == 0 {
		return nil, nil
	}
	return &run, nil
}

// CondensationPass implements the condensation-pass procedure for a single
// depth d: locate the oldest eligible contiguous run of depth-d summary
// items and condense it to depth d+1.
func (c *Compactor) CondensationPass(ctx context.Context, conversationID int64, depth int, underPressure bool) (PassResult, error) {
	minFanout := c.cfg.LeafMinFanout
	if depth >= 1 {
		minFanout = c.cfg.CondensedMinFanout
		if underPressure {
			minFanout = c.cfg.CondensedMinFanoutHard
		}
	}

	run, err := c.findSummaryRun(ctx, conversationID, depth, minFanout)
	if err != nil {
		return PassResult{}, err
	}
	if run == nil {
		return PassResult{}, nil
	}

	text := concatenateSummaries(run.summaries)
	previous, err := c.mostRecentContentAtDepth(ctx, conversationID, depth+1)
	if err != nil {
		return PassResult{}, err
	}

	inputTokens := lcmtoken.Estimate(text)
	c.publishPass(bus.TopicCompactionPassStarted, conversationID, "condensed", "", depth+1, inputTokens, 0)
	summary, truncated, err := c.summarizeWithEscalation(ctx, text, inputTokens, false, SummarizeOptions{
		PreviousSummary: previous,
		IsCondensed:     true,
		Depth:           depth + 1,
	})
	if err != nil {
		slog.Warn("lcm condensation pass aborted", "conversation_id", conversationID, "depth", depth, "error", err)
		c.publishPass(bus.TopicCompactionPassAborted, conversationID, "condensed", "", depth+1, inputTokens, 0)
		return PassResult{}, nil
	}

	outTokens := lcmtoken.Estimate(summary)
	if !truncated && outTokens >= inputTokens {
		c.publishPass(bus.TopicCompactionPassAborted, conversationID, "condensed", "", depth+1, inputTokens, outTokens)
		return PassResult{}, fmt.Errorf("lcm: condensation pass made no progress for conversation %d at depth %d", conversationID, depth)
	}

	parentIDs := make([]string, len(run.summaries))
	for i, s := range run.summaries {
		parentIDs[i] = s.SummaryID
	}

	condensed, err := c.store.CreateCondensed(ctx, lcmstore.CreateCondensedInput{
		ConversationID:   conversationID,
		Content:          summary,
		ParentSummaryIDs: parentIDs,
	})
	if err != nil {
		return PassResult{}, fmt.Errorf("lcm: insert condensed summary: %w", err)
	}

	startOrd := run.items[0].Ordinal
	endOrd := run.items[len(run.items)-1].Ordinal
	if err := c.store.ReplaceRange(ctx, conversationID, startOrd, endOrd, condensed.SummaryID); err != nil {
		return PassResult{}, fmt.Errorf("lcm: replace range after condensation pass: %w", err)
	}

	slog.Info("lcm condensation pass committed", "conversation_id", conversationID, "summary_id", condensed.SummaryID, "depth", depth+1, "fanout", len(run.summaries))
	c.publishPass(bus.TopicCompactionPassCommitted, conversationID, "condensed", condensed.SummaryID, depth+1, inputTokens, outTokens)
	return PassResult{DidWork: true}, nil
}

type summaryRun struct {
	items     []lcmstore.ContextItem
	summaries []lcmstore.Summary
}

func (c *Compactor) findSummaryRun(ctx context.Context, conversationID int64, depth, minFanout int) (*summaryRun, error) {
	items, err := c.store.List(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	cutoff := len(items)
	msgSeen := 0
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].ItemType == lcmstore.ItemMessage {
			msgSeen++
			cutoff = i
			if msgSeen >= c.cfg.FreshTailCount {
				break
			}
		}
	}
	if c.cfg.FreshTailCount <= 0 {
		cutoff = len(items)
	}
	evictable := items[:cutoff]

	for start := 0; start < len(evictable); start++ {
		if evictable[start].ItemType != lcmstore.ItemSummary {
			continue
		}
		var run summaryRun
		for j := start; j < len(evictable); j++ {
			it := evictable[j]
			if it.ItemType != lcmstore.ItemSummary {
				break
			}
			s, err := c.store.GetSummary(ctx, it.SummaryID.String)
			if err != nil {
				return nil, err
			}
			if s.Depth != depth {
				break
			}
			run.items = append(run.items, it)
			run.summaries = append(run.summaries, s)
		}
		if len(run.items) >= minFanout {
			return &run, nil
		}
		start += len(run.items)
		if len(run.items) == 0 {
			continue
		}
	}
	return nil, nil
}

// summarizeWithEscalation applies the three-level escalation ladder: a
// normal attempt, an aggressive retry if non-shrinking or empty, and
// finally a deterministic truncation fallback.
func (c *Compactor) summarizeWithEscalation(ctx context.Context, text string, inputTokens int, _ bool, opts SummarizeOptions) (string, bool, error) {
	opts.TargetTokens = targetTokens(inputTokens, opts.IsCondensed, false, c.cfg)
	out, err := c.summarizer.Summarize(ctx, text, false, opts)
	if err != nil {
		return "", false, err
	}
	if out != "" && lcmtoken.Estimate(out) < inputTokens {
		return out, false, nil
	}

	opts.TargetTokens = targetTokens(inputTokens, opts.IsCondensed, true, c.cfg)
	out, err = c.summarizer.Summarize(ctx, text, true, opts)
	if err != nil {
		return "", false, err
	}
	if out != "" && lcmtoken.Estimate(out) < inputTokens {
		return out, false, nil
	}

	return fallbackTruncate(text, opts.TargetTokens), true, nil
}

func fallbackTruncate(text string, targetTokens int) string {
	maxChars := targetTokens * 4
	if maxChars < 256 {
		maxChars = 256
	}
	if len(text) <= maxChars {
		return text + "\n" + fallbackMarker
	}
	return text[:maxChars] + "\n" + fallbackMarker
}

// targetTokens derives the output-size target per the depth-aware sizing
// table: condensed summaries target condensed_target_tokens (min 512),
// normal leaves clamp(0.35*input, 192, 1200), aggressive leaves clamp
// (0.2*input, 96, 640).
func targetTokens(inputTokens int, isCondensed, aggressive bool, cfg Config) int {
	if isCondensed {
		return maxInt(512, cfg.CondensedTargetTokens)
	}
	if aggressive {
		return clampInt(int(math.Floor(float64(inputTokens)*0.2)), 96, 640)
	}
	return clampInt(int(math.Floor(float64(inputTokens)*0.35)), 192, 1200)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func concatenateMessages(msgs []lcmstore.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s %s]\n%s\n\n", m.CreatedAt.Format(time.RFC3339), m.Role, m.Content)
	}
	return b.String()
}

func concatenateSummaries(summaries []lcmstore.Summary) string {
	var b strings.Builder
	for _, s := range summaries {
		fmt.Fprintf(&b, "[%s to %s]\n%s\n\n", s.EarliestAt.Format(time.RFC3339), s.LatestAt.Format(time.RFC3339), s.Content)
	}
	return b.String()
}

func (c *Compactor) mostRecentLeafContent(ctx context.Context, conversationID int64) (string, error) {
	content, _, err := c.store.MostRecentLeaf(ctx, conversationID)
	return content, err
}

func (c *Compactor) mostRecentContentAtDepth(ctx context.Context, conversationID int64, depth int) (string, error) {
	content, _, err := c.store.MostRecentAtDepth(ctx, conversationID, depth)
	return content, err
}

func (c *Compactor) evictablePrefixMessageTokens(ctx context.Context, conversationID int64) (int, error) {
	items, err := c.store.List(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	cutoff := len(items)
	msgSeen := 0
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].ItemType == lcmstore.ItemMessage {
			msgSeen++
			cutoff = i
			if msgSeen >= c.cfg.FreshTailCount {
				break
			}
		}
	}
	if c.cfg.FreshTailCount <= 0 {
		cutoff = len(items)
	}

	total := 0
	for _, it := range items[:cutoff] {
		if it.ItemType != lcmstore.ItemMessage {
			continue
		}
		msg, err := c.store.GetMessage(ctx, it.MessageID.Int64)
		if err != nil {
			return 0, err
		}
		total += msg.TokenCount
	}
	return total, nil
}

func (c *Compactor) totalContextTokens(ctx context.Context, conversationID int64) (int, error) {
	items, err := c.store.List(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, it := range items {
		switch it.ItemType {
		case lcmstore.ItemMessage:
			msg, err := c.store.GetMessage(ctx, it.MessageID.Int64)
			if err != nil {
				return 0, err
			}
			total += msg.TokenCount
		case lcmstore.ItemSummary:
			s, err := c.store.GetSummary(ctx, it.SummaryID.String)
			if err != nil {
				return 0, err
			}
			total += s.TokenCount
		}
	}
	return total, nil
}
