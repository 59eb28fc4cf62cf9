package lcm

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/martian-engineering/lcm/internal/lcmstore"
	"github.com/martian-engineering/lcm/internal/lcmtoken"
)

// GrepMode selects whether Grep evaluates a regex in-process or queries the
// FTS index.
type GrepMode string

const (
	GrepModeRegex    GrepMode = "regex"
	GrepModeFullText GrepMode = "full_text"
)

// GrepScope bounds which tables Grep searches.
type GrepScope string

const (
	GrepScopeMessages  GrepScope = "messages"
	GrepScopeSummaries GrepScope = "summaries"
	GrepScopeBoth      GrepScope = "both"
)

// GrepQuery is the argument to Grep.
type GrepQuery struct {
	Pattern         string
	Mode            GrepMode
	Scope           GrepScope
	ConversationID  int64
	ConversationIDs []int64
	AllConversations bool
	Since           *time.Time
	Before          *time.Time
	Limit           int
}

// GrepHit is one matched row.
type GrepHit struct {
	ID             string
	Kind           string // "message" or "summary"
	Snippet        string
	CreatedAt      time.Time
	ConversationID int64
	Rank           float64
}

// Retrieval is C8: grep, describe, expand over the store's messages and
// summary DAG.
type Retrieval struct {
	store       *lcmstore.Store
	maxExpandTokens int
}

// NewRetrieval constructs a Retrieval bound to a store and the default
// max_expand_tokens budget used when a caller doesn't specify one.
func NewRetrieval(store *lcmstore.Store, maxExpandTokens int) *Retrieval {
	return &Retrieval{store: store, maxExpandTokens: maxExpandTokens}
}

// Grep searches message and/or summary content, in regex or full-text mode,
// scoped by conversation and optional time bounds.
func (r *Retrieval) Grep(ctx context.Context, q GrepQuery) ([]GrepHit, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
	if q.Scope == "" {
		q.Scope = GrepScopeBoth
	}

	var hits []GrepHit
	var err error
	switch q.Mode {
	case GrepModeFullText:
		hits, err = r.grepFullText(ctx, q)
	default:
		hits, err = r.grepRegex(ctx, q)
	}
	if err != nil {
		return nil, err
	}
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func (r *Retrieval) grepRegex(ctx context.Context, q GrepQuery) ([]GrepHit, error) {
	re, err := regexp.Compile(q.Pattern)
	if err != nil {
		return nil, lcmstore.InputErr("INVALID_PATTERN", fmt.Sprintf("invalid regex %q", q.Pattern), err)
	}

	var hits []GrepHit
	if q.Scope == GrepScopeMessages || q.Scope == GrepScopeBoth {
		msgHits, err := r.scanMessages(ctx, q, func(content string) (string, bool) {
			loc := re.FindStringIndex(content)
			if loc == nil {
				return "", false
			}
			return snippetAround(content, loc[0], loc[1]), true
		})
		if err != nil {
			return nil, err
		}
		hits = append(hits, msgHits...)
	}
	if q.Scope == GrepScopeSummaries || q.Scope == GrepScopeBoth {
		sumHits, err := r.scanSummaries(ctx, q, func(content string) (string, bool) {
			loc := re.FindStringIndex(content)
			if loc == nil {
				return "", false
			}
			return snippetAround(content, loc[0], loc[1]), true
		})
		if err != nil {
			return nil, err
		}
		hits = append(hits, sumHits...)
	}
	return hits, nil
}

func (r *Retrieval) grepFullText(ctx context.Context, q GrepQuery) ([]GrepHit, error) {
	var hits []GrepHit
	if q.Scope == GrepScopeMessages || q.Scope == GrepScopeBoth {
		rows, err := r.store.DB().QueryContext(ctx, `
			SELECT m.message_id, m.conversation_id, m.created_at, snippet(messages_fts, 0, '[', ']', '...', 10), rank
			FROM messages_fts
			JOIN messages m ON m.message_id = messages_fts.rowid
			WHERE messages_fts MATCH ?
			ORDER BY rank
			LIMIT ?;
		`, q.Pattern, q.Limit)
		if err != nil {
			return nil, fmt.Errorf("lcm: grep messages fts: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var h GrepHit
			var messageID int64
			if err := rows.Scan(&messageID, &h.ConversationID, &h.CreatedAt, &h.Snippet, &h.Rank); err != nil {
				return nil, err
			}
			if !conversationInScope(q, h.ConversationID) {
				continue
			}
			h.ID = fmt.Sprintf("%d", messageID)
			h.Kind = "message"
			hits = append(hits, h)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	if q.Scope == GrepScopeSummaries || q.Scope == GrepScopeBoth {
		rows, err := r.store.DB().QueryContext(ctx, `
			SELECT s.summary_id, s.conversation_id, s.created_at, snippet(summaries_fts, 0, '[', ']', '...', 10), rank
			FROM summaries_fts
			JOIN summaries s ON s.rowid = summaries_fts.rowid
			WHERE summaries_fts MATCH ?
			ORDER BY rank
			LIMIT ?;
		`, q.Pattern, q.Limit)
		if err != nil {
			return nil, fmt.Errorf("lcm: grep summaries fts: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var h GrepHit
			if err := rows.Scan(&h.ID, &h.ConversationID, &h.CreatedAt, &h.Snippet, &h.Rank); err != nil {
				return nil, err
			}
			if !conversationInScope(q, h.ConversationID) {
				continue
			}
			h.Kind = "summary"
			hits = append(hits, h)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return hits, nil
}

func (r *Retrieval) scanMessages(ctx context.Context, q GrepQuery, match func(string) (string, bool)) ([]GrepHit, error) {
	conversationIDs, err := r.resolveConversations(ctx, q)
	if err != nil {
		return nil, err
	}
	var hits []GrepHit
	for _, cid := range conversationIDs {
		msgs, err := r.store.ListMessages(ctx, cid)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if !timeInBounds(m.CreatedAt, q.Since, q.Before) {
				continue
			}
			snippet, ok := match(m.Content)
			if !ok {
				continue
			}
			hits = append(hits, GrepHit{
				ID:             fmt.Sprintf("%d", m.MessageID),
				Kind:           "message",
				Snippet:        snippet,
				CreatedAt:      m.CreatedAt,
				ConversationID: cid,
			})
		}
	}
	return hits, nil
}

func (r *Retrieval) scanSummaries(ctx context.Context, q GrepQuery, match func(string) (string, bool)) ([]GrepHit, error) {
	conversationIDs, err := r.resolveConversations(ctx, q)
	if err != nil {
		return nil, err
	}
	var hits []GrepHit
	for _, cid := range conversationIDs {
		rows, err := r.store.DB().QueryContext(ctx, `SELECT summary_id FROM summaries WHERE conversation_id = ?;`, cid)
		if err != nil {
			return nil, err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			s, err := r.store.GetSummary(ctx, id)
			if err != nil {
				return nil, err
			}
			if !timeInBounds(s.CreatedAt, q.Since, q.Before) {
				continue
			}
			snippet, ok := match(s.Content)
			if !ok {
				continue
			}
			hits = append(hits, GrepHit{ID: s.SummaryID, Kind: "summary", Snippet: snippet, CreatedAt: s.CreatedAt, ConversationID: cid})
		}
	}
	return hits, nil
}

func (r *Retrieval) resolveConversations(ctx context.Context, q GrepQuery) ([]int64, error) {
	if q.AllConversations {
		rows, err := r.store.DB().QueryContext(ctx, `SELECT id FROM conversations;`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	}
	if len(q.ConversationIDs) > 0 {
		return q.ConversationIDs, nil
	}
	return []int64{q.ConversationID}, nil
}

func conversationInScope(q GrepQuery, id int64) bool {
	if q.AllConversations {
		return true
	}
	if len(q.ConversationIDs) > 0 {
		for _, c := range q.ConversationIDs {
			if c == id {
				return true
			}
		}
		return false
	}
	return q.ConversationID == id
}

func timeInBounds(t time.Time, since, before *time.Time) bool {
	if since != nil && t.Before(*since) {
		return false
	}
	if before != nil && t.After(*before) {
		return false
	}
	return true
}

func snippetAround(content string, start, end int) string {
	const pad = 40
	lo := start - pad
	if lo < 0 {
		lo = 0
	}
	hi := end + pad
	if hi > len(content) {
		hi = len(content)
	}
	return content[lo:hi]
}

// CostEstimate is the token cost of expanding a summary, with and without
// its source messages.
type CostEstimate struct {
	SummariesOnly int
	WithMessages  int
}

// BudgetFit reports whether each cost fits a caller's effective token_cap.
type BudgetFit struct {
	SummariesOnly bool
	WithMessages  bool
}

// SubtreeManifestNode is one row of describe's subtree manifest.
type SubtreeManifestNode struct {
	SummaryID              string
	ParentSummaryID        string
	DepthFromRoot          int
	Depth                  int
	Kind                   lcmstore.SummaryKind
	TokenCount             int
	DescendantCount        int
	DescendantTokenCount   int
	SourceMessageTokenCount int
	ChildCount             int
	Path                   []string
	EarliestAt             time.Time
	LatestAt               time.Time
	Costs                  CostEstimate
	BudgetFit              BudgetFit
}

// DescribeResult is the result of Describe for a summary id.
type DescribeResult struct {
	Summary           *lcmstore.Summary
	ParentIDs         []string
	ChildIDs          []string
	SourceMessageIDs  []int64
	SubtreeManifest   []SubtreeManifestNode
	LargeFile         *lcmstore.LargeFile
}

// Describe returns metadata for a sum_ or file_ id, including (for
// summaries) a subtree manifest with per-node budget_fit evaluated against
// tokenCap.
func (r *Retrieval) Describe(ctx context.Context, id string, tokenCap int) (DescribeResult, error) {
	if len(id) >= 5 && id[:5] == "file_" {
		lf, err := r.store.GetLargeFile(ctx, id)
		if err != nil {
			return DescribeResult{}, err
		}
		return DescribeResult{LargeFile: &lf}, nil
	}

	s, err := r.store.GetSummary(ctx, id)
	if err != nil {
		return DescribeResult{}, err
	}
	parents, err := r.store.Parents(ctx, id)
	if err != nil {
		return DescribeResult{}, err
	}
	children, err := r.store.Children(ctx, id)
	if err != nil {
		return DescribeResult{}, err
	}
	var sourceMsgIDs []int64
	if s.Kind == lcmstore.SummaryLeaf {
		sourceMsgIDs, err = r.store.SourceMessages(ctx, id, 0)
		if err != nil {
			return DescribeResult{}, err
		}
	}

	nodes, err := r.store.Subtree(ctx, id)
	if err != nil {
		return DescribeResult{}, err
	}
	manifest := make([]SubtreeManifestNode, 0, len(nodes))
	for _, n := range nodes {
		childCount := 0
		var parentOfNode string
		if len(n.Path) >= 2 {
			parentOfNode = n.Path[len(n.Path)-2]
		}
		c, err := r.store.Children(ctx, n.Summary.SummaryID)
		if err == nil {
			childCount = len(c)
		}
		summariesOnly := n.Summary.TokenCount
		withMessages := n.Summary.TokenCount + n.Summary.SourceMessageTokenCount + n.Summary.DescendantTokenCount
		manifest = append(manifest, SubtreeManifestNode{
			SummaryID:               n.Summary.SummaryID,
			ParentSummaryID:         parentOfNode,
			DepthFromRoot:           n.DepthFromRoot,
			Depth:                   n.Summary.Depth,
			Kind:                    n.Summary.Kind,
			TokenCount:              n.Summary.TokenCount,
			DescendantCount:         n.Summary.DescendantCount,
			DescendantTokenCount:    n.Summary.DescendantTokenCount,
			SourceMessageTokenCount: n.Summary.SourceMessageTokenCount,
			ChildCount:              childCount,
			Path:                    n.Path,
			EarliestAt:              n.Summary.EarliestAt,
			LatestAt:                n.Summary.LatestAt,
			Costs:                   CostEstimate{SummariesOnly: summariesOnly, WithMessages: withMessages},
			BudgetFit:               BudgetFit{SummariesOnly: summariesOnly <= tokenCap, WithMessages: withMessages <= tokenCap},
		})
	}

	return DescribeResult{
		Summary:          &s,
		ParentIDs:        idsOf(parents),
		ChildIDs:         idsOf(children),
		SourceMessageIDs: sourceMsgIDs,
		SubtreeManifest:  manifest,
	}, nil
}

func idsOf(summaries []lcmstore.Summary) []string {
	out := make([]string, len(summaries))
	for i, s := range summaries {
		out[i] = s.SummaryID
	}
	return out
}

// ExpandOptions bounds an Expand traversal.
type ExpandOptions struct {
	MaxDepth       int
	TokenCap       int
	IncludeMessages bool
}

// ExpandNode is one node of an Expand traversal result.
type ExpandNode struct {
	SummaryID string
	Depth     int
	Content   string
	Messages  []lcmstore.Message
	Children  []ExpandNode
}

// ExpandResult is the output of Expand.
type ExpandResult struct {
	Root            ExpandNode
	EstimatedTokens int
	Truncated       bool
}

// Expand traverses the subtree rooted at summaryID DFS-style, accumulating
// content (and optionally source messages), stopping once cumulative
// estimated tokens would exceed opts.TokenCap.
func (r *Retrieval) Expand(ctx context.Context, summaryID string, opts ExpandOptions) (ExpandResult, error) {
	if _, err := r.store.GetSummary(ctx, summaryID); err != nil {
		return ExpandResult{}, fmt.Errorf("lcm: expand root summary: %w", err)
	}
	if opts.TokenCap <= 0 {
		opts.TokenCap = r.maxExpandTokens
	}

	budget := opts.TokenCap
	truncated := false
	total := 0

	var walk func(id string, depth int) (ExpandNode, bool)
	walk = func(id string, depth int) (ExpandNode, bool) {
		s, err := r.store.GetSummary(ctx, id)
		if err != nil {
			truncated = true
			return ExpandNode{}, false
		}
		cost := lcmtoken.Estimate(s.Content)
		if total+cost > budget {
			truncated = true
			return ExpandNode{}, false
		}
		total += cost
		node := ExpandNode{SummaryID: id, Depth: s.Depth, Content: s.Content}

		if opts.IncludeMessages && s.Kind == lcmstore.SummaryLeaf {
			msgIDs, err := r.store.SourceMessages(ctx, id, 0)
			if err == nil {
				for _, mid := range msgIDs {
					m, err := r.store.GetMessage(ctx, mid)
					if err != nil {
						continue
					}
					if total+m.TokenCount > budget {
						truncated = true
						break
					}
					total += m.TokenCount
					node.Messages = append(node.Messages, m)
				}
			}
		}

		if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
			return node, true
		}
		// Descend toward id's sources (Subtree's direction), not toward
		// summaries built from id.
		sources, err := r.store.Parents(ctx, id)
		if err != nil {
			return node, true
		}
		for _, source := range sources {
			childNode, ok := walk(source.SummaryID, depth+1)
			if !ok {
				break
			}
			node.Children = append(node.Children, childNode)
		}
		return node, true
	}

	root, _ := walk(summaryID, 0)
	return ExpandResult{Root: root, EstimatedTokens: total, Truncated: truncated}, nil
}
