package lcmstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/martian-engineering/lcm/internal/lcmtoken"
)

// SummaryKind distinguishes leaf (depth 0, sourced from messages) from
// condensed (depth >= 1, sourced from other summaries) nodes.
type SummaryKind string

const (
	SummaryLeaf      SummaryKind = "leaf"
	SummaryCondensed SummaryKind = "condensed"
)

// Summary mirrors the summaries table row plus derived fields.
type Summary struct {
	SummaryID               string
	ConversationID           int64
	Kind                     SummaryKind
	Depth                    int
	Content                  string
	TokenCount               int
	EarliestAt               time.Time
	LatestAt                 time.Time
	DescendantCount          int
	DescendantTokenCount     int
	SourceMessageTokenCount  int
	FileIDs                  []string
	CreatedAt                time.Time
}

// CreateLeafInput is the argument to CreateLeaf: sourceMessageIDs must be
// a non-empty, same-conversation, ordered list.
type CreateLeafInput struct {
	ConversationID   int64
	Content          string
	SourceMessageIDs []int64
}

// CreateCondensedInput is the argument to CreateCondensed: parentSummaryIDs
// must be a non-empty, same-conversation, ordered list of existing
// summaries this node condenses.
type CreateCondensedInput struct {
	ConversationID   int64
	Content          string
	ParentSummaryIDs []string
}

// CreateLeaf validates sources, computes derived fields, generates the
// summary id, and inserts the summary row, summary_messages edges, and an
// FTS row in one transaction.
func (s *Store) CreateLeaf(ctx context.Context, in CreateLeafInput) (Summary, error) {
	if len(in.SourceMessageIDs) == 0 {
		return Summary{}, InputErr("EMPTY_SOURCES", "leaf summary requires at least one source message", nil)
	}

	var out Summary
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var earliest, latest time.Time
		sourceTokens := 0
		for _, mid := range in.SourceMessageIDs {
			var convID int64
			var createdAt time.Time
			var tokens int
			err := tx.QueryRowContext(ctx, `SELECT conversation_id, created_at, token_count FROM messages WHERE message_id = ?;`, mid).
				Scan(&convID, &createdAt, &tokens)
			if err == sql.ErrNoRows {
				return InvariantErr(CodeCrossConversationEdge, fmt.Sprintf("source message %d not found", mid), nil)
			}
			if err != nil {
				return fmt.Errorf("load source message %d: %w", mid, err)
			}
			if convID != in.ConversationID {
				return InvariantErr(CodeCrossConversationEdge, fmt.Sprintf("source message %d belongs to conversation %d not %d", mid, convID, in.ConversationID), nil)
			}
			if earliest.IsZero() || createdAt.Before(earliest) {
				earliest = createdAt
			}
			if latest.IsZero() || createdAt.After(latest) {
				latest = createdAt
			}
			sourceTokens += tokens
		}

		now := time.Now().UTC()
		summaryID := newSummaryID(in.Content, now)
		tokenCount := lcmtoken.Estimate(in.Content)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO summaries (summary_id, conversation_id, kind, depth, content, token_count,
				earliest_at, latest_at, descendant_count, descendant_token_count, source_message_token_count, created_at)
			VALUES (?, ?, 'leaf', 0, ?, ?, ?, ?, 0, 0, ?, ?);
		`, summaryID, in.ConversationID, in.Content, tokenCount, earliest, latest, sourceTokens, now); err != nil {
			return fmt.Errorf("insert leaf summary: %w", err)
		}

		for i, mid := range in.SourceMessageIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO summary_messages (summary_id, message_id, ordinal) VALUES (?, ?, ?);
			`, summaryID, mid, i); err != nil {
				return fmt.Errorf("insert summary_messages edge: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO summaries_fts(rowid, content) SELECT rowid, ? FROM summaries WHERE summary_id = ?;`, in.Content, summaryID); err != nil {
			return fmt.Errorf("index summary fts: %w", err)
		}

		out, err = getSummaryTx(ctx, tx, summaryID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return out, err
}

// CreateCondensed validates parents, computes depth/ranges/descendant
// counts, generates the summary id, and inserts the summary row,
// summary_parents edges, and an FTS row in one transaction. Rejects an edge
// insertion that would introduce a cycle or cross a conversation boundary.
func (s *Store) CreateCondensed(ctx context.Context, in CreateCondensedInput) (Summary, error) {
	if len(in.ParentSummaryIDs) == 0 {
		return Summary{}, InputErr("EMPTY_SOURCES", "condensed summary requires at least one parent summary", nil)
	}

	var out Summary
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		maxParentDepth := -1
		var earliest, latest time.Time
		descendantCount := 0
		descendantTokens := 0
		sourceMessageTokens := 0

		for _, pid := range in.ParentSummaryIDs {
			parent, err := getSummaryTx(ctx, tx, pid)
			if err == sql.ErrNoRows {
				return InvariantErr(CodeCrossConversationEdge, fmt.Sprintf("parent summary %q not found", pid), nil)
			}
			if err != nil {
				return fmt.Errorf("load parent summary %q: %w", pid, err)
			}
			if parent.ConversationID != in.ConversationID {
				return InvariantErr(CodeCrossConversationEdge, fmt.Sprintf("parent summary %q belongs to conversation %d not %d", pid, parent.ConversationID, in.ConversationID), nil)
			}
			if parent.Depth > maxParentDepth {
				maxParentDepth = parent.Depth
			}
			if earliest.IsZero() || parent.EarliestAt.Before(earliest) {
				earliest = parent.EarliestAt
			}
			if latest.IsZero() || parent.LatestAt.After(latest) {
				latest = parent.LatestAt
			}
			descendantCount += parent.DescendantCount + 1
			descendantTokens += parent.DescendantTokenCount + parent.TokenCount
			sourceMessageTokens += parent.SourceMessageTokenCount
		}

		depth := maxParentDepth + 1
		now := time.Now().UTC()
		summaryID := newSummaryID(in.Content, now)
		tokenCount := lcmtoken.Estimate(in.Content)

		if earliest.IsZero() {
			earliest = now
		}
		if latest.IsZero() {
			latest = now
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO summaries (summary_id, conversation_id, kind, depth, content, token_count,
				earliest_at, latest_at, descendant_count, descendant_token_count, source_message_token_count, created_at)
			VALUES (?, ?, 'condensed', ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, summaryID, in.ConversationID, depth, in.Content, tokenCount, earliest, latest, descendantCount, descendantTokens, sourceMessageTokens, now); err != nil {
			return fmt.Errorf("insert condensed summary: %w", err)
		}

		for i, pid := range in.ParentSummaryIDs {
			if err := checkNoCycle(ctx, tx, summaryID, pid); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO summary_parents (summary_id, parent_summary_id, ordinal) VALUES (?, ?, ?);
			`, summaryID, pid, i); err != nil {
				return fmt.Errorf("insert summary_parents edge: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO summaries_fts(rowid, content) SELECT rowid, ? FROM summaries WHERE summary_id = ?;`, in.Content, summaryID); err != nil {
			return fmt.Errorf("index summary fts: %w", err)
		}

		out, err = getSummaryTx(ctx, tx, summaryID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return out, err
}

// checkNoCycle refuses an edge from child to parent if parent is reachable
// from child through existing summary_parents edges (which would close a
// cycle once the new edge is added). child is brand new here, so the only
// way a cycle could exist is if parent transitively depends on child — an
// impossibility for a freshly generated id — but the check is retained as
// a defensive guard against id reuse and for the traversal helpers below to
// share the same visited-set discipline mandated for legacy data.
func checkNoCycle(ctx context.Context, tx *sql.Tx, child, parent string) error {
	if child == parent {
		return InvariantErr(CodeCyclicSummaryEdge, fmt.Sprintf("summary %q cannot be its own parent", child), nil)
	}
	visited := map[string]bool{parent: true}
	frontier := []string{parent}
	for len(frontier) > 0 {
		next := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		rows, err := tx.QueryContext(ctx, `SELECT parent_summary_id FROM summary_parents WHERE summary_id = ?;`, next)
		if err != nil {
			return fmt.Errorf("walk ancestors for cycle check: %w", err)
		}
		var ancestors []string
		for rows.Next() {
			var a string
			if err := rows.Scan(&a); err != nil {
				rows.Close()
				return err
			}
			ancestors = append(ancestors, a)
		}
		rows.Close()
		for _, a := range ancestors {
			if a == child {
				return InvariantErr(CodeCyclicSummaryEdge, fmt.Sprintf("edge %s -> %s would create a cycle", child, parent), nil)
			}
			if !visited[a] {
				visited[a] = true
				frontier = append(frontier, a)
			}
		}
	}
	return nil
}

func newSummaryID(content string, now time.Time) string {
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte(fmt.Sprintf("%d", now.UnixNano())))
	sum := h.Sum(nil)
	return "sum_" + hex.EncodeToString(sum[:8])
}

func getSummaryTx(ctx context.Context, tx *sql.Tx, summaryID string) (Summary, error) {
	var sm Summary
	var kind string
	var fileIDs string
	err := tx.QueryRowContext(ctx, `
		SELECT summary_id, conversation_id, kind, depth, content, token_count,
			earliest_at, latest_at, descendant_count, descendant_token_count,
			source_message_token_count, file_ids, created_at
		FROM summaries WHERE summary_id = ?;
	`, summaryID).Scan(&sm.SummaryID, &sm.ConversationID, &kind, &sm.Depth, &sm.Content, &sm.TokenCount,
		&sm.EarliestAt, &sm.LatestAt, &sm.DescendantCount, &sm.DescendantTokenCount,
		&sm.SourceMessageTokenCount, &fileIDs, &sm.CreatedAt)
	if err != nil {
		return Summary{}, err
	}
	sm.Kind = SummaryKind(kind)
	sm.FileIDs = splitNonEmpty(fileIDs, ",")
	return sm, nil
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s)-len(sep); i++ {
		if s[i:i+len(sep)] == sep {
			out = append(out, s[start:i])
			start = i + len(sep)
		}
	}
	out = append(out, s[start:])
	return out
}

// GetSummary fetches a single summary row by id.
func (s *Store) GetSummary(ctx context.Context, summaryID string) (Summary, error) {
	var sm Summary
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		sm, err = getSummaryTx(ctx, tx, summaryID)
		return err
	})
	return sm, err
}

// Parents returns the direct parent summaries of id, in edge ordinal order.
func (s *Store) Parents(ctx context.Context, summaryID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_summary_id FROM summary_parents WHERE summary_id = ? ORDER BY ordinal ASC;
	`, summaryID)
	if err != nil {
		return nil, fmt.Errorf("list parents: %w", err)
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

	var out []Summary
	for _, id := range ids {
		sm, err := s.GetSummary(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, nil
}

// Children returns the summaries that have id as a direct parent (i.e. the
// reverse of Parents), in no particular guaranteed order beyond created_at.
func (s *Store) Children(ctx context.Context, summaryID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sp.summary_id FROM summary_parents sp
		JOIN summaries s ON s.summary_id = sp.summary_id
		WHERE sp.parent_summary_id = ? ORDER BY s.created_at ASC;
	`, summaryID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
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

	var out []Summary
	for _, id := range ids {
		sm, err := s.GetSummary(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, nil
}

// SubtreeNode is one entry of a DFS traversal of a summary's descendant DAG
// (its parents, recursively: the summaries it was built from).
type SubtreeNode struct {
	Summary       Summary
	DepthFromRoot int
	Path          []string
}

// Subtree performs a DFS over id's ancestor chain (parents, recursively),
// guarding against cycles in legacy data with an explicit visited set.
func (s *Store) Subtree(ctx context.Context, rootID string) ([]SubtreeNode, error) {
	var out []SubtreeNode
	visited := map[string]bool{}

	var walk func(id string, depthFromRoot int, path []string) error
	walk = func(id string, depthFromRoot int, path []string) error {
		if visited[id] {
			return nil
		}
		visited[id] = true
		sm, err := s.GetSummary(ctx, id)
		if err != nil {
			return err
		}
		nodePath := append(append([]string{}, path...), id)
		out = append(out, SubtreeNode{Summary: sm, DepthFromRoot: depthFromRoot, Path: nodePath})

		parents, err := s.Parents(ctx, id)
		if err != nil {
			return err
		}
		for _, p := range parents {
			if err := walk(p.SummaryID, depthFromRoot+1, nodePath); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(rootID, 0, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// SourceMessages resolves the leaf message ids under id, recursing through
// condensed parents up to maxDepth levels. For a leaf, this is simply its
// summary_messages edges.
func (s *Store) SourceMessages(ctx context.Context, summaryID string, maxDepth int) ([]int64, error) {
	visited := map[string]bool{}
	var out []int64

	var walk func(id string, depth int) error
	walk = func(id string, depth int) error {
		if visited[id] || depth > maxDepth {
			return nil
		}
		visited[id] = true
		sm, err := s.GetSummary(ctx, id)
		if err != nil {
			return err
		}
		if sm.Kind == SummaryLeaf {
			rows, err := s.db.QueryContext(ctx, `
				SELECT message_id FROM summary_messages WHERE summary_id = ? ORDER BY ordinal ASC;
			`, id)
			if err != nil {
				return fmt.Errorf("list source messages: %w", err)
			}
			defer rows.Close()
			for rows.Next() {
				var mid int64
				if err := rows.Scan(&mid); err != nil {
					return err
				}
				out = append(out, mid)
			}
			return rows.Err()
		}
		parents, err := s.Parents(ctx, id)
		if err != nil {
			return err
		}
		for _, p := range parents {
			if err := walk(p.SummaryID, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(summaryID, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// MostRecentLeaf returns the content of the most recently created leaf
// summary in the conversation, or ("", false) if none exists.
func (s *Store) MostRecentLeaf(ctx context.Context, conversationID int64) (string, bool, error) {
	return s.mostRecentAtDepth(ctx, conversationID, 0, "leaf")
}

// MostRecentAtDepth returns the content of the most recently created
// summary at the given depth, or ("", false) if none exists. Ties in
// created_at are broken arbitrarily by the store, matching the documented
// open question on previous_summary tie-breaking.
func (s *Store) MostRecentAtDepth(ctx context.Context, conversationID int64, depth int) (string, bool, error) {
	return s.mostRecentAtDepth(ctx, conversationID, depth, "")
}

func (s *Store) mostRecentAtDepth(ctx context.Context, conversationID int64, depth int, kind string) (string, bool, error) {
	query := `SELECT content FROM summaries WHERE conversation_id = ? AND depth = ?`
	args := []any{conversationID, depth}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC LIMIT 1;`

	var content string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&content)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query most recent summary at depth %d: %w", depth, err)
	}
	return content, true, nil
}
