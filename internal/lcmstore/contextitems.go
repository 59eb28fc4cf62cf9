package lcmstore

import (
	"context"
	"database/sql"
	"fmt"
)

// ItemType tags a context_items row.
type ItemType string

const (
	ItemMessage ItemType = "message"
	ItemSummary ItemType = "summary"
)

// ContextItem mirrors one context_items row. Exactly one of MessageID /
// SummaryID is populated, per ItemType.
type ContextItem struct {
	ConversationID int64
	Ordinal        int64
	ItemType       ItemType
	MessageID      sql.NullInt64
	SummaryID      sql.NullString
}

// AppendMessageItem appends a message item at ordinal = current max + 1.
func (s *Store) AppendMessageItem(ctx context.Context, conversationID, messageID int64) (int64, error) {
	var ordinal int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		ordinal, err = nextOrdinalTx(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO context_items (conversation_id, ordinal, item_type, message_id)
			VALUES (?, ?, 'message', ?);
		`, conversationID, ordinal, messageID); err != nil {
			return fmt.Errorf("append message item: %w", err)
		}
		return tx.Commit()
	})
	return ordinal, err
}

func nextOrdinalTx(ctx context.Context, tx *sql.Tx, conversationID int64) (int64, error) {
	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(ordinal) FROM context_items WHERE conversation_id = ?;`, conversationID).Scan(&max); err != nil {
		return 0, fmt.Errorf("read max ordinal: %w", err)
	}
	return max.Int64 + 1, nil
}

// ReplaceRange atomically deletes context items in [startOrdinal, endOrdinal]
// (inclusive), inserts a single summary item at startOrdinal, then
// renumbers all subsequent items to close the gap. This is the only
// operation that may remove message references from the context stream;
// the underlying messages remain in storage.
func (s *Store) ReplaceRange(ctx context.Context, conversationID int64, startOrdinal, endOrdinal int64, summaryID string) error {
	if endOrdinal < startOrdinal {
		return InputErr("INVALID_RANGE", fmt.Sprintf("end ordinal %d precedes start ordinal %d", endOrdinal, startOrdinal), nil)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM context_items WHERE conversation_id = ? AND ordinal BETWEEN ? AND ?;
		`, conversationID, startOrdinal, endOrdinal); err != nil {
			return fmt.Errorf("delete replaced range: %w", err)
		}

		rangeSpan := endOrdinal - startOrdinal + 1
		shift := rangeSpan - 1 // net ordinals removed once the summary item takes startOrdinal's slot

		rows, err := tx.QueryContext(ctx, `
			SELECT ordinal, item_type, message_id, summary_id FROM context_items
			WHERE conversation_id = ? AND ordinal > ?
			ORDER BY ordinal ASC;
		`, conversationID, endOrdinal)
		if err != nil {
			return fmt.Errorf("read trailing items: %w", err)
		}
		type trailing struct {
			ordinal   int64
			itemType  string
			messageID sql.NullInt64
			summaryID sql.NullString
		}
		var trailItems []trailing
		for rows.Next() {
			var t trailing
			if err := rows.Scan(&t.ordinal, &t.itemType, &t.messageID, &t.summaryID); err != nil {
				rows.Close()
				return err
			}
			trailItems = append(trailItems, t)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM context_items WHERE conversation_id = ? AND ordinal > ?;
		`, conversationID, endOrdinal); err != nil {
			return fmt.Errorf("clear trailing items for renumber: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO context_items (conversation_id, ordinal, item_type, summary_id)
			VALUES (?, ?, 'summary', ?);
		`, conversationID, startOrdinal, summaryID); err != nil {
			return fmt.Errorf("insert summary item: %w", err)
		}

		for _, t := range trailItems {
			newOrdinal := t.ordinal - shift
			if t.itemType == string(ItemMessage) {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO context_items (conversation_id, ordinal, item_type, message_id)
					VALUES (?, ?, 'message', ?);
				`, conversationID, newOrdinal, t.messageID); err != nil {
					return fmt.Errorf("renumber trailing message item: %w", err)
				}
			} else {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO context_items (conversation_id, ordinal, item_type, summary_id)
					VALUES (?, ?, 'summary', ?);
				`, conversationID, newOrdinal, t.summaryID); err != nil {
					return fmt.Errorf("renumber trailing summary item: %w", err)
				}
			}
		}
		return tx.Commit()
	})
}

// List returns the dense ordered view of context items for a conversation.
func (s *Store) List(ctx context.Context, conversationID int64) ([]ContextItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, ordinal, item_type, message_id, summary_id
		FROM context_items WHERE conversation_id = ? ORDER BY ordinal ASC;
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list context items: %w", err)
	}
	defer rows.Close()

	var out []ContextItem
	for rows.Next() {
		var ci ContextItem
		var itemType string
		if err := rows.Scan(&ci.ConversationID, &ci.Ordinal, &itemType, &ci.MessageID, &ci.SummaryID); err != nil {
			return nil, fmt.Errorf("scan context item: %w", err)
		}
		ci.ItemType = ItemType(itemType)
		out = append(out, ci)
	}
	return out, rows.Err()
}
