package lcmstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/martian-engineering/lcm/internal/lcmtoken"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Message mirrors the messages table row. Immutable after insertion.
type Message struct {
	MessageID      int64
	ConversationID int64
	Seq            int64
	Role           string
	Content        string
	TokenCount     int
	CreatedAt      time.Time
}

// PartType enumerates the message-part variants the assembler must be able
// to reconstruct: text, reasoning, tool call/result, patch, file, subtask,
// step events, snapshot, agent, retry.
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartToolCall  PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartPatch     PartType = "patch"
	PartFile      PartType = "file"
	PartSubtask   PartType = "subtask"
	PartStepEvent PartType = "step_event"
	PartSnapshot  PartType = "snapshot"
	PartAgent     PartType = "agent"
	PartRetry     PartType = "retry"
)

var validRoles = map[string]bool{"system": true, "user": true, "assistant": true, "tool": true}

// MessagePart is a single ordered subordinate block of a message. Exactly
// one of TextContent / Payload is meaningful depending on PartType: simple
// text-bearing parts populate TextContent, structured parts (tool calls,
// file references, step events, ...) populate Payload as raw JSON, narrowed
// from the host's untyped input at the boundary via partSchema below.
type MessagePart struct {
	MessageID   int64
	Ordinal     int
	PartType    PartType
	TextContent string
	Payload     json.RawMessage
	IsIgnored   bool
}

var partSchema = mustCompilePartSchema()

func mustCompilePartSchema() *jsonschema.Schema {
	const schemaDoc = `{
		"type": "object",
		"required": ["part_type"],
		"properties": {
			"part_type": {
				"type": "string",
				"enum": ["text","reasoning","tool_call","tool_result","patch","file","subtask","step_event","snapshot","agent","retry"]
			}
		}
	}`
	c := jsonschema.NewCompiler()
	if err := c.AddResource("lcm://message-part.json", mustUnmarshalSchema(schemaDoc)); err != nil {
		panic(fmt.Sprintf("lcmstore: compile message part schema: %v", err))
	}
	sch, err := c.Compile("lcm://message-part.json")
	if err != nil {
		panic(fmt.Sprintf("lcmstore: compile message part schema: %v", err))
	}
	return sch
}

func mustUnmarshalSchema(doc string) any {
	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		panic(fmt.Sprintf("lcmstore: unmarshal message part schema: %v", err))
	}
	return v
}

// ValidateRawPart narrows an untyped host payload (a decoded JSON map) into
// a checked shape before it is allowed to become a MessagePart. This is the
// boundary narrowing point: everything downstream works with the tagged
// PartType, never with the raw map again.
func ValidateRawPart(raw map[string]any) error {
	if err := partSchema.Validate(raw); err != nil {
		return InputErr("INVALID_MESSAGE_PART", "message part failed schema validation", err)
	}
	return nil
}

// AppendMessage inserts a message with the next strictly-increasing seq for
// the conversation. Returns DuplicateSeqError-classified errors (ClassInvariant,
// CodeDuplicateSeq) on UNIQUE(conversation_id, seq) violations, which signal
// a concurrent writer despite the store's single-writer contract.
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, role, content string) (Message, error) {
	if !validRoles[role] {
		return Message{}, InputErr(CodeUnknownRole, fmt.Sprintf("unknown role %q", role), nil)
	}
	var msg Message
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var nextSeq int64
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE conversation_id = ?;`, conversationID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("read max seq: %w", err)
		}
		nextSeq = maxSeq.Int64 + 1

		tokenCount := lcmtoken.Estimate(content)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, seq, role, content, content_sha256, token_count)
			VALUES (?, ?, ?, ?, ?, ?);
		`, conversationID, nextSeq, role, content, hashContent(content), tokenCount)
		if err != nil {
			if isUniqueViolation(err) {
				return InvariantErr(CodeDuplicateSeq, fmt.Sprintf("duplicate seq %d for conversation %d", nextSeq, conversationID), err)
			}
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO messages_fts(rowid, content) VALUES (?, ?);`, id, content); err != nil {
			return fmt.Errorf("index message fts: %w", err)
		}

		msg, err = getMessageTx(ctx, tx, id)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return msg, err
}

// insertMessageWithSeq inserts a message preserving an explicit seq,
// used only by Bootstrap when importing transcript history.
func (s *Store) insertMessageWithSeq(ctx context.Context, conversationID, seq int64, role, content string) (Message, error) {
	if !validRoles[role] {
		return Message{}, InputErr(CodeUnknownRole, fmt.Sprintf("unknown role %q", role), nil)
	}
	var msg Message
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		tokenCount := lcmtoken.Estimate(content)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, seq, role, content, content_sha256, token_count)
			VALUES (?, ?, ?, ?, ?, ?);
		`, conversationID, seq, role, content, hashContent(content), tokenCount)
		if err != nil {
			if isUniqueViolation(err) {
				return InvariantErr(CodeDuplicateSeq, fmt.Sprintf("duplicate seq %d for conversation %d", seq, conversationID), err)
			}
			return fmt.Errorf("insert bootstrap message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO messages_fts(rowid, content) VALUES (?, ?);`, id, content); err != nil {
			return fmt.Errorf("index message fts: %w", err)
		}
		msg, err = getMessageTx(ctx, tx, id)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return msg, err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return indexOf(msg, "UNIQUE constraint failed") >= 0
}

func getMessageTx(ctx context.Context, tx *sql.Tx, messageID int64) (Message, error) {
	var m Message
	err := tx.QueryRowContext(ctx, `
		SELECT message_id, conversation_id, seq, role, content, token_count, created_at
		FROM messages WHERE message_id = ?;
	`, messageID).Scan(&m.MessageID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.TokenCount, &m.CreatedAt)
	return m, err
}

// AppendParts bulk-inserts message parts for a message. Parts must already
// be narrowed into typed MessagePart values (see ValidateRawPart).
func (s *Store) AppendParts(ctx context.Context, parts []MessagePart) error {
	if len(parts) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO message_parts (message_id, ordinal, part_type, text_content, payload_json, is_ignored)
			VALUES (?, ?, ?, ?, ?, ?);
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range parts {
			ignored := 0
			if p.IsIgnored {
				ignored = 1
			}
			var payload any
			if len(p.Payload) > 0 {
				payload = string(p.Payload)
			}
			if _, err := stmt.ExecContext(ctx, p.MessageID, p.Ordinal, string(p.PartType), p.TextContent, payload, ignored); err != nil {
				return fmt.Errorf("insert message part (message=%d ordinal=%d): %w", p.MessageID, p.Ordinal, err)
			}
		}
		return tx.Commit()
	})
}

// ListMessages returns all messages for a conversation in seq order.
func (s *Store) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, conversation_id, seq, role, content, token_count, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC;
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.TokenCount, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListParts returns the ordered, non-ignored parts for a message.
func (s *Store) ListParts(ctx context.Context, messageID int64) ([]MessagePart, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, ordinal, part_type, COALESCE(text_content, ''), COALESCE(payload_json, ''), is_ignored
		FROM message_parts WHERE message_id = ? ORDER BY ordinal ASC;
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list message parts: %w", err)
	}
	defer rows.Close()

	var out []MessagePart
	for rows.Next() {
		var p MessagePart
		var partType string
		var payload string
		var ignored int
		if err := rows.Scan(&p.MessageID, &p.Ordinal, &partType, &p.TextContent, &payload, &ignored); err != nil {
			return nil, fmt.Errorf("scan message part: %w", err)
		}
		p.PartType = PartType(partType)
		if payload != "" {
			p.Payload = json.RawMessage(payload)
		}
		p.IsIgnored = ignored != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetMessage fetches a single message by id.
func (s *Store) GetMessage(ctx context.Context, messageID int64) (Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, conversation_id, seq, role, content, token_count, created_at
		FROM messages WHERE message_id = ?;
	`, messageID).Scan(&m.MessageID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.TokenCount, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return Message{}, InputErr("MESSAGE_NOT_FOUND", fmt.Sprintf("message %d not found", messageID), err)
	}
	return m, err
}
