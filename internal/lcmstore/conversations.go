package lcmstore

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Conversation mirrors the conversations table row.
type Conversation struct {
	ID             int64
	SessionID      string
	Title          string
	BootstrappedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// GetOrCreateConversation returns the conversation for sessionID, creating
// it on first ingest.
func (s *Store) GetOrCreateConversation(ctx context.Context, sessionID string) (Conversation, error) {
	if sessionID == "" {
		return Conversation{}, InputErr("EMPTY_SESSION_ID", "session_id must not be empty", nil)
	}
	var conv Conversation
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		conv, err = getConversationTx(ctx, tx, sessionID)
		if err == nil {
			return tx.Commit()
		}
		if err != sql.ErrNoRows {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (session_id) VALUES (?);
		`, sessionID)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		conv, err = getConversationByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return conv, err
}

func getConversationTx(ctx context.Context, tx *sql.Tx, sessionID string) (Conversation, error) {
	var c Conversation
	var bootstrapped sql.NullTime
	var title sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id, session_id, title, bootstrapped_at, created_at, updated_at
		FROM conversations WHERE session_id = ?;
	`, sessionID).Scan(&c.ID, &c.SessionID, &title, &bootstrapped, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Conversation{}, err
	}
	c.Title = title.String
	if bootstrapped.Valid {
		t := bootstrapped.Time
		c.BootstrappedAt = &t
	}
	return c, nil
}

func getConversationByIDTx(ctx context.Context, tx *sql.Tx, id int64) (Conversation, error) {
	var c Conversation
	var bootstrapped sql.NullTime
	var title sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id, session_id, title, bootstrapped_at, created_at, updated_at
		FROM conversations WHERE id = ?;
	`, id).Scan(&c.ID, &c.SessionID, &title, &bootstrapped, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Conversation{}, err
	}
	c.Title = title.String
	if bootstrapped.Valid {
		t := bootstrapped.Time
		c.BootstrappedAt = &t
	}
	return c, nil
}

// DeleteConversation removes a conversation and cascades through all owned
// rows (messages, summaries, context items, large files).
func (s *Store) DeleteConversation(ctx context.Context, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = ?;`, sessionID)
		return err
	})
}

// transcriptLine is the narrow shape bootstrap reads from a host JSONL
// session transcript: just enough to compute the anchor-matching tuple.
type transcriptLine struct {
	Seq     int64  `json:"seq"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BootstrapResult reports what bootstrap did.
type BootstrapResult struct {
	Created  bool
	Imported int
}

// ReconciliationError is returned when the transcript and the store share
// no common anchor but the store already holds messages for this
// conversation: importing blind here could duplicate or silently drop
// history, so bootstrap refuses instead of guessing.
type ReconciliationError struct {
	SessionID      string
	TranscriptPath string
	StoreMaxSeq    int64
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("lcmstore: cannot reconcile transcript %q with conversation %q: store holds messages up to seq %d with no matching anchor",
		e.TranscriptPath, e.SessionID, e.StoreMaxSeq)
}

// Bootstrap reconciles a host JSONL transcript against the store: it
// locates the newest message appearing in both (the anchor, matched by
// (seq, role, content hash)), then imports any transcript messages after
// the anchor, preserving seq and order. If no anchor exists but the store
// already holds messages, it refuses rather than truncating.
func (s *Store) Bootstrap(ctx context.Context, sessionID, transcriptPath string) (BootstrapResult, error) {
	conv, err := s.GetOrCreateConversation(ctx, sessionID)
	if err != nil {
		return BootstrapResult{}, err
	}
	created := conv.BootstrappedAt == nil

	if transcriptPath == "" {
		if err := s.markBootstrapped(ctx, conv.ID); err != nil {
			return BootstrapResult{}, err
		}
		return BootstrapResult{Created: created, Imported: 0}, nil
	}

	lines, err := readTranscript(transcriptPath)
	if err != nil {
		return BootstrapResult{}, ExternalErr("TRANSCRIPT_READ_FAILED", "read transcript", err)
	}

	storeMaxSeq, err := s.maxSeq(ctx, conv.ID)
	if err != nil {
		return BootstrapResult{}, err
	}

	anchorIdx := -1
	for i := len(lines) - 1; i >= 0; i-- {
		ln := lines[i]
		exists, err := s.messageMatches(ctx, conv.ID, ln.Seq, ln.Role, hashContent(ln.Content))
		if err != nil {
			return BootstrapResult{}, err
		}
		if exists {
			anchorIdx = i
			break
		}
	}

	if anchorIdx == -1 && storeMaxSeq > 0 {
		return BootstrapResult{}, &ReconciliationError{SessionID: sessionID, TranscriptPath: transcriptPath, StoreMaxSeq: storeMaxSeq}
	}

	imported := 0
	for i := anchorIdx + 1; i < len(lines); i++ {
		ln := lines[i]
		if _, err := s.insertMessageWithSeq(ctx, conv.ID, ln.Seq, ln.Role, ln.Content); err != nil {
			return BootstrapResult{}, err
		}
		imported++
	}

	if err := s.markBootstrapped(ctx, conv.ID); err != nil {
		return BootstrapResult{}, err
	}
	return BootstrapResult{Created: created, Imported: imported}, nil
}

func (s *Store) markBootstrapped(ctx context.Context, conversationID int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE conversations SET bootstrapped_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND bootstrapped_at IS NULL;
		`, conversationID)
		return err
	})
}

func (s *Store) maxSeq(ctx context.Context, conversationID int64) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE conversation_id = ?;`, conversationID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return max.Int64, nil
}

func (s *Store) messageMatches(ctx context.Context, conversationID, seq int64, role, contentHash string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND seq = ? AND role = ? AND content_sha256 = ?;
	`, conversationID, seq, role, contentHash).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("match anchor message: %w", err)
	}
	return count > 0, nil
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func readTranscript(path string) ([]transcriptLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []transcriptLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ln transcriptLine
		if err := json.Unmarshal(raw, &ln); err != nil {
			return nil, fmt.Errorf("parse transcript line: %w", err)
		}
		lines = append(lines, ln)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
