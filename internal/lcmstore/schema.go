package lcmstore

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema ledger. Each version's checksum is a fixed string so a downgraded
// binary opening a newer database detects the mismatch instead of silently
// reinterpreting columns it doesn't know about.
const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "lcm-v1-2026-03-01-conversations-messages"

	schemaVersionV2  = 2
	schemaChecksumV2 = "lcm-v2-2026-03-02-summary-dag"

	schemaVersionV3  = 3
	schemaChecksumV3 = "lcm-v3-2026-03-03-context-items-large-files"

	schemaVersionV4  = 4
	schemaChecksumV4 = "lcm-v4-2026-03-04-fts"

	schemaVersionLatest  = schemaVersionV4
	schemaChecksumLatest = schemaChecksumV4
)

var versionChecksums = []struct {
	version  int
	checksum string
}{
	{schemaVersionV1, schemaChecksumV1},
	{schemaVersionV2, schemaChecksumV2},
	{schemaVersionV3, schemaChecksumV3},
	{schemaVersionV4, schemaChecksumV4},
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return MigrationErr(CodeSchemaTooNew, fmt.Sprintf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest), nil)
	}

	for _, vc := range versionChecksums {
		if maxVersion < vc.version {
			continue
		}
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, vc.version).Scan(&existing); err != nil {
			return fmt.Errorf("read checksum for version %d: %w", vc.version, err)
		}
		if existing != vc.checksum {
			return MigrationErr(CodeSchemaChecksumMismatch,
				fmt.Sprintf("schema checksum mismatch for version %d: got %q want %q", vc.version, existing, vc.checksum), nil)
		}
	}

	if maxVersion < schemaVersionV1 {
		if err := applyV1(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, checksum) VALUES (?, ?);`, schemaVersionV1, schemaChecksumV1); err != nil {
			return fmt.Errorf("record schema v1: %w", err)
		}
	}
	if maxVersion < schemaVersionV2 {
		if err := applyV2(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, checksum) VALUES (?, ?);`, schemaVersionV2, schemaChecksumV2); err != nil {
			return fmt.Errorf("record schema v2: %w", err)
		}
	}
	if maxVersion < schemaVersionV3 {
		if err := applyV3(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, checksum) VALUES (?, ?);`, schemaVersionV3, schemaChecksumV3); err != nil {
			return fmt.Errorf("record schema v3: %w", err)
		}
	}
	if maxVersion < schemaVersionV4 {
		if err := applyV4(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, checksum) VALUES (?, ?);`, schemaVersionV4, schemaChecksumV4); err != nil {
			return fmt.Errorf("record schema v4: %w", err)
		}
	}

	if err := applyBackfills(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			title TEXT,
			bootstrapped_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('system','user','assistant','tool')),
			content TEXT NOT NULL,
			content_sha256 TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (conversation_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages(conversation_id, seq);`,
		`CREATE TABLE IF NOT EXISTS message_parts (
			message_id INTEGER NOT NULL REFERENCES messages(message_id) ON DELETE CASCADE,
			ordinal INTEGER NOT NULL,
			part_type TEXT NOT NULL,
			text_content TEXT,
			payload_json TEXT,
			is_ignored INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (message_id, ordinal)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	return nil
}

func applyV2(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS summaries (
			summary_id TEXT PRIMARY KEY,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			kind TEXT NOT NULL CHECK (kind IN ('leaf','condensed')),
			depth INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			earliest_at DATETIME,
			latest_at DATETIME,
			descendant_count INTEGER NOT NULL DEFAULT 0,
			descendant_token_count INTEGER NOT NULL DEFAULT 0,
			source_message_token_count INTEGER NOT NULL DEFAULT 0,
			file_ids TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_conversation_depth ON summaries(conversation_id, depth);`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_conversation_created ON summaries(conversation_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS summary_parents (
			summary_id TEXT NOT NULL REFERENCES summaries(summary_id) ON DELETE CASCADE,
			parent_summary_id TEXT NOT NULL REFERENCES summaries(summary_id) ON DELETE RESTRICT,
			ordinal INTEGER NOT NULL,
			PRIMARY KEY (summary_id, parent_summary_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_summary_parents_parent ON summary_parents(parent_summary_id);`,
		`CREATE TABLE IF NOT EXISTS summary_messages (
			summary_id TEXT NOT NULL REFERENCES summaries(summary_id) ON DELETE CASCADE,
			message_id INTEGER NOT NULL REFERENCES messages(message_id) ON DELETE RESTRICT,
			ordinal INTEGER NOT NULL,
			PRIMARY KEY (summary_id, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_summary_messages_message ON summary_messages(message_id);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema v2: %w", err)
		}
	}
	return nil
}

func applyV3(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS context_items (
			conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			ordinal INTEGER NOT NULL,
			item_type TEXT NOT NULL CHECK (item_type IN ('message','summary')),
			message_id INTEGER REFERENCES messages(message_id) ON DELETE RESTRICT,
			summary_id TEXT REFERENCES summaries(summary_id) ON DELETE RESTRICT,
			PRIMARY KEY (conversation_id, ordinal)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_context_items_message ON context_items(message_id);`,
		`CREATE INDEX IF NOT EXISTS idx_context_items_summary ON context_items(summary_id);`,
		`CREATE TABLE IF NOT EXISTS large_files (
			file_id TEXT PRIMARY KEY,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			file_name TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			byte_size INTEGER NOT NULL,
			storage_uri TEXT NOT NULL,
			exploration_summary TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_large_files_conversation ON large_files(conversation_id);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema v3: %w", err)
		}
	}
	return nil
}

func applyV4(ctx context.Context, tx *sql.Tx) error {
	if err := rebuildFTSIfLegacy(ctx, tx); err != nil {
		return err
	}
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			content, tokenize = 'porter unicode61', content=''
		);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS summaries_fts USING fts5(
			content, tokenize = 'porter unicode61', content=''
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema v4: %w", err)
		}
	}
	return reindexFTS(ctx, tx)
}

// rebuildFTSIfLegacy drops any pre-existing messages_fts/summaries_fts
// virtual tables declared with external-content (`content_rowid=...`)
// instead of the contentless form this schema requires.
func rebuildFTSIfLegacy(ctx context.Context, tx *sql.Tx) error {
	for _, name := range []string{"messages_fts", "summaries_fts"} {
		var sqlText sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE type='table' AND name=?;`, name).Scan(&sqlText)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("inspect legacy %s: %w", name, err)
		}
		if !sqlText.Valid {
			continue
		}
		if containsContentRowid(sqlText.String) {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE %s;", name)); err != nil {
				return fmt.Errorf("drop legacy %s: %w", name, err)
			}
		}
	}
	return nil
}

func containsContentRowid(ddl string) bool {
	return len(ddl) > 0 && (indexOf(ddl, "content_rowid") >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// reindexFTS repopulates the contentless FTS tables from the base tables,
// used both on fresh creation and after a legacy-table rebuild.
func reindexFTS(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages_fts;`); err != nil {
		return fmt.Errorf("clear messages_fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages_fts(rowid, content) SELECT message_id, content FROM messages;
	`); err != nil {
		return fmt.Errorf("reindex messages_fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM summaries_fts;`); err != nil {
		return fmt.Errorf("clear summaries_fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO summaries_fts(rowid, content) SELECT rowid, content FROM summaries;
	`); err != nil {
		return fmt.Errorf("reindex summaries_fts: %w", err)
	}
	return nil
}

// applyBackfills performs the forward-only legacy repairs from the schema
// spec: missing columns get safe defaults via CREATE TABLE IF NOT EXISTS
// above (new installs never need this), so the remaining work on every
// startup is the depth/time-range/descendant-count backfill for any summary
// rows that predate this store (imported databases, or rows left behind by
// an older binary). It is always safe to re-run: rows already populated are
// left untouched.
func applyBackfills(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT conversation_id FROM summaries;`)
	if err != nil {
		return fmt.Errorf("list conversations needing backfill: %w", err)
	}
	var conversationIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan conversation id: %w", err)
		}
		conversationIDs = append(conversationIDs, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, convID := range conversationIDs {
		if err := backfillDepths(ctx, tx, convID); err != nil {
			return err
		}
		if err := backfillRangesAndDescendants(ctx, tx, convID); err != nil {
			return err
		}
	}
	return nil
}

// backfillDepths assigns depth=0 to leaves and iteratively assigns
// depth=1+max(parent.depth) to condensed rows until no progress remains.
// Nodes with missing parents or residual cycles collapse to depth 1 rather
// than failing the migration.
func backfillDepths(ctx context.Context, tx *sql.Tx, conversationID int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE summaries SET depth = 0 WHERE conversation_id = ? AND kind = 'leaf' AND depth != 0;
	`, conversationID); err != nil {
		return fmt.Errorf("backfill leaf depths: %w", err)
	}

	for i := 0; i < 64; i++ {
		res, err := tx.ExecContext(ctx, `
			UPDATE summaries
			SET depth = (
				SELECT 1 + MAX(p.depth)
				FROM summary_parents sp
				JOIN summaries p ON p.summary_id = sp.parent_summary_id
				WHERE sp.summary_id = summaries.summary_id
			)
			WHERE conversation_id = ?
			  AND kind = 'condensed'
			  AND summary_id IN (
				SELECT sp.summary_id FROM summary_parents sp
				JOIN summaries p ON p.summary_id = sp.parent_summary_id
				WHERE p.depth IS NOT NULL
				GROUP BY sp.summary_id
			  );
		`, conversationID)
		if err != nil {
			return fmt.Errorf("iterate depth backfill: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected during depth backfill: %w", err)
		}
		if n == 0 {
			break
		}
	}

	// Residual rows (missing parents / cycles) collapse to depth 1.
	if _, err := tx.ExecContext(ctx, `
		UPDATE summaries SET depth = 1
		WHERE conversation_id = ? AND kind = 'condensed' AND depth <= 0;
	`, conversationID); err != nil {
		return fmt.Errorf("collapse residual depths: %w", err)
	}
	return nil
}

// backfillRangesAndDescendants processes summaries leaf-first by
// (depth asc, created_at asc): leaves derive ranges from linked messages
// (falling back to created_at), condensed rows take the union of parent
// ranges and sum descendant_count = Σ(parent.descendant_count + 1).
func backfillRangesAndDescendants(ctx context.Context, tx *sql.Tx, conversationID int64) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT summary_id, kind FROM summaries
		WHERE conversation_id = ?
		ORDER BY depth ASC, created_at ASC;
	`, conversationID)
	if err != nil {
		return fmt.Errorf("list summaries for range backfill: %w", err)
	}
	type row struct {
		id   string
		kind string
	}
	var ordered []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.kind); err != nil {
			rows.Close()
			return fmt.Errorf("scan summary for range backfill: %w", err)
		}
		ordered = append(ordered, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, r := range ordered {
		if r.kind == "leaf" {
			if err := backfillLeafRange(ctx, tx, r.id); err != nil {
				return err
			}
			continue
		}
		if err := backfillCondensedRangeAndDescendants(ctx, tx, r.id); err != nil {
			return err
		}
	}
	return nil
}

func backfillLeafRange(ctx context.Context, tx *sql.Tx, summaryID string) error {
	var earliest, latest sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT MIN(m.created_at), MAX(m.created_at)
		FROM summary_messages sm
		JOIN messages m ON m.message_id = sm.message_id
		WHERE sm.summary_id = ?;
	`, summaryID).Scan(&earliest, &latest)
	if err != nil {
		return fmt.Errorf("compute leaf range for %s: %w", summaryID, err)
	}
	if earliest.Valid && latest.Valid {
		_, err = tx.ExecContext(ctx, `
			UPDATE summaries SET earliest_at = ?, latest_at = ?
			WHERE summary_id = ? AND (earliest_at IS NULL OR latest_at IS NULL);
		`, earliest.String, latest.String, summaryID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE summaries SET earliest_at = created_at, latest_at = created_at
			WHERE summary_id = ? AND (earliest_at IS NULL OR latest_at IS NULL);
		`, summaryID)
	}
	if err != nil {
		return fmt.Errorf("write leaf range for %s: %w", summaryID, err)
	}
	return nil
}

func backfillCondensedRangeAndDescendants(ctx context.Context, tx *sql.Tx, summaryID string) error {
	var earliest, latest sql.NullString
	var descendantCount sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT MIN(p.earliest_at), MAX(p.latest_at), SUM(p.descendant_count + 1)
		FROM summary_parents sp
		JOIN summaries p ON p.summary_id = sp.parent_summary_id
		WHERE sp.summary_id = ?;
	`, summaryID).Scan(&earliest, &latest, &descendantCount)
	if err != nil {
		return fmt.Errorf("compute condensed range for %s: %w", summaryID, err)
	}
	if !earliest.Valid || !latest.Valid {
		_, err = tx.ExecContext(ctx, `
			UPDATE summaries SET earliest_at = created_at, latest_at = created_at
			WHERE summary_id = ? AND (earliest_at IS NULL OR latest_at IS NULL);
		`, summaryID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE summaries SET earliest_at = ?, latest_at = ?
			WHERE summary_id = ? AND (earliest_at IS NULL OR latest_at IS NULL);
		`, earliest.String, latest.String, summaryID)
	}
	if err != nil {
		return fmt.Errorf("write condensed range for %s: %w", summaryID, err)
	}

	count := int64(0)
	if descendantCount.Valid {
		count = descendantCount.Int64
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE summaries SET descendant_count = ?
		WHERE summary_id = ? AND descendant_count = 0;
	`, count, summaryID); err != nil {
		return fmt.Errorf("write descendant_count for %s: %w", summaryID, err)
	}
	return nil
}
