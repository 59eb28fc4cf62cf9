package lcmstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"
)

// LargeFile mirrors the large_files table row.
type LargeFile struct {
	FileID              string
	ConversationID      int64
	FileName            string
	MimeType            string
	ByteSize            int64
	StorageURI          string
	ExplorationSummary  string
	CreatedAt           time.Time
}

// CreateLargeFileInput is the argument to CreateLargeFile.
type CreateLargeFileInput struct {
	ConversationID     int64
	FileName           string
	MimeType           string
	ByteSize           int64
	StorageRoot        string
	ExplorationSummary string
}

// StoragePath returns the opaque path a large file's bytes live under:
// {root}/{conversation_id}/{file_id}.{ext}, per the persisted state layout.
func StoragePath(root string, conversationID int64, fileID, fileName string) string {
	ext := filepath.Ext(fileName)
	return filepath.Join(root, fmt.Sprintf("%d", conversationID), fileID+ext)
}

// CreateLargeFile generates a file id, computes its storage_uri, and
// inserts the large_files row. It does not write bytes itself: callers
// (the C4 ingest path) are responsible for writing to StorageURI before
// committing, and must abort the whole ingest transaction on a storage
// failure rather than leave an orphaned row.
func (s *Store) CreateLargeFile(ctx context.Context, in CreateLargeFileInput) (LargeFile, error) {
	if in.FileName == "" {
		return LargeFile{}, InputErr("EMPTY_FILE_NAME", "large file requires a file_name", nil)
	}
	fileID := newFileID(in.ConversationID, in.FileName)
	storageURI := StoragePath(in.StorageRoot, in.ConversationID, fileID, in.FileName)

	var out LargeFile
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO large_files (file_id, conversation_id, file_name, mime_type, byte_size, storage_uri, exploration_summary)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, fileID, in.ConversationID, in.FileName, in.MimeType, in.ByteSize, storageURI, in.ExplorationSummary); err != nil {
			return fmt.Errorf("insert large file: %w", err)
		}
		out, err = getLargeFileTx(ctx, tx, fileID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return out, err
}

func newFileID(conversationID int64, fileName string) string {
	h := sha256.New()
	h.Write([]byte(fmt.Sprintf("%d", conversationID)))
	h.Write([]byte(fileName))
	h.Write([]byte(fmt.Sprintf("%d", time.Now().UnixNano())))
	sum := h.Sum(nil)
	return "file_" + hex.EncodeToString(sum[:10])
}

func getLargeFileTx(ctx context.Context, tx *sql.Tx, fileID string) (LargeFile, error) {
	var lf LargeFile
	var exploration sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT file_id, conversation_id, file_name, mime_type, byte_size, storage_uri, exploration_summary, created_at
		FROM large_files WHERE file_id = ?;
	`, fileID).Scan(&lf.FileID, &lf.ConversationID, &lf.FileName, &lf.MimeType, &lf.ByteSize, &lf.StorageURI, &exploration, &lf.CreatedAt)
	if err != nil {
		return LargeFile{}, err
	}
	lf.ExplorationSummary = exploration.String
	return lf, nil
}

// GetLargeFile fetches a large file record by id.
func (s *Store) GetLargeFile(ctx context.Context, fileID string) (LargeFile, error) {
	var lf LargeFile
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		lf, err = getLargeFileTx(ctx, tx, fileID)
		return err
	})
	if err == sql.ErrNoRows {
		return LargeFile{}, InputErr("FILE_NOT_FOUND", fmt.Sprintf("large file %q not found", fileID), err)
	}
	return lf, err
}
