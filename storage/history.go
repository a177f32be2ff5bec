package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "peerdrop.db"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  file_id        TEXT PRIMARY KEY,
  filename       TEXT NOT NULL,
  filesize       INTEGER NOT NULL,
  mime_type      TEXT NOT NULL DEFAULT '',
  saved_directly INTEGER NOT NULL DEFAULT 0,
  stored_path    TEXT NOT NULL DEFAULT '',
  object_handle  TEXT NOT NULL DEFAULT '',
  received_at    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_received_at
ON transfers (received_at DESC, file_id);
`,
}

// TransferRecord is one persisted CompletedTransfer row.
type TransferRecord struct {
	FileID        string
	Filename      string
	Filesize      uint64
	MimeType      string
	SavedDirectly bool
	StoredPath    string
	ObjectHandle  string
	ReceivedAt    int64
}

// History is a thin wrapper around a SQLite connection holding completed
// transfer records. Rows are removed only by an explicit Clear.
type History struct {
	db *sql.DB
}

// OpenHistory opens (or creates) the transfer database under dataDir and runs
// schema migrations.
func OpenHistory(dataDir string) (*History, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	history, err := OpenHistoryPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return history, dbPath, nil
}

// OpenHistoryPath opens SQLite at an explicit path and runs schema migrations.
func OpenHistoryPath(dbPath string) (*History, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	history := &History{db: db}
	if err := history.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return history, nil
}

// Close closes the SQLite connection.
func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// SaveTransfer inserts one completed transfer row.
func (h *History) SaveTransfer(record TransferRecord) error {
	if record.FileID == "" {
		return errors.New("file_id is required")
	}
	if record.Filename == "" {
		return errors.New("filename is required")
	}
	if record.ReceivedAt == 0 {
		record.ReceivedAt = time.Now().UnixMilli()
	}

	_, err := h.db.Exec(
		`INSERT INTO transfers (
			file_id,
			filename,
			filesize,
			mime_type,
			saved_directly,
			stored_path,
			object_handle,
			received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.FileID,
		record.Filename,
		int64(record.Filesize),
		record.MimeType,
		boolToInt(record.SavedDirectly),
		record.StoredPath,
		record.ObjectHandle,
		record.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", record.FileID, err)
	}
	return nil
}

// GetTransfer returns one transfer row by file id.
func (h *History) GetTransfer(fileID string) (TransferRecord, error) {
	row := h.db.QueryRow(
		`SELECT file_id, filename, filesize, mime_type, saved_directly,
			stored_path, object_handle, received_at
		FROM transfers WHERE file_id = ?`, fileID)
	return scanTransfer(row)
}

// ListTransfers returns all transfer rows, newest first.
func (h *History) ListTransfers() ([]TransferRecord, error) {
	rows, err := h.db.Query(
		`SELECT file_id, filename, filesize, mime_type, saved_directly,
			stored_path, object_handle, received_at
		FROM transfers ORDER BY received_at DESC, file_id`)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []TransferRecord
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return records, nil
}

// ClearTransfers deletes every transfer row and returns the object handles
// that were attached to them, so the caller can revoke the in-memory objects
// in the same user action.
func (h *History) ClearTransfers() ([]string, error) {
	rows, err := h.db.Query(`SELECT object_handle FROM transfers WHERE object_handle != ''`)
	if err != nil {
		return nil, fmt.Errorf("query transfer handles: %w", err)
	}
	var handles []string
	for rows.Next() {
		var handle string
		if err := rows.Scan(&handle); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan transfer handle: %w", err)
		}
		handles = append(handles, handle)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate transfer handles: %w", err)
	}
	_ = rows.Close()

	if _, err := h.db.Exec(`DELETE FROM transfers`); err != nil {
		return nil, fmt.Errorf("clear transfers: %w", err)
	}
	return handles, nil
}

func (h *History) applyMigrations() error {
	var version int
	if err := h.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", len(migrations))); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (TransferRecord, error) {
	var (
		record        TransferRecord
		filesize      int64
		savedDirectly int
	)
	err := row.Scan(
		&record.FileID,
		&record.Filename,
		&filesize,
		&record.MimeType,
		&savedDirectly,
		&record.StoredPath,
		&record.ObjectHandle,
		&record.ReceivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return TransferRecord{}, ErrNotFound
	}
	if err != nil {
		return TransferRecord{}, fmt.Errorf("scan transfer: %w", err)
	}
	record.Filesize = uint64(filesize)
	record.SavedDirectly = savedDirectly != 0
	return record, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
