package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	history, dbPath, err := OpenHistory(t.TempDir())
	if err != nil {
		t.Fatalf("OpenHistory failed: %v", err)
	}
	t.Cleanup(func() { _ = history.Close() })
	if filepath.Base(dbPath) != DefaultDBFileName {
		t.Fatalf("db path = %q", dbPath)
	}
	return history
}

func TestHistorySaveAndGet(t *testing.T) {
	history := openTestHistory(t)

	record := TransferRecord{
		FileID:        uuid.NewString(),
		Filename:      "notes.txt",
		Filesize:      42,
		MimeType:      "text/plain",
		SavedDirectly: true,
		StoredPath:    "/downloads/notes.txt",
		ReceivedAt:    1700000000000,
	}
	if err := history.SaveTransfer(record); err != nil {
		t.Fatalf("SaveTransfer failed: %v", err)
	}

	got, err := history.GetTransfer(record.FileID)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got != record {
		t.Fatalf("round trip = %+v, want %+v", got, record)
	}
}

func TestHistoryValidatesRequiredFields(t *testing.T) {
	history := openTestHistory(t)

	if err := history.SaveTransfer(TransferRecord{Filename: "x"}); err == nil {
		t.Fatal("missing file id accepted")
	}
	if err := history.SaveTransfer(TransferRecord{FileID: uuid.NewString()}); err == nil {
		t.Fatal("missing filename accepted")
	}
}

func TestHistoryGetUnknown(t *testing.T) {
	history := openTestHistory(t)
	if _, err := history.GetTransfer(uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestHistoryListNewestFirst(t *testing.T) {
	history := openTestHistory(t)

	times := []int64{100, 300, 200}
	for i, at := range times {
		err := history.SaveTransfer(TransferRecord{
			FileID:     uuid.NewString(),
			Filename:   "f",
			ReceivedAt: at,
		})
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	records, err := history.ListTransfers()
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len = %d, want 3", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].ReceivedAt > records[i-1].ReceivedAt {
			t.Fatalf("records out of order: %d before %d",
				records[i-1].ReceivedAt, records[i].ReceivedAt)
		}
	}
}

func TestHistoryClearReturnsHandles(t *testing.T) {
	history := openTestHistory(t)

	handle := uuid.NewString()
	if err := history.SaveTransfer(TransferRecord{
		FileID: uuid.NewString(), Filename: "buffered.bin", ObjectHandle: handle,
	}); err != nil {
		t.Fatalf("save buffered: %v", err)
	}
	if err := history.SaveTransfer(TransferRecord{
		FileID: uuid.NewString(), Filename: "streamed.bin", SavedDirectly: true,
	}); err != nil {
		t.Fatalf("save streamed: %v", err)
	}

	handles, err := history.ClearTransfers()
	if err != nil {
		t.Fatalf("ClearTransfers failed: %v", err)
	}
	if len(handles) != 1 || handles[0] != handle {
		t.Fatalf("handles = %v, want the buffered one only", handles)
	}

	records, err := history.ListTransfers()
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records after clear = %d, want 0", len(records))
	}
}

func TestHistoryReopenKeepsSchema(t *testing.T) {
	dir := t.TempDir()
	history, dbPath, err := OpenHistory(dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	record := TransferRecord{FileID: uuid.NewString(), Filename: "kept.txt", ReceivedAt: 1}
	if err := history.SaveTransfer(record); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := history.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
	reopened, err := OpenHistoryPath(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetTransfer(record.FileID); err != nil {
		t.Fatalf("record lost across reopen: %v", err)
	}
}
