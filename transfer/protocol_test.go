package transfer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestEncodeChunkPadsShortFileID(t *testing.T) {
	payload := []byte("hello")
	frame, err := EncodeChunk("abc", payload)
	if err != nil {
		t.Fatalf("EncodeChunk failed: %v", err)
	}
	if len(frame) != FileIDFieldSize+len(payload) {
		t.Fatalf("frame length = %d, want %d", len(frame), FileIDFieldSize+len(payload))
	}

	wantHeader := "abc" + strings.Repeat(" ", FileIDFieldSize-3)
	if got := string(frame[:FileIDFieldSize]); got != wantHeader {
		t.Fatalf("id field = %q, want %q", got, wantHeader)
	}
	if !bytes.Equal(frame[FileIDFieldSize:], payload) {
		t.Fatalf("payload = %q, want %q", frame[FileIDFieldSize:], payload)
	}
}

func TestChunkRoundTripWithUUID(t *testing.T) {
	fileID := uuid.NewString()
	if len(fileID) != FileIDFieldSize {
		t.Fatalf("uuid width = %d, want %d", len(fileID), FileIDFieldSize)
	}

	payload := bytes.Repeat([]byte{0xAB}, 1024)
	frame, err := EncodeChunk(fileID, payload)
	if err != nil {
		t.Fatalf("EncodeChunk failed: %v", err)
	}

	gotID, gotPayload, err := DecodeChunk(frame)
	if err != nil {
		t.Fatalf("DecodeChunk failed: %v", err)
	}
	if gotID != fileID {
		t.Fatalf("file id = %q, want %q", gotID, fileID)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch after round trip")
	}
}

func TestEncodeChunkRejectsOversizedFileID(t *testing.T) {
	longID := strings.Repeat("x", FileIDFieldSize+1)
	if _, err := EncodeChunk(longID, []byte("data")); err != ErrFileIDTooLong {
		t.Fatalf("error = %v, want ErrFileIDTooLong", err)
	}
}

func TestDecodeChunkRejectsShortFrames(t *testing.T) {
	for _, size := range []int{0, 1, 35, FileIDFieldSize} {
		frame := bytes.Repeat([]byte{'a'}, size)
		if _, _, err := DecodeChunk(frame); err != ErrChunkTooShort {
			t.Fatalf("size %d: error = %v, want ErrChunkTooShort", size, err)
		}
	}

	frame := append(bytes.Repeat([]byte{'a'}, FileIDFieldSize), 'b')
	fileID, payload, err := DecodeChunk(frame)
	if err != nil {
		t.Fatalf("minimal frame rejected: %v", err)
	}
	if fileID != strings.Repeat("a", FileIDFieldSize) || len(payload) != 1 {
		t.Fatalf("minimal frame decoded as (%q, %d bytes)", fileID, len(payload))
	}
}

func TestControlMessageRoundTrip(t *testing.T) {
	meta := FileMetadata{
		ID:       uuid.NewString(),
		Name:     "report.pdf",
		Size:     1234,
		MimeType: "application/pdf",
	}
	text, err := EncodeControl(MsgFileMetadata, meta)
	if err != nil {
		t.Fatalf("EncodeControl failed: %v", err)
	}

	msg, err := DecodeControl([]byte(text))
	if err != nil {
		t.Fatalf("DecodeControl failed: %v", err)
	}
	if msg.Type != MsgFileMetadata {
		t.Fatalf("type = %q, want %q", msg.Type, MsgFileMetadata)
	}
}

func TestDecodeControlRequiresType(t *testing.T) {
	if _, err := DecodeControl([]byte(`{"payload":{}}`)); err == nil {
		t.Fatal("expected error for control message without type")
	}
	if _, err := DecodeControl([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed control message")
	}
}
