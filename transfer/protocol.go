package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// ChunkSize is the fixed read window for outbound file chunks (64 KiB).
	ChunkSize = 64 * 1024
	// FileIDFieldSize is the fixed width of the chunk file-id field. File ids
	// are UUID strings, which fill the field exactly; shorter ids are
	// left-justified and space-padded.
	FileIDFieldSize = 36
	// BufferedHighWater defers sends while the channel's outstanding buffered
	// byte count exceeds it.
	BufferedHighWater = 8 * ChunkSize

	// DefaultRetryDelay is the backpressure poll interval.
	DefaultRetryDelay = 50 * time.Millisecond
	// DefaultInterFileDelay lets the channel drain between queued files.
	DefaultInterFileDelay = 100 * time.Millisecond
)

const (
	MsgFileMetadata         = "file-metadata"
	MsgFileTransferComplete = "file-transfer-complete"
	MsgAllFilesComplete     = "all-files-complete"
	MsgFileTransferCancel   = "file-transfer-cancel"
	MsgFileRequest          = "file-request"
	MsgFileRequestAccepted  = "file-request-accepted"
	MsgFileRequestRejected  = "file-request-rejected"
)

var (
	// ErrChunkTooShort indicates a binary frame too small to carry a file id.
	ErrChunkTooShort = errors.New("transfer: chunk shorter than file id field")
	// ErrFileIDTooLong indicates a file id wider than the fixed id field.
	ErrFileIDTooLong = errors.New("transfer: file id exceeds field width")
	// ErrCancelled indicates the batch was cancelled mid-transfer.
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrBusy indicates a send batch is already in flight.
	ErrBusy = errors.New("transfer: a batch is already in flight")
	// ErrNoChannel indicates no data channel is attached.
	ErrNoChannel = errors.New("transfer: data channel is not open")
)

// Status is the coarse transfer state exposed to the presentation layer.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSending   Status = "sending"
	StatusReceiving Status = "receiving"
)

// ControlMessage is the JSON text envelope exchanged on the data channel.
type ControlMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FileMetadata announces one file ahead of its chunks.
type FileMetadata struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     uint64 `json:"size"`
	MimeType string `json:"mimeType"`
}

// CompletePayload names the finished file.
type CompletePayload struct {
	FileID string `json:"fileId"`
}

// FileSummary is one entry of a consent request.
type FileSummary struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size uint64 `json:"size"`
}

// FileRequestPayload asks the peer to approve an upcoming batch.
type FileRequestPayload struct {
	Files []FileSummary `json:"files"`
}

// EncodeControl marshals a control envelope to its text wire form.
func EncodeControl(msgType string, payload any) (string, error) {
	msg := ControlMessage{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal control message: %w", err)
	}
	return string(raw), nil
}

// DecodeControl unmarshals one text message into a control envelope.
func DecodeControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("decode control message: %w", err)
	}
	if msg.Type == "" {
		return ControlMessage{}, errors.New("transfer: control message without type")
	}
	return msg, nil
}

// EncodeChunk frames one payload window: a fixed-width space-padded file id
// followed by the payload bytes.
func EncodeChunk(fileID string, payload []byte) ([]byte, error) {
	if len(fileID) > FileIDFieldSize {
		return nil, ErrFileIDTooLong
	}
	frame := make([]byte, FileIDFieldSize+len(payload))
	copy(frame, fileID)
	for i := len(fileID); i < FileIDFieldSize; i++ {
		frame[i] = ' '
	}
	copy(frame[FileIDFieldSize:], payload)
	return frame, nil
}

// DecodeChunk splits a binary frame into file id and payload. Frames that
// cannot carry both the id field and at least one payload byte are malformed.
func DecodeChunk(frame []byte) (string, []byte, error) {
	if len(frame) <= FileIDFieldSize {
		return "", nil, ErrChunkTooShort
	}
	fileID := strings.TrimRight(string(frame[:FileIDFieldSize]), " ")
	return fileID, frame[FileIDFieldSize:], nil
}
