package signal

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeJoin             = "join"
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeCandidate        = "candidate"
	TypePeerConnected    = "peer-connected"
	TypePeerDisconnected = "peer-disconnected"
	TypeRoomFull         = "room-full"
)

var (
	// ErrInvalidEnvelope indicates the envelope type is missing or unknown.
	ErrInvalidEnvelope = errors.New("signal: invalid envelope")
	// ErrRoomFull indicates a third party tried to join a two-party room.
	ErrRoomFull = errors.New("signal: room is full")
)

// Envelope is the opaque relay transport unit. Payload is relayed verbatim;
// only Type and RoomCode are interpreted by the relay itself.
type Envelope struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	RoomCode string          `json:"roomCode,omitempty"`
}

// PeerConnectedPayload assigns the offerer role when both parties are present.
type PeerConnectedPayload struct {
	IsInitiator bool `json:"isInitiator"`
}

// EncodeEnvelope marshals an envelope as one JSON line (newline included).
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrInvalidEnvelope
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return append(raw, '\n'), nil
}

// DecodeEnvelope unmarshals one JSON line into an envelope.
func DecodeEnvelope(line []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrInvalidEnvelope
	}
	return env, nil
}

// MarshalPayload marshals a typed payload into an envelope payload field.
func MarshalPayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}
