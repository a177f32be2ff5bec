package transfer

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// MessageChannel is a data channel the endpoint can both write to and
// receive from.
type MessageChannel interface {
	Channel
	OnMessage(handler func(data []byte, isText bool))
}

// Endpoint couples one sender and one receiver to a data channel. It is the
// single dispatch point: text frames are routed to typed control handlers,
// binary frames to the chunk handler, and a peer cancellation notice resets
// both halves.
type Endpoint struct {
	Sender   *Sender
	Receiver *Receiver

	logger *zap.Logger

	mu       sync.Mutex
	channel  MessageChannel
	handlers map[string]func(payload json.RawMessage)

	// OnRequestDecision observes the peer's answer to a consent request.
	OnRequestDecision func(accepted bool)
}

// NewEndpoint creates an endpoint around a sender/receiver pair.
func NewEndpoint(sender *Sender, receiver *Receiver, logger *zap.Logger) *Endpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Endpoint{Sender: sender, Receiver: receiver, logger: logger}
	e.handlers = map[string]func(json.RawMessage){
		MsgFileMetadata:         e.handleMetadata,
		MsgFileTransferComplete: e.handleComplete,
		MsgAllFilesComplete:     func(json.RawMessage) { receiver.HandleAllFilesComplete() },
		MsgFileTransferCancel:   func(json.RawMessage) { e.handlePeerCancel() },
		MsgFileRequest:          e.handleFileRequest,
		MsgFileRequestAccepted:  func(json.RawMessage) { e.decided(true) },
		MsgFileRequestRejected:  func(json.RawMessage) { e.decided(false) },
	}
	return e
}

// Attach binds the endpoint (and its sender) to an open data channel.
func (e *Endpoint) Attach(channel MessageChannel) {
	e.mu.Lock()
	e.channel = channel
	e.mu.Unlock()

	e.Sender.Attach(channel)
	channel.OnMessage(func(data []byte, isText bool) {
		if isText {
			e.dispatchControl(data)
			return
		}
		_ = e.Receiver.HandleChunk(data)
	})
}

// Detach unhooks the channel, dropping further frames.
func (e *Endpoint) Detach() {
	e.mu.Lock()
	channel := e.channel
	e.channel = nil
	e.mu.Unlock()

	if channel != nil {
		channel.OnMessage(func([]byte, bool) {})
	}
	e.Sender.Attach(nil)
}

// Cancel aborts both directions locally and notifies the peer best-effort.
func (e *Endpoint) Cancel() {
	e.Sender.Cancel()
	e.Receiver.HandleCancel()

	e.mu.Lock()
	channel := e.channel
	e.mu.Unlock()
	if channel == nil {
		return
	}
	text, err := EncodeControl(MsgFileTransferCancel, nil)
	if err != nil {
		return
	}
	if err := channel.SendText(text); err != nil {
		e.logger.Warn("cancel notice not delivered", zap.Error(err))
	}
}

func (e *Endpoint) dispatchControl(data []byte) {
	msg, err := DecodeControl(data)
	if err != nil {
		e.logger.Warn("dropping malformed control message", zap.Error(err))
		return
	}
	handler := e.handlers[msg.Type]
	if handler == nil {
		e.logger.Warn("unknown control message", zap.String("type", msg.Type))
		return
	}
	handler(msg.Payload)
}

func (e *Endpoint) handleMetadata(payload json.RawMessage) {
	var meta FileMetadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		e.logger.Warn("malformed file metadata", zap.Error(err))
		return
	}
	e.Receiver.HandleMetadata(meta)
}

func (e *Endpoint) handleComplete(payload json.RawMessage) {
	var complete CompletePayload
	if err := json.Unmarshal(payload, &complete); err != nil {
		e.logger.Warn("malformed completion payload", zap.Error(err))
		return
	}
	e.Receiver.HandleComplete(complete.FileID)
}

// handlePeerCancel clears transfer state on both sides of this endpoint.
func (e *Endpoint) handlePeerCancel() {
	e.Sender.HandlePeerCancel()
	e.Receiver.HandleCancel()
}

func (e *Endpoint) handleFileRequest(payload json.RawMessage) {
	var request FileRequestPayload
	if err := json.Unmarshal(payload, &request); err != nil {
		e.logger.Warn("malformed file request", zap.Error(err))
		return
	}

	reply := MsgFileRequestRejected
	if e.Receiver.DecideFileRequest(request.Files) {
		reply = MsgFileRequestAccepted
	}

	e.mu.Lock()
	channel := e.channel
	e.mu.Unlock()
	if channel == nil {
		return
	}
	text, err := EncodeControl(reply, nil)
	if err != nil {
		return
	}
	if err := channel.SendText(text); err != nil {
		e.logger.Warn("consent reply not delivered", zap.Error(err))
	}
}

func (e *Endpoint) decided(accepted bool) {
	if e.OnRequestDecision != nil {
		e.OnRequestDecision(accepted)
	}
}
