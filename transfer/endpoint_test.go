package transfer

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"peerdrop/storage"
)

// fakeMessageChannel extends the fake outbound channel with an injectable
// inbound side.
type fakeMessageChannel struct {
	fakeChannel
	handler func(data []byte, isText bool)
}

func (c *fakeMessageChannel) OnMessage(handler func(data []byte, isText bool)) {
	c.handler = handler
}

func (c *fakeMessageChannel) injectControl(t *testing.T, msgType string, payload any) {
	t.Helper()
	text, err := EncodeControl(msgType, payload)
	if err != nil {
		t.Fatalf("EncodeControl failed: %v", err)
	}
	c.handler([]byte(text), true)
}

func newTestEndpoint(t *testing.T) (*Endpoint, *fakeMessageChannel, *storage.ObjectStore) {
	t.Helper()
	objects := storage.NewObjectStore()
	receiver, err := NewReceiver(ReceiverOptions{Objects: objects})
	if err != nil {
		t.Fatalf("NewReceiver failed: %v", err)
	}
	endpoint := NewEndpoint(NewSender(SenderOptions{}), receiver, nil)
	channel := &fakeMessageChannel{}
	endpoint.Attach(channel)
	return endpoint, channel, objects
}

func TestEndpointRoutesFullReceiveFlow(t *testing.T) {
	endpoint, channel, objects := newTestEndpoint(t)

	fileID := uuid.NewString()
	data := []byte("routed through the endpoint")

	channel.injectControl(t, MsgFileMetadata, FileMetadata{
		ID: fileID, Name: "routed.txt", Size: uint64(len(data)), MimeType: "text/plain",
	})
	if got := endpoint.Receiver.Pending(); len(got) != 1 {
		t.Fatalf("pending = %+v, want one file", got)
	}
	if err := endpoint.Receiver.AcceptAndSaveFile(fileID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	frame, err := EncodeChunk(fileID, data)
	if err != nil {
		t.Fatalf("EncodeChunk failed: %v", err)
	}
	channel.handler(frame, false)

	channel.injectControl(t, MsgFileTransferComplete, CompletePayload{FileID: fileID})
	channel.injectControl(t, MsgAllFilesComplete, nil)

	completed := endpoint.Receiver.Completed()
	if len(completed) != 1 {
		t.Fatalf("completed = %d records, want 1", len(completed))
	}
	got, _, ok := objects.Get(completed[0].Handle)
	if !ok || !bytes.Equal(got, data) {
		t.Fatal("assembled object unreachable or corrupted")
	}
	if endpoint.Receiver.Status() != StatusIdle {
		t.Fatalf("status = %q, want idle", endpoint.Receiver.Status())
	}
}

func TestEndpointPeerCancelResetsBothSides(t *testing.T) {
	endpoint, channel, _ := newTestEndpoint(t)

	fileID := uuid.NewString()
	channel.injectControl(t, MsgFileMetadata, FileMetadata{ID: fileID, Name: "doomed.bin", Size: 100})
	channel.injectControl(t, MsgFileTransferCancel, nil)

	if got := endpoint.Receiver.Pending(); len(got) != 0 {
		t.Fatalf("pending after peer cancel = %+v, want none", got)
	}
	if endpoint.Receiver.Status() != StatusIdle {
		t.Fatalf("receiver status = %q, want idle", endpoint.Receiver.Status())
	}
	// The peer's notice must not be echoed back as another cancel.
	for _, msgType := range channel.textTypes(t) {
		if msgType == MsgFileTransferCancel {
			t.Fatal("peer cancel echoed back on the channel")
		}
	}
}

func TestEndpointAnswersFileRequest(t *testing.T) {
	tests := []struct {
		name   string
		accept bool
		want   string
	}{
		{"accepted", true, MsgFileRequestAccepted},
		{"rejected", false, MsgFileRequestRejected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			objects := storage.NewObjectStore()
			receiver, err := NewReceiver(ReceiverOptions{
				Objects:       objects,
				OnFileRequest: func([]FileSummary) bool { return tc.accept },
			})
			if err != nil {
				t.Fatalf("NewReceiver failed: %v", err)
			}
			endpoint := NewEndpoint(NewSender(SenderOptions{}), receiver, nil)
			channel := &fakeMessageChannel{}
			endpoint.Attach(channel)

			channel.injectControl(t, MsgFileRequest, FileRequestPayload{
				Files: []FileSummary{{Name: "offer.txt", Size: 9}},
			})

			types := channel.textTypes(t)
			if len(types) != 1 || types[0] != tc.want {
				t.Fatalf("reply = %v, want [%s]", types, tc.want)
			}
		})
	}
}

func TestEndpointRequestDecisionCallback(t *testing.T) {
	endpoint, channel, _ := newTestEndpoint(t)

	var decisions []bool
	endpoint.OnRequestDecision = func(accepted bool) { decisions = append(decisions, accepted) }

	channel.injectControl(t, MsgFileRequestAccepted, nil)
	channel.injectControl(t, MsgFileRequestRejected, nil)

	if len(decisions) != 2 || !decisions[0] || decisions[1] {
		t.Fatalf("decisions = %v, want [true false]", decisions)
	}
}

func TestEndpointDetachDropsFrames(t *testing.T) {
	endpoint, channel, _ := newTestEndpoint(t)
	endpoint.Detach()

	fileID := uuid.NewString()
	channel.handler([]byte("ignored"), true)
	frame, _ := EncodeChunk(fileID, []byte("ignored"))
	channel.handler(frame, false)

	if got := endpoint.Receiver.Pending(); len(got) != 0 {
		t.Fatalf("detached endpoint accumulated state: %+v", got)
	}
	if endpoint.Receiver.Status() != StatusIdle {
		t.Fatalf("status = %q, want idle", endpoint.Receiver.Status())
	}
}
