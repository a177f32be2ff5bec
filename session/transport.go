package session

import "errors"

// ErrNoRemoteDescription marks the expected race where an address candidate
// arrives before a remote description has been applied. Machine handlers
// suppress it; all other candidate failures are surfaced.
var ErrNoRemoteDescription = errors.New("session: remote description not set")

// SignalingState mirrors the transport's description-negotiation state.
type SignalingState string

const (
	SignalingStable            SignalingState = "stable"
	SignalingHaveLocalOffer    SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer   SignalingState = "have-remote-offer"
	SignalingHaveLocalPranswer SignalingState = "have-local-pranswer"
	SignalingClosed            SignalingState = "closed"
)

// ConnState tracks the peer connection lifecycle.
type ConnState string

const (
	ConnIdle         ConnState = "idle"
	ConnConnecting   ConnState = "connecting"
	ConnNegotiating  ConnState = "negotiating"
	ConnConnected    ConnState = "connected"
	ConnFailed       ConnState = "failed"
	ConnDisconnected ConnState = "disconnected"
	ConnClosed       ConnState = "closed"
)

// ChannelState tracks the data channel lifecycle.
type ChannelState string

const (
	ChannelClosed  ChannelState = "closed"
	ChannelOpening ChannelState = "opening"
	ChannelOpen    ChannelState = "open"
)

// Description is a session capability/address descriptor exchanged through
// the relay. Type is "offer", "answer", "pranswer" or "rollback".
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// DescriptionRollback discards a pending local offer and returns the
// transport to the stable signaling state.
var DescriptionRollback = Description{Type: "rollback"}

// Candidate is one discovered network address candidate.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Empty reports whether the candidate carries no address data. An empty
// candidate marks end-of-gathering and is never applied or relayed.
func (c Candidate) Empty() bool {
	return c.Candidate == ""
}

// PeerTransport is the network-address-negotiation primitive underneath the
// state machine. It supplies a reliable, ordered, message-oriented duplex
// channel once negotiation completes.
type PeerTransport interface {
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(desc Description) error
	SetRemoteDescription(desc Description) error
	AddCandidate(candidate Candidate) error
	SignalingState() SignalingState

	CreateDataChannel(label string) (DataChannel, error)

	OnCandidate(handler func(Candidate))
	OnConnectionStateChange(handler func(ConnState))
	OnDataChannel(handler func(DataChannel))

	Close() error
}

// DataChannel is the duplex channel produced by a completed negotiation.
// Binary messages carry file chunks; text messages carry JSON control
// envelopes.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	SendText(text string) error
	BufferedAmount() uint64

	OnOpen(handler func())
	OnClose(handler func())
	OnMessage(handler func(data []byte, isText bool))

	Close() error
}

// TransportFactory constructs a fresh transport for each connection attempt.
type TransportFactory func() (PeerTransport, error)
