package session

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when no ICE servers are configured.
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

// WebRTCConfig controls the production transport.
type WebRTCConfig struct {
	STUNServers []string
}

// NewWebRTCFactory returns a TransportFactory backed by pion/webrtc.
func NewWebRTCFactory(config WebRTCConfig) TransportFactory {
	servers := config.STUNServers
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	rtcConfig := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	}

	return func() (PeerTransport, error) {
		pc, err := webrtc.NewPeerConnection(rtcConfig)
		if err != nil {
			return nil, fmt.Errorf("session: create peer connection: %w", err)
		}
		return &webrtcTransport{pc: pc}, nil
	}
}

type webrtcTransport struct {
	pc *webrtc.PeerConnection
}

func (t *webrtcTransport) CreateOffer() (Description, error) {
	desc, err := t.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create offer: %w", err)
	}
	return fromSessionDescription(desc), nil
}

func (t *webrtcTransport) CreateAnswer() (Description, error) {
	desc, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create answer: %w", err)
	}
	return fromSessionDescription(desc), nil
}

func (t *webrtcTransport) SetLocalDescription(desc Description) error {
	return t.pc.SetLocalDescription(toSessionDescription(desc))
}

func (t *webrtcTransport) SetRemoteDescription(desc Description) error {
	return t.pc.SetRemoteDescription(toSessionDescription(desc))
}

func (t *webrtcTransport) AddCandidate(candidate Candidate) error {
	err := t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
	if err != nil && strings.Contains(err.Error(), "remote description") {
		return ErrNoRemoteDescription
	}
	return err
}

func (t *webrtcTransport) SignalingState() SignalingState {
	switch t.pc.SignalingState() {
	case webrtc.SignalingStateStable:
		return SignalingStable
	case webrtc.SignalingStateHaveLocalOffer:
		return SignalingHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return SignalingHaveRemoteOffer
	case webrtc.SignalingStateHaveLocalPranswer:
		return SignalingHaveLocalPranswer
	default:
		return SignalingClosed
	}
}

func (t *webrtcTransport) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := t.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return &webrtcChannel{dc: dc}, nil
}

func (t *webrtcTransport) OnCandidate(handler func(Candidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End of candidate gathering.
			return
		}
		init := c.ToJSON()
		handler(Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (t *webrtcTransport) OnConnectionStateChange(handler func(ConnState)) {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnecting:
			handler(ConnConnecting)
		case webrtc.PeerConnectionStateConnected:
			handler(ConnConnected)
		case webrtc.PeerConnectionStateFailed:
			handler(ConnFailed)
		case webrtc.PeerConnectionStateDisconnected:
			handler(ConnDisconnected)
		case webrtc.PeerConnectionStateClosed:
			handler(ConnClosed)
		}
	})
}

func (t *webrtcTransport) OnDataChannel(handler func(DataChannel)) {
	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		handler(&webrtcChannel{dc: dc})
	})
}

func (t *webrtcTransport) Close() error {
	return t.pc.Close()
}

type webrtcChannel struct {
	dc *webrtc.DataChannel
}

func (c *webrtcChannel) Label() string {
	return c.dc.Label()
}

func (c *webrtcChannel) Send(data []byte) error {
	return c.dc.Send(data)
}

func (c *webrtcChannel) SendText(text string) error {
	return c.dc.SendText(text)
}

func (c *webrtcChannel) BufferedAmount() uint64 {
	return c.dc.BufferedAmount()
}

func (c *webrtcChannel) OnOpen(handler func()) {
	c.dc.OnOpen(handler)
}

func (c *webrtcChannel) OnClose(handler func()) {
	c.dc.OnClose(handler)
}

func (c *webrtcChannel) OnMessage(handler func(data []byte, isText bool)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		handler(msg.Data, msg.IsString)
	})
}

func (c *webrtcChannel) Close() error {
	return c.dc.Close()
}

func toSessionDescription(desc Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}
}

func fromSessionDescription(desc webrtc.SessionDescription) Description {
	return Description{Type: desc.Type.String(), SDP: desc.SDP}
}
