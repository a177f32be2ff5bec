package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"peerdrop/signal"
)

// DefaultChannelLabel names the data channel carrying file traffic.
const DefaultChannelLabel = "fileTransfer"

// Role is the rendezvous-assigned negotiation role.
type Role int

const (
	RoleUnknown Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// Session is the mutable state of one peer-connection attempt. It has a
// single owner (the Machine) and no shadow copies; every handler re-reads it
// under the machine lock.
type Session struct {
	Role         Role
	ConnState    ConnState
	ChannelState ChannelState
	// OfferSent guards against more than one outstanding local offer.
	OfferSent bool
}

// Relay is the outbound half of the rendezvous channel.
type Relay interface {
	Send(env signal.Envelope) error
}

// MachineOptions configures a negotiation machine.
type MachineOptions struct {
	Relay        Relay
	Transport    TransportFactory
	ChannelLabel string
	Logger       *zap.Logger

	// OnChannelOpen fires when the data channel transitions to open,
	// regardless of which side created it.
	OnChannelOpen func(DataChannel)
	// OnStateChange observes connection state transitions.
	OnStateChange func(ConnState)
}

// Machine owns the lifecycle of the peer connection: description exchange,
// candidate relay, glare resolution, and teardown/reinit. All relay-driven
// events funnel through it one at a time.
type Machine struct {
	mu      sync.Mutex
	options MachineOptions
	logger  *zap.Logger

	session   Session
	transport PeerTransport
	channel   DataChannel

	// gen identifies the current transport instance; callbacks registered
	// against an older instance are discarded after reinit.
	gen uint64
}

// NewMachine creates a negotiation machine. The transport factory is invoked
// once per Initialize call.
func NewMachine(options MachineOptions) (*Machine, error) {
	if options.Relay == nil {
		return nil, errors.New("session: relay is required")
	}
	if options.Transport == nil {
		return nil, errors.New("session: transport factory is required")
	}
	if options.ChannelLabel == "" {
		options.ChannelLabel = DefaultChannelLabel
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	return &Machine{
		options: options,
		logger:  options.Logger,
		session: Session{ConnState: ConnIdle, ChannelState: ChannelClosed},
	}, nil
}

// Bind subscribes the machine to the relay client's envelope stream and hooks
// relay-loss to a full reset.
func (m *Machine) Bind(client *signal.Client) {
	client.Subscribe(signal.TypePeerConnected, func(env signal.Envelope) {
		var payload signal.PeerConnectedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			m.logger.Warn("malformed peer-connected payload", zap.Error(err))
			return
		}
		m.HandlePeerConnected(payload.IsInitiator)
	})
	client.Subscribe(signal.TypeOffer, func(env signal.Envelope) {
		desc, err := decodeDescription(env.Payload)
		if err != nil {
			m.logger.Warn("malformed offer payload", zap.Error(err))
			return
		}
		m.HandleOffer(desc)
	})
	client.Subscribe(signal.TypeAnswer, func(env signal.Envelope) {
		desc, err := decodeDescription(env.Payload)
		if err != nil {
			m.logger.Warn("malformed answer payload", zap.Error(err))
			return
		}
		m.HandleAnswer(desc)
	})
	client.Subscribe(signal.TypeCandidate, func(env signal.Envelope) {
		var candidate Candidate
		if err := json.Unmarshal(env.Payload, &candidate); err != nil {
			m.logger.Warn("malformed candidate payload", zap.Error(err))
			return
		}
		m.HandleCandidate(candidate)
	})
	client.Subscribe(signal.TypePeerDisconnected, func(signal.Envelope) {
		m.HandlePeerDisconnected()
	})
}

// Snapshot returns a copy of the current session state.
func (m *Machine) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// HandlePeerConnected records the rendezvous-assigned role and builds a fresh
// transport for this attempt.
func (m *Machine) HandlePeerConnected(isInitiator bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if isInitiator {
		m.session.Role = RoleInitiator
	} else {
		m.session.Role = RoleResponder
	}
	m.logger.Info("peer connected", zap.String("role", m.session.Role.String()))
	m.initializeLocked()
}

// Initialize tears down any existing transport and constructs a new one. The
// initiator creates the data channel locally; the responder adopts the one
// announced through the transport.
func (m *Machine) Initialize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initializeLocked()
}

func (m *Machine) initializeLocked() {
	m.dropTransportLocked()

	m.session.OfferSent = false
	m.session.ChannelState = ChannelClosed
	m.setConnStateLocked(ConnConnecting)

	transport, err := m.options.Transport()
	if err != nil {
		m.logger.Error("transport construction failed", zap.Error(err))
		m.setConnStateLocked(ConnFailed)
		return
	}
	m.transport = transport
	m.gen++
	gen := m.gen

	transport.OnCandidate(func(candidate Candidate) {
		m.relayCandidate(gen, candidate)
	})
	transport.OnConnectionStateChange(func(state ConnState) {
		m.transportStateChanged(gen, state)
	})
	transport.OnDataChannel(func(channel DataChannel) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen {
			return
		}
		m.adoptChannelLocked(gen, channel)
	})

	if m.session.Role == RoleInitiator {
		channel, err := transport.CreateDataChannel(m.options.ChannelLabel)
		if err != nil {
			m.logger.Error("data channel creation failed", zap.Error(err))
			m.setConnStateLocked(ConnFailed)
			return
		}
		m.adoptChannelLocked(gen, channel)
		m.createOfferLocked()
	}
}

// CreateOffer produces, applies, and relays a local offer. It is a no-op
// unless this party is the initiator, no offer is outstanding, and the
// transport is in the stable signaling state.
func (m *Machine) CreateOffer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createOfferLocked()
}

func (m *Machine) createOfferLocked() {
	if m.session.Role != RoleInitiator || m.session.OfferSent || m.transport == nil {
		return
	}
	if m.transport.SignalingState() != SignalingStable {
		return
	}

	m.session.OfferSent = true
	if err := m.sendLocalDescriptionLocked(signal.TypeOffer, m.transport.CreateOffer); err != nil {
		// Clearing the guard keeps a later retry possible.
		m.session.OfferSent = false
		m.logger.Error("offer failed", zap.Error(err))
		return
	}
	m.setConnStateLocked(ConnNegotiating)
}

// HandleOffer applies a relayed remote offer, resolving glare by role: the
// initiator discards the incoming offer in favor of its own, the responder
// rolls back its pending offer and yields.
func (m *Machine) HandleOffer(remote Description) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport == nil {
		return
	}
	switch state := m.transport.SignalingState(); state {
	case SignalingHaveRemoteOffer, SignalingHaveLocalPranswer:
		m.logger.Warn("ignoring duplicate offer", zap.String("state", string(state)))
		return
	case SignalingStable:
	case SignalingHaveLocalOffer:
		if m.session.Role == RoleInitiator {
			m.logger.Info("glare: keeping local offer, discarding remote")
			return
		}
		m.logger.Info("glare: rolling back local offer")
		if err := m.transport.SetLocalDescription(DescriptionRollback); err != nil {
			m.logger.Error("rollback failed", zap.Error(err))
			return
		}
	default:
		m.logger.Warn("ignoring offer in unexpected state", zap.String("state", string(state)))
		return
	}

	if err := m.transport.SetRemoteDescription(remote); err != nil {
		m.logger.Error("apply remote offer failed", zap.Error(err))
		return
	}
	if err := m.sendLocalDescriptionLocked(signal.TypeAnswer, m.transport.CreateAnswer); err != nil {
		m.logger.Error("answer failed", zap.Error(err))
		return
	}

	// Becoming the answerer voids any pending local offer intent.
	m.session.OfferSent = false
	m.setConnStateLocked(ConnNegotiating)
}

// HandleAnswer applies a relayed remote answer. Only the initiator with a
// pending local offer consumes it; it never triggers a new offer.
func (m *Machine) HandleAnswer(remote Description) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport == nil || m.session.Role != RoleInitiator {
		return
	}
	if m.transport.SignalingState() != SignalingHaveLocalOffer {
		return
	}
	if err := m.transport.SetRemoteDescription(remote); err != nil {
		m.logger.Error("apply remote answer failed", zap.Error(err))
	}
}

// HandleCandidate applies a relayed address candidate. A candidate arriving
// before the remote description is an expected race and is suppressed.
func (m *Machine) HandleCandidate(candidate Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport == nil || candidate.Empty() {
		return
	}
	if err := m.transport.AddCandidate(candidate); err != nil {
		if errors.Is(err, ErrNoRemoteDescription) {
			m.logger.Debug("candidate before remote description, dropped")
			return
		}
		m.logger.Error("apply candidate failed", zap.Error(err))
	}
}

// HandlePeerDisconnected discards the transport and channel and returns the
// session to its initial state, role included.
func (m *Machine) HandlePeerDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("peer disconnected")
	m.resetLocked()
}

// Reset is HandlePeerDisconnected without a peer notification; it also runs
// when relay connectivity is lost mid-session.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// Close releases the transport. The machine is not reusable afterwards.
func (m *Machine) Close() error {
	m.Reset()
	return nil
}

func (m *Machine) resetLocked() {
	m.dropTransportLocked()
	m.session = Session{
		Role:         RoleUnknown,
		ConnState:    ConnIdle,
		ChannelState: ChannelClosed,
	}
	if m.options.OnStateChange != nil {
		m.options.OnStateChange(ConnIdle)
	}
}

func (m *Machine) dropTransportLocked() {
	// Bumping gen detaches all callbacks registered against the old
	// transport before it is closed.
	m.gen++
	if m.channel != nil {
		_ = m.channel.Close()
		m.channel = nil
	}
	if m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}
}

func (m *Machine) adoptChannelLocked(gen uint64, channel DataChannel) {
	m.channel = channel
	m.session.ChannelState = ChannelOpening

	channel.OnOpen(func() {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.session.ChannelState = ChannelOpen
		handler := m.options.OnChannelOpen
		m.mu.Unlock()

		m.logger.Info("data channel open", zap.String("label", channel.Label()))
		if handler != nil {
			handler(channel)
		}
	})
	channel.OnClose(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen {
			return
		}
		m.session.ChannelState = ChannelClosed
	})
}

func (m *Machine) sendLocalDescriptionLocked(envType string, produce func() (Description, error)) error {
	desc, err := produce()
	if err != nil {
		return fmt.Errorf("create %s: %w", envType, err)
	}
	if err := m.transport.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("apply local %s: %w", envType, err)
	}
	payload, err := signal.MarshalPayload(desc)
	if err != nil {
		return err
	}
	if err := m.options.Relay.Send(signal.Envelope{Type: envType, Payload: payload}); err != nil {
		return fmt.Errorf("relay %s: %w", envType, err)
	}
	return nil
}

func (m *Machine) relayCandidate(gen uint64, candidate Candidate) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	relay := m.options.Relay
	m.mu.Unlock()

	if candidate.Empty() {
		return
	}
	payload, err := signal.MarshalPayload(candidate)
	if err != nil {
		m.logger.Error("marshal candidate failed", zap.Error(err))
		return
	}
	if err := relay.Send(signal.Envelope{Type: signal.TypeCandidate, Payload: payload}); err != nil {
		m.logger.Warn("relay candidate failed", zap.Error(err))
	}
}

func (m *Machine) transportStateChanged(gen uint64, state ConnState) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.session.ConnState = state
	handler := m.options.OnStateChange
	m.mu.Unlock()

	m.logger.Info("connection state", zap.String("state", string(state)))
	if handler != nil {
		handler(state)
	}
}

func (m *Machine) setConnStateLocked(state ConnState) {
	m.session.ConnState = state
	if m.options.OnStateChange != nil {
		m.options.OnStateChange(state)
	}
}

func decodeDescription(payload json.RawMessage) (Description, error) {
	var desc Description
	if err := json.Unmarshal(payload, &desc); err != nil {
		return Description{}, fmt.Errorf("decode description: %w", err)
	}
	return desc, nil
}
