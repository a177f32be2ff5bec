package signal

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// roomMember is one connected party inside a room.
type roomMember struct {
	conn    net.Conn
	writeMu sync.Mutex
	// initiator is assigned to the first joiner of a room.
	initiator bool
}

func (m *roomMember) send(env Envelope) error {
	line, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if _, err := m.conn.Write(line); err != nil {
		return fmt.Errorf("write to room member: %w", err)
	}
	return nil
}

// room holds at most two members identified by join order.
type room struct {
	members []*roomMember
}

func (r *room) other(self *roomMember) *roomMember {
	for _, member := range r.members {
		if member != self {
			return member
		}
	}
	return nil
}

// Server is the rendezvous relay: it pairs two parties by room code, assigns
// the initiator role to the first joiner, and relays offer/answer/candidate
// envelopes verbatim between them.
type Server struct {
	listener net.Listener
	logger   *zap.Logger

	roomMu sync.Mutex
	rooms  map[string]*room

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// ListenRelay starts the relay on a TCP address (":0" picks a free port).
func ListenRelay(address string, logger *zap.Logger) (*Server, error) {
	if address == "" {
		address = ":0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		logger:   logger,
		rooms:    make(map[string]*room),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting and drops all room connections.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.roomMu.Lock()
		for _, r := range s.rooms {
			for _, member := range r.members {
				_ = member.conn.Close()
			}
		}
		s.rooms = make(map[string]*room)
		s.roomMu.Unlock()
	})
	s.wg.Wait()
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var (
		member   *roomMember
		roomCode string
	)
	defer func() {
		if member != nil {
			s.leaveRoom(roomCode, member)
		}
		_ = conn.Close()
	}()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := DecodeEnvelope(line)
		if err != nil {
			s.logger.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}

		if member == nil {
			if env.Type != TypeJoin || env.RoomCode == "" {
				s.logger.Warn("first envelope must join a room",
					zap.String("type", env.Type))
				return
			}
			joined, isFull := s.joinRoom(env.RoomCode, conn)
			if isFull {
				full := &roomMember{conn: conn}
				_ = full.send(Envelope{Type: TypeRoomFull, RoomCode: env.RoomCode})
				return
			}
			member = joined
			roomCode = env.RoomCode
			continue
		}

		switch env.Type {
		case TypeOffer, TypeAnswer, TypeCandidate:
			s.relay(roomCode, member, env)
		case TypeJoin:
			// Re-join after reconnect is already satisfied; ignore.
		default:
			s.logger.Warn("ignoring unexpected envelope",
				zap.String("type", env.Type), zap.String("room", roomCode))
		}
	}
}

// joinRoom adds a connection to a room. The first joiner becomes initiator;
// when the second arrives, both sides are told the peer is present along with
// their assigned role.
func (s *Server) joinRoom(roomCode string, conn net.Conn) (*roomMember, bool) {
	s.roomMu.Lock()
	r := s.rooms[roomCode]
	if r == nil {
		r = &room{}
		s.rooms[roomCode] = r
	}
	if len(r.members) >= 2 {
		s.roomMu.Unlock()
		return nil, true
	}

	member := &roomMember{conn: conn, initiator: len(r.members) == 0}
	r.members = append(r.members, member)
	paired := len(r.members) == 2
	var peers []*roomMember
	if paired {
		peers = append(peers, r.members...)
	}
	s.roomMu.Unlock()

	s.logger.Info("joined room",
		zap.String("room", roomCode), zap.Bool("initiator", member.initiator))

	if paired {
		for _, peer := range peers {
			payload, err := MarshalPayload(PeerConnectedPayload{IsInitiator: peer.initiator})
			if err != nil {
				continue
			}
			if err := peer.send(Envelope{
				Type:     TypePeerConnected,
				Payload:  payload,
				RoomCode: roomCode,
			}); err != nil {
				s.logger.Warn("notify peer-connected failed", zap.Error(err))
			}
		}
	}
	return member, false
}

func (s *Server) leaveRoom(roomCode string, member *roomMember) {
	s.roomMu.Lock()
	r := s.rooms[roomCode]
	var remaining *roomMember
	if r != nil {
		remaining = r.other(member)
		kept := r.members[:0]
		for _, m := range r.members {
			if m != member {
				kept = append(kept, m)
			}
		}
		r.members = kept
		if len(r.members) == 0 {
			delete(s.rooms, roomCode)
		}
	}
	s.roomMu.Unlock()

	if remaining != nil {
		if err := remaining.send(Envelope{Type: TypePeerDisconnected, RoomCode: roomCode}); err != nil {
			s.logger.Warn("notify peer-disconnected failed", zap.Error(err))
		}
	}
	s.logger.Info("left room", zap.String("room", roomCode))
}

// relay forwards one envelope verbatim to the other room member.
func (s *Server) relay(roomCode string, from *roomMember, env Envelope) {
	s.roomMu.Lock()
	r := s.rooms[roomCode]
	var to *roomMember
	if r != nil {
		to = r.other(from)
	}
	s.roomMu.Unlock()

	if to == nil {
		s.logger.Warn("no peer to relay to",
			zap.String("room", roomCode), zap.String("type", env.Type))
		return
	}
	if err := to.send(env); err != nil {
		s.logger.Warn("relay failed",
			zap.String("room", roomCode), zap.String("type", env.Type), zap.Error(err))
	}
}
