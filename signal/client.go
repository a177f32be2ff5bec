package signal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	// DefaultDialTimeout bounds each relay connection attempt.
	DefaultDialTimeout = 10 * time.Second
	// DefaultMaxReconnectAttempts bounds the reconnect retry sequence.
	DefaultMaxReconnectAttempts = 5
	// DefaultMaxReconnectInterval caps the exponential reconnect backoff.
	DefaultMaxReconnectInterval = 30 * time.Second
	// maxLineSize bounds one relayed envelope line (SDP blobs included).
	maxLineSize = 1 << 20
)

// ClientOptions configures a relay client.
type ClientOptions struct {
	DialTimeout          time.Duration
	MaxReconnectAttempts uint64
	MaxReconnectInterval time.Duration
	Logger               *zap.Logger

	// OnDown fires when relay connectivity is lost, before any reconnect
	// attempt. Session state should reset to idle here.
	OnDown func()
	// OnUp fires after the initial connect and after every successful
	// reconnect (room re-joined).
	OnUp func()
	// OnRoomFull fires when the join is rejected because the room already
	// holds two peers. The client does not reconnect after a rejection.
	OnRoomFull func()
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.MaxReconnectAttempts == 0 {
		out.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if out.MaxReconnectInterval <= 0 {
		out.MaxReconnectInterval = DefaultMaxReconnectInterval
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Client exchanges line-delimited JSON envelopes with a relay over TCP and
// dispatches inbound envelopes to typed subscribers.
type Client struct {
	addr     string
	roomCode string
	options  ClientOptions
	logger   *zap.Logger

	connMu sync.Mutex
	conn   net.Conn

	handlerMu sync.RWMutex
	handlers  map[string][]func(Envelope)

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Dial connects to a relay, joins the room, and starts the read loop.
func Dial(addr, roomCode string, options ClientOptions) (*Client, error) {
	if addr == "" {
		return nil, errors.New("signal: relay address is required")
	}
	if roomCode == "" {
		return nil, errors.New("signal: room code is required")
	}

	client := &Client{
		addr:     addr,
		roomCode: roomCode,
		options:  options.withDefaults(),
		handlers: make(map[string][]func(Envelope)),
		closed:   make(chan struct{}),
	}
	client.logger = client.options.Logger

	conn, err := client.connect()
	if err != nil {
		return nil, err
	}
	client.setConn(conn)

	client.wg.Add(1)
	go client.readLoop(conn)

	if client.options.OnUp != nil {
		client.options.OnUp()
	}
	return client, nil
}

// RoomCode returns the joined room code.
func (c *Client) RoomCode() string {
	return c.roomCode
}

// Subscribe registers a handler for one envelope type. Handlers run on the
// read loop goroutine, one envelope at a time.
func (c *Client) Subscribe(msgType string, handler func(Envelope)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], handler)
}

// Send writes one envelope to the relay. The room code is filled in when
// absent.
func (c *Client) Send(env Envelope) error {
	if env.RoomCode == "" {
		env.RoomCode = c.roomCode
	}
	line, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errors.New("signal: relay connection is down")
	}
	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Close terminates the relay connection and stops reconnecting.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.connMu.Unlock()
	})
	c.wg.Wait()
	return nil
}

func (c *Client) connect() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.options.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial relay %q: %w", c.addr, err)
	}

	join, err := EncodeEnvelope(Envelope{Type: TypeJoin, RoomCode: c.roomCode})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.Write(join); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join room %q: %w", c.roomCode, err)
	}
	return conn, nil
}

func (c *Client) setConn(conn net.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	rejected := false
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := DecodeEnvelope(line)
		if err != nil {
			c.logger.Warn("dropping malformed relay envelope", zap.Error(err))
			continue
		}
		if env.Type == TypeRoomFull {
			rejected = true
			if c.options.OnRoomFull != nil {
				c.options.OnRoomFull()
			}
		}
		c.dispatch(env)
	}

	select {
	case <-c.closed:
		return
	default:
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.logger.Warn("relay read failed", zap.Error(err))
	}
	c.setConn(nil)
	if rejected {
		// The relay drops a rejected joiner; retrying would only repeat
		// the rejection.
		return
	}
	if c.options.OnDown != nil {
		c.options.OnDown()
	}
	c.reconnect()
}

// reconnect retries the relay with exponential backoff, capped and bounded.
// The relay is transparent to the caller: on success the room is re-joined
// and the read loop resumes.
func (c *Client) reconnect() {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = c.options.MaxReconnectInterval

	attempt := 0
	err := backoff.Retry(func() error {
		select {
		case <-c.closed:
			return backoff.Permanent(errors.New("client closed"))
		default:
		}

		attempt++
		conn, dialErr := c.connect()
		if dialErr != nil {
			c.logger.Warn("relay reconnect failed",
				zap.Int("attempt", attempt), zap.Error(dialErr))
			return dialErr
		}
		c.setConn(conn)
		c.wg.Add(1)
		go c.readLoop(conn)
		return nil
	}, backoff.WithMaxRetries(policy, c.options.MaxReconnectAttempts))

	if err != nil {
		c.logger.Error("relay unreachable, giving up", zap.Error(err))
		return
	}

	c.logger.Info("relay reconnected", zap.String("room", c.roomCode))
	if c.options.OnUp != nil {
		c.options.OnUp()
	}
}

func (c *Client) dispatch(env Envelope) {
	c.handlerMu.RLock()
	handlers := append(([]func(Envelope))(nil), c.handlers[env.Type]...)
	c.handlerMu.RUnlock()

	for _, handler := range handlers {
		handler(env)
	}
}
