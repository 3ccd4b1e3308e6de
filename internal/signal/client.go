package signal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// DefaultMaxAttempts bounds the reconnection loop.
const DefaultMaxAttempts = 10

// Handlers receives signaling events. Nil fields are skipped. Handlers run
// on the client's read goroutine; they must not block indefinitely.
type Handlers struct {
	OnPeers        func(peerIDs []string)
	OnPeerJoin     func(peerID string)
	OnPeerLeave    func(peerID string)
	OnOffer        func(from string, sdp json.RawMessage)
	OnAnswer       func(from string, sdp json.RawMessage)
	OnICE          func(from string, candidate json.RawMessage)
	OnReconnecting func(attempt int)
	OnReconnected  func()
	OnDisconnected func()
}

// Client is the relay's websocket client for one node.
//
// An initial connection failure surfaces as an error from Connect. Later
// disconnects trigger exponential-backoff reconnection: 1 s doubling to a
// 30 s cap, at most ten attempts, then OnDisconnected. Disconnect disables
// reconnection entirely.
type Client struct {
	url      string
	peerID   string
	handlers Handlers
	logger   *slog.Logger

	maxAttempts int
	newBackoff  func() backoff.BackOff

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBackoff overrides the reconnect schedule factory (tests use a
// zero-delay schedule).
func WithBackoff(factory func() backoff.BackOff) ClientOption {
	return func(c *Client) { c.newBackoff = factory }
}

// WithMaxAttempts overrides the reconnect attempt limit.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) { c.maxAttempts = n }
}

// NewClient prepares a client for the relay at rawURL, joining the room
// named by token as peerID. The token is carried URL-encoded in the query.
func NewClient(rawURL, token, peerID string, h Handlers, logger *slog.Logger, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("signal: parse url %q: %w", rawURL, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		url:         u.String(),
		peerID:      peerID,
		handlers:    h,
		logger:      logger.With("component", "signal-client", "peer", peerID),
		maxAttempts: DefaultMaxAttempts,
		newBackoff:  specBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// specBackoff is the reconnect schedule: min(1s * 2^(attempt-1), 30s),
// no jitter.
func specBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Connect dials the relay and joins the room. The initial failure is the
// caller's to handle; no reconnection is attempted for it.
func (c *Client) Connect() error {
	conn, err := c.dialAndJoin()
	if err != nil {
		return err
	}
	go c.readLoop(conn)
	return nil
}

func (c *Client) dialAndJoin() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("signal: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.Send(Message{Type: TypeJoin, PeerID: c.peerID}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Send writes one message to the relay.
func (c *Client) Send(m Message) error {
	data, err := encode(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("signal: not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect closes the socket and suppresses any reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		c.dispatch(msg)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.reconnect()
}

func (c *Client) dispatch(msg Message) {
	h := c.handlers
	switch msg.Type {
	case TypePeers:
		if h.OnPeers != nil {
			h.OnPeers(msg.PeerIDs)
		}
	case TypePeerJoin:
		if h.OnPeerJoin != nil {
			h.OnPeerJoin(msg.PeerID)
		}
	case TypePeerLeave:
		if h.OnPeerLeave != nil {
			h.OnPeerLeave(msg.PeerID)
		}
	case TypeOffer:
		if h.OnOffer != nil {
			h.OnOffer(msg.From, msg.SDP)
		}
	case TypeAnswer:
		if h.OnAnswer != nil {
			h.OnAnswer(msg.From, msg.SDP)
		}
	case TypeICE:
		if h.OnICE != nil {
			h.OnICE(msg.From, msg.Candidate)
		}
	default:
		// Unknown types are ignored.
	}
}

func (c *Client) reconnect() {
	schedule := c.newBackoff()

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if c.handlers.OnReconnecting != nil {
			c.handlers.OnReconnecting(attempt)
		}
		c.logger.Info("reconnecting", "attempt", attempt)

		time.Sleep(schedule.NextBackOff())

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		conn, err := c.dialAndJoin()
		if err != nil {
			c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		if c.handlers.OnReconnected != nil {
			c.handlers.OnReconnected()
		}
		go c.readLoop(conn)
		return
	}

	c.logger.Warn("reconnection exhausted")
	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected()
	}
}
