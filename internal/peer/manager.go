// Package peer maintains the direct peer connections: one peer connection
// and one ordered reliable data channel per known peer, established with
// the standard offer/answer/ICE handshake over the signaling layer.
//
// Initiator rule: the newcomer initiates. A node that receives the peers
// listing at join time offers to each listed member; a node that learns of
// a peer through peer-join waits for that peer's offer. For any ordered
// pair exactly one side creates the channel, which prevents both-sides-
// offer races.
package peer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/roach88/roomdb/internal/signal"
)

// ChannelName is the label of the single data channel per peer.
const ChannelName = "rtc-battery"

// ChannelState tracks the lifecycle of a peer's data channel.
type ChannelState int

const (
	StateConnecting ChannelState = iota
	StateOpen
	StateClosed
)

// Initiates reports whether the local node initiates the handshake toward
// a peer discovered via the given announcement type.
func Initiates(discovery signal.Type) bool {
	return discovery == signal.TypePeers
}

// Channel wraps a data channel as a byte-message sender for the sync layer.
type Channel struct {
	dc *webrtc.DataChannel
}

// Send transmits one frame; the channel is ordered and reliable.
func (c *Channel) Send(data []byte) error {
	if err := c.dc.Send(data); err != nil {
		return fmt.Errorf("peer: channel send: %w", err)
	}
	return nil
}

// SignalSender sends messages to the relay. Implemented by signal.Client.
type SignalSender interface {
	Send(m signal.Message) error
}

// Events receives peer lifecycle notifications. Nil fields are skipped.
// A connection failure is delivered as a synthetic peer-leave, so upper
// layers see one teardown path regardless of cause.
type Events struct {
	OnPeerJoin       func(peerID string)
	OnChannelOpen    func(peerID string, ch *Channel)
	OnChannelMessage func(peerID string, data []byte)
	OnPeerLeave      func(peerID string)
}

type remotePeer struct {
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	state ChannelState
}

// Manager owns all peer connections of one node.
type Manager struct {
	mu     sync.Mutex
	nodeID string
	sender SignalSender
	config webrtc.Configuration
	events Events
	peers  map[string]*remotePeer
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfiguration overrides the peer-connection configuration (tests use
// an empty one to stay off the network's STUN servers).
func WithConfiguration(cfg webrtc.Configuration) Option {
	return func(m *Manager) { m.config = cfg }
}

// NewManager creates a manager for nodeID sending handshake messages
// through sender.
func NewManager(nodeID string, sender SignalSender, events Events, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		nodeID: nodeID,
		sender: sender,
		events: events,
		peers:  make(map[string]*remotePeer),
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		},
		logger: logger.With("component", "peer", "node", nodeID),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Peers lists peers with an open data channel.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id, p := range m.peers {
		if p.state == StateOpen {
			ids = append(ids, id)
		}
	}
	return ids
}

// HandlePeers processes the join-time member listing: the local node is
// the newcomer, so it initiates toward every listed peer. Peers with a
// live connection are skipped — after a signaling flap the relay repeats
// the member list, and an established channel must not be re-handshaken.
func (m *Manager) HandlePeers(peerIDs []string) {
	for _, id := range peerIDs {
		m.mu.Lock()
		known := m.peers[id] != nil
		m.mu.Unlock()
		if known {
			continue
		}

		if m.events.OnPeerJoin != nil {
			m.events.OnPeerJoin(id)
		}
		if err := m.initiate(id); err != nil {
			m.logger.Warn("handshake initiation failed", "peer", id, "error", err)
			m.dropPeer(id)
		}
	}
}

// HandlePeerJoin processes a peer-join announcement. The announced peer is
// the newcomer and will initiate; the local side only records the arrival.
func (m *Manager) HandlePeerJoin(peerID string) {
	if m.events.OnPeerJoin != nil {
		m.events.OnPeerJoin(peerID)
	}
}

// HandlePeerLeave tears down the departed peer's connection; reports
// whether a teardown actually happened. A peer whose data channel is open
// is left alone: its signaling socket flapping says nothing about the
// direct connection, which fails on its own terms via the channel-close
// and connection-state callbacks.
func (m *Manager) HandlePeerLeave(peerID string) bool {
	m.mu.Lock()
	rp := m.peers[peerID]
	if rp != nil && rp.state == StateOpen {
		m.mu.Unlock()
		m.logger.Debug("ignoring peer-leave for live connection", "peer", peerID)
		return false
	}
	m.mu.Unlock()

	return m.teardown(peerID)
}

// initiate creates the peer connection and the data channel, then sends
// the offer.
func (m *Manager) initiate(peerID string) error {
	pc, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return fmt.Errorf("peer: new connection: %w", err)
	}
	rp := &remotePeer{pc: pc, state: StateConnecting}

	m.mu.Lock()
	m.peers[peerID] = rp
	m.mu.Unlock()

	m.wireConnection(peerID, pc)

	ordered := true
	dc, err := pc.CreateDataChannel(ChannelName, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("peer: create channel: %w", err)
	}
	m.wireChannel(peerID, rp, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("peer: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peer: set local offer: %w", err)
	}
	return m.sendDescription(signal.TypeOffer, peerID, offer)
}

// HandleOffer is the responder path: set the remote offer, answer it.
func (m *Manager) HandleOffer(from string, sdp json.RawMessage) {
	pc, err := m.responderConnection(from)
	if err != nil {
		m.logger.Warn("offer handling failed", "peer", from, "error", err)
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		m.logger.Warn("malformed offer", "peer", from, "error", err)
		return
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		m.logger.Warn("set remote offer failed", "peer", from, "error", err)
		m.dropPeer(from)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		m.logger.Warn("create answer failed", "peer", from, "error", err)
		m.dropPeer(from)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		m.logger.Warn("set local answer failed", "peer", from, "error", err)
		m.dropPeer(from)
		return
	}
	if err := m.sendDescription(signal.TypeAnswer, from, answer); err != nil {
		m.logger.Warn("send answer failed", "peer", from, "error", err)
	}
}

// HandleAnswer completes the initiator's handshake.
func (m *Manager) HandleAnswer(from string, sdp json.RawMessage) {
	m.mu.Lock()
	rp := m.peers[from]
	m.mu.Unlock()
	if rp == nil {
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		m.logger.Warn("malformed answer", "peer", from, "error", err)
		return
	}
	if err := rp.pc.SetRemoteDescription(desc); err != nil {
		m.logger.Warn("set remote answer failed", "peer", from, "error", err)
		m.dropPeer(from)
	}
}

// HandleICE adds a trickled remote candidate.
func (m *Manager) HandleICE(from string, candidate json.RawMessage) {
	m.mu.Lock()
	rp := m.peers[from]
	m.mu.Unlock()
	if rp == nil {
		return
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		m.logger.Warn("malformed candidate", "peer", from, "error", err)
		return
	}
	if err := rp.pc.AddICECandidate(init); err != nil {
		m.logger.Warn("add candidate failed", "peer", from, "error", err)
	}
}

// Disconnect closes every peer connection without emitting leave events.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*remotePeer)
	m.mu.Unlock()

	for id, rp := range peers {
		if err := rp.pc.Close(); err != nil {
			m.logger.Debug("close failed", "peer", id, "error", err)
		}
	}
}

// responderConnection returns the existing connection for a peer or
// creates one wired for an incoming data channel.
func (m *Manager) responderConnection(peerID string) (*webrtc.PeerConnection, error) {
	m.mu.Lock()
	if rp := m.peers[peerID]; rp != nil {
		pc := rp.pc
		m.mu.Unlock()
		return pc, nil
	}
	m.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return nil, fmt.Errorf("peer: new connection: %w", err)
	}
	rp := &remotePeer{pc: pc, state: StateConnecting}

	m.mu.Lock()
	m.peers[peerID] = rp
	m.mu.Unlock()

	m.wireConnection(peerID, pc)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.wireChannel(peerID, rp, dc)
	})
	return pc, nil
}

func (m *Manager) wireConnection(peerID string, pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand, err := json.Marshal(c.ToJSON())
		if err != nil {
			m.logger.Warn("marshal candidate failed", "error", err)
			return
		}
		if err := m.sender.Send(signal.Message{Type: signal.TypeICE, To: peerID, Candidate: cand}); err != nil {
			m.logger.Warn("send candidate failed", "peer", peerID, "error", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Debug("connection state", "peer", peerID, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.dropPeer(peerID)
		}
	})
}

func (m *Manager) wireChannel(peerID string, rp *remotePeer, dc *webrtc.DataChannel) {
	m.mu.Lock()
	rp.dc = dc
	m.mu.Unlock()

	dc.OnOpen(func() {
		m.mu.Lock()
		rp.state = StateOpen
		m.mu.Unlock()
		m.logger.Info("data channel open", "peer", peerID)
		if m.events.OnChannelOpen != nil {
			m.events.OnChannelOpen(peerID, &Channel{dc: dc})
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if m.events.OnChannelMessage != nil {
			m.events.OnChannelMessage(peerID, msg.Data)
		}
	})

	dc.OnClose(func() {
		m.dropPeer(peerID)
	})
}

// dropPeer tears the peer down and delivers a synthetic peer-leave.
func (m *Manager) dropPeer(peerID string) {
	if !m.teardown(peerID) {
		return
	}
	if m.events.OnPeerLeave != nil {
		m.events.OnPeerLeave(peerID)
	}
}

// teardown removes and closes the peer's connection; reports whether a
// record existed (guards against double-teardown storms from the
// connection-state and channel-close callbacks).
func (m *Manager) teardown(peerID string) bool {
	m.mu.Lock()
	rp := m.peers[peerID]
	delete(m.peers, peerID)
	m.mu.Unlock()

	if rp == nil {
		return false
	}
	rp.state = StateClosed
	if err := rp.pc.Close(); err != nil {
		m.logger.Debug("close failed", "peer", peerID, "error", err)
	}
	return true
}

func (m *Manager) sendDescription(t signal.Type, to string, desc webrtc.SessionDescription) error {
	sdp, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("peer: marshal %s: %w", t, err)
	}
	if err := m.sender.Send(signal.Message{Type: t, To: to, SDP: sdp}); err != nil {
		return fmt.Errorf("peer: send %s: %w", t, err)
	}
	return nil
}
