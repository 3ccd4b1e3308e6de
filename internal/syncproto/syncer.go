package syncproto

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/roomdb/internal/op"
)

// DefaultPingInterval is the liveness probe period per peer channel.
const DefaultPingInterval = 30 * time.Second

// Channel is an established ordered reliable message stream to one peer.
type Channel interface {
	Send(data []byte) error
}

// Source supplies the local op log to sync from. Implemented by the
// replication engine.
type Source interface {
	OpsSince(cursor string) ([]op.Operation, error)
	Version() (string, bool)
}

// Applier merges one remote operation. Implemented by the engine's
// ApplyRemote.
type Applier func(o op.Operation, fromPeer string) error

// Events receives sync notifications. Nil fields are skipped.
type Events struct {
	// OnSync fires after remote operations were applied: once per live op,
	// once per sync-response batch.
	OnSync func(count int, peerID string)
	// OnPeerReady fires when a peer's initial delta sync has completed.
	OnPeerReady func(peerID string)
	OnError     func(err error)
}

// peerSync is the protocol state for one peer channel. It exists between
// channel open and teardown; the delta cursor dies with it, so a peer that
// reconnects starts from a fresh full sync.
type peerSync struct {
	ch                Channel
	lastSyncedVersion string
	ready             bool
	stopPing          chan struct{}
}

// Syncer runs the sync protocol across all connected peer channels.
type Syncer struct {
	mu     sync.Mutex
	source Source
	apply  Applier
	events Events
	peers  map[string]*peerSync
	logger *slog.Logger

	pingInterval time.Duration
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithPingInterval overrides the liveness period; zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(s *Syncer) { s.pingInterval = d }
}

// New creates a syncer over the local op source.
func New(source Source, apply Applier, events Events, logger *slog.Logger, opts ...Option) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Syncer{
		source:       source,
		apply:        apply,
		events:       events,
		peers:        make(map[string]*peerSync),
		logger:       logger.With("component", "sync"),
		pingInterval: DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddPeer registers an open channel and starts the sync handshake: a
// sync-request carrying the new state's cursor. Every registration starts
// with an empty cursor (a replaced state's cursor is discarded), so the
// request asks for the full log.
func (s *Syncer) AddPeer(peerID string, ch Channel) {
	p := &peerSync{ch: ch, stopPing: make(chan struct{})}

	s.mu.Lock()
	if old := s.peers[peerID]; old != nil {
		close(old.stopPing)
	}
	s.peers[peerID] = p
	s.mu.Unlock()

	s.send(peerID, p, Frame{Type: FrameSyncRequest, FromVersion: p.lastSyncedVersion})

	if s.pingInterval > 0 {
		go s.pingLoop(peerID, p)
	}
}

// RemovePeer tears down the peer's protocol state.
func (s *Syncer) RemovePeer(peerID string) {
	s.mu.Lock()
	p := s.peers[peerID]
	delete(s.peers, peerID)
	s.mu.Unlock()

	if p != nil {
		close(p.stopPing)
	}
}

// Peers lists peers with live protocol state.
func (s *Syncer) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// LastSyncedVersion returns the delta cursor recorded for a peer.
func (s *Syncer) LastSyncedVersion(peerID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.peers[peerID]
	if p == nil || p.lastSyncedVersion == "" {
		return "", false
	}
	return p.lastSyncedVersion, true
}

// Close tears down every peer.
func (s *Syncer) Close() {
	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*peerSync)
	s.mu.Unlock()

	for _, p := range peers {
		close(p.stopPing)
	}
}

// Broadcast sends a locally produced operation to every peer.
func (s *Syncer) Broadcast(o op.Operation) {
	version := o.Version()
	frame := Frame{Type: FrameOp, Payload: &o, Version: version}

	s.mu.Lock()
	targets := make(map[string]*peerSync, len(s.peers))
	for id, p := range s.peers {
		targets[id] = p
	}
	s.mu.Unlock()

	for id, p := range targets {
		if s.send(id, p, frame) {
			s.advanceCursor(p, version)
		}
	}
}

// HandleMessage processes one inbound channel frame from a peer.
func (s *Syncer) HandleMessage(peerID string, data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "peer", peerID, "error", err)
		return
	}

	s.mu.Lock()
	p := s.peers[peerID]
	s.mu.Unlock()
	if p == nil {
		return
	}

	switch frame.Type {
	case FrameOp:
		s.handleOp(peerID, p, frame)
	case FrameSyncRequest:
		s.handleSyncRequest(peerID, p, frame)
	case FrameSyncResponse:
		s.handleSyncResponse(peerID, p, frame)
	case FramePing:
		s.send(peerID, p, Frame{Type: FramePong})
	case FramePong:
		// Liveness acknowledged; nothing to do.
	default:
		s.logger.Debug("ignoring unknown frame type", "peer", peerID, "type", frame.Type)
	}
}

func (s *Syncer) handleOp(peerID string, p *peerSync, frame Frame) {
	if frame.Payload == nil {
		return
	}
	if err := s.apply(*frame.Payload, peerID); err != nil {
		s.reportError(err)
		return
	}
	s.advanceCursor(p, frame.Payload.Version())
	if s.events.OnSync != nil {
		s.events.OnSync(1, peerID)
	}
}

func (s *Syncer) handleSyncRequest(peerID string, p *peerSync, frame Frame) {
	ops, err := s.source.OpsSince(frame.FromVersion)
	if err != nil {
		s.reportError(err)
		return
	}
	resp := Frame{Type: FrameSyncResponse, Operations: ops}
	if v, ok := s.source.Version(); ok {
		resp.Version = v
	}
	if s.send(peerID, p, resp) && resp.Version != "" {
		// Everything up to our latest version went out in one batch.
		s.advanceCursor(p, resp.Version)
	}
}

func (s *Syncer) handleSyncResponse(peerID string, p *peerSync, frame Frame) {
	applied := 0
	for _, o := range frame.Operations {
		if err := s.apply(o, peerID); err != nil {
			s.reportError(err)
			continue
		}
		s.advanceCursor(p, o.Version())
		applied++
	}
	if frame.Version != "" {
		s.advanceCursor(p, frame.Version)
	}

	if s.events.OnSync != nil {
		s.events.OnSync(applied, peerID)
	}

	s.mu.Lock()
	first := !p.ready
	p.ready = true
	s.mu.Unlock()
	if first && s.events.OnPeerReady != nil {
		s.events.OnPeerReady(peerID)
	}
}

// advanceCursor moves the peer's delta cursor forward, never backward.
func (s *Syncer) advanceCursor(p *peerSync, version string) {
	s.mu.Lock()
	if version > p.lastSyncedVersion {
		p.lastSyncedVersion = version
	}
	s.mu.Unlock()
}

func (s *Syncer) send(peerID string, p *peerSync, frame Frame) bool {
	data, err := EncodeFrame(frame)
	if err != nil {
		s.reportError(err)
		return false
	}
	if err := p.ch.Send(data); err != nil {
		s.logger.Warn("channel send failed", "peer", peerID, "type", frame.Type, "error", err)
		return false
	}
	return true
}

func (s *Syncer) pingLoop(peerID string, p *peerSync) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopPing:
			return
		case <-ticker.C:
			s.send(peerID, p, Frame{Type: FramePing})
		}
	}
}

func (s *Syncer) reportError(err error) {
	s.logger.Warn("sync error", "error", err)
	if s.events.OnError != nil {
		s.events.OnError(err)
	}
}
