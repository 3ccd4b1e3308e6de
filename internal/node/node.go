// Package node assembles the replication stack behind the public engine
// surface: one Node owns the SQL database, the op log, the replication
// engine, and — once connected — the signaling client, peer manager and
// sync protocol for one room.
package node

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/roomdb/internal/engine"
	"github.com/roach88/roomdb/internal/hlc"
	"github.com/roach88/roomdb/internal/op"
	"github.com/roach88/roomdb/internal/oplog"
	"github.com/roach88/roomdb/internal/peer"
	"github.com/roach88/roomdb/internal/signal"
	"github.com/roach88/roomdb/internal/sqldb"
	"github.com/roach88/roomdb/internal/syncproto"
)

// Errors of the public surface.
var (
	ErrNotInitialized = errors.New("roomdb: node not initialized")
	ErrConfigMissing  = errors.New("roomdb: signaling url and room token required")
	ErrClosed         = errors.New("roomdb: node closed")
)

// DefaultName is the node-local database name when Config.Name is empty.
const DefaultName = "roomdb"

// Config configures a Node.
type Config struct {
	// DataDir holds the node-local stores: <Name>.db (SQLite) and
	// <Name>.oplog (op log + snapshot slot).
	DataDir string
	// Name is the logical database name; defaults to DefaultName.
	Name   string
	Logger *slog.Logger
	// SnapshotDelay overrides the snapshot debounce; zero keeps the
	// engine default.
	SnapshotDelay time.Duration
}

// Node is one participant: a full local store plus the replication and
// connection machinery for a single room.
type Node struct {
	cfg     Config
	nodeID  string
	logger  *slog.Logger
	emitter *Emitter

	mu          sync.Mutex
	db          *sqldb.DB
	log         *oplog.Log
	engine      *engine.Engine
	syncer      *syncproto.Syncer
	sig         *signal.Client
	peers       *peer.Manager
	enabled     map[string]bool
	initialized bool
	connected   bool
	closed      bool
}

// New creates a node with a freshly generated identity. The node ID is the
// peer identifier in the room and the tiebreaker of the node's HLC.
func New(cfg Config) *Node {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nodeID := uuid.NewString()
	return &Node{
		cfg:     cfg,
		nodeID:  nodeID,
		logger:  logger.With("node", nodeID),
		emitter: NewEmitter(),
		enabled: make(map[string]bool),
	}
}

// On subscribes to a public event; returns the unsubscribe function.
func (n *Node) On(event string, fn Handler) (off func()) {
	return n.emitter.On(event, fn)
}

// NodeID returns this node's identity.
func (n *Node) NodeID() string { return n.nodeID }

// Init opens the persistent stores and loads the latest snapshot into the
// SQL database. Without a snapshot, the op log is replayed instead; apply
// failures during replay are logged and skipped, matching the remote-apply
// policy.
func (n *Node) Init() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if n.initialized {
		return nil
	}

	if err := os.MkdirAll(n.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("roomdb: create data dir: %w", err)
	}

	db, err := sqldb.Open(filepath.Join(n.cfg.DataDir, n.cfg.Name+".db"), n.logger)
	if err != nil {
		return err
	}
	log, err := oplog.Open(filepath.Join(n.cfg.DataDir, n.cfg.Name+".oplog"))
	if err != nil {
		db.Close()
		return err
	}

	image, hasSnapshot, err := log.LoadSnapshot()
	if err != nil {
		db.Close()
		log.Close()
		return err
	}
	if hasSnapshot {
		if err := db.Load(image); err != nil {
			db.Close()
			log.Close()
			return err
		}
	} else {
		// Snapshot-free start: the log is the authoritative source.
		err := log.Since("", func(o op.Operation) error {
			if _, err := db.Apply(o); err != nil {
				n.logger.Warn("replay skipped op", "op", o.Version(), "error", err)
			}
			return nil
		})
		if err != nil {
			db.Close()
			log.Close()
			return err
		}
	}

	clock := hlc.New(n.nodeID)

	engineOpts := []engine.Option{
		engine.WithOperationHook(func(o op.Operation, fromPeer string) {
			if fromPeer == "" {
				n.emitter.Emit(EventOperation, o)
			} else {
				n.emitter.Emit(EventOperation, o, fromPeer)
			}
		}),
		engine.WithBroadcastHook(func(o op.Operation) {
			n.mu.Lock()
			syncer := n.syncer
			n.mu.Unlock()
			if syncer != nil {
				syncer.Broadcast(o)
			}
		}),
		engine.WithErrorHook(func(err error) {
			n.emitter.Emit(EventError, err)
		}),
	}
	if n.cfg.SnapshotDelay > 0 {
		engineOpts = append(engineOpts, engine.WithSnapshotDelay(n.cfg.SnapshotDelay))
	}

	n.db = db
	n.log = log
	n.engine = engine.New(clock, db, log, n.logger, engineOpts...)
	n.initialized = true
	return nil
}

// Connect joins the room at the signaling relay and begins establishing
// peer channels.
func (n *Node) Connect(rawURL, token string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if !n.initialized {
		n.mu.Unlock()
		return ErrNotInitialized
	}
	if rawURL == "" || token == "" {
		n.mu.Unlock()
		return ErrConfigMissing
	}
	if n.connected {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	syncer := syncproto.New(n.engine, n.engine.ApplyRemote, syncproto.Events{
		OnSync: func(count int, peerID string) {
			n.emitter.Emit(EventSync, count, peerID)
		},
		OnPeerReady: func(peerID string) {
			n.emitter.Emit(EventPeerReady, peerID)
		},
		OnError: func(err error) {
			n.emitter.Emit(EventError, err)
		},
	}, n.logger)

	manager := peer.NewManager(n.nodeID, &deferredSender{node: n}, peer.Events{
		OnPeerJoin: func(peerID string) {
			n.emitter.Emit(EventPeerJoin, peerID)
		},
		OnChannelOpen: func(peerID string, ch *peer.Channel) {
			syncer.AddPeer(peerID, ch)
		},
		OnChannelMessage: func(peerID string, data []byte) {
			syncer.HandleMessage(peerID, data)
		},
		OnPeerLeave: func(peerID string) {
			syncer.RemovePeer(peerID)
			n.emitter.Emit(EventPeerLeave, peerID)
		},
	}, n.logger)

	client, err := signal.NewClient(rawURL, token, n.nodeID, signal.Handlers{
		OnPeers:    manager.HandlePeers,
		OnPeerJoin: manager.HandlePeerJoin,
		OnPeerLeave: func(peerID string) {
			// A leave during a signaling flap is ignored while the direct
			// connection is still up.
			if manager.HandlePeerLeave(peerID) {
				syncer.RemovePeer(peerID)
				n.emitter.Emit(EventPeerLeave, peerID)
			}
		},
		OnOffer:  manager.HandleOffer,
		OnAnswer: manager.HandleAnswer,
		OnICE:    manager.HandleICE,
		OnReconnecting: func(attempt int) {
			n.emitter.Emit(EventReconnecting, attempt)
		},
		OnReconnected: func() {
			n.emitter.Emit(EventReconnected)
		},
		OnDisconnected: func() {
			n.mu.Lock()
			n.connected = false
			n.mu.Unlock()
			n.emitter.Emit(EventDisconnected)
		},
	}, n.logger)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.syncer = syncer
	n.peers = manager
	n.sig = client
	n.mu.Unlock()

	if err := client.Connect(); err != nil {
		n.mu.Lock()
		n.syncer, n.peers, n.sig = nil, nil, nil
		n.mu.Unlock()
		return err
	}

	n.mu.Lock()
	n.connected = true
	n.mu.Unlock()
	n.emitter.Emit(EventConnected)
	return nil
}

// deferredSender resolves the signaling client at send time, breaking the
// construction cycle between the peer manager and the client.
type deferredSender struct {
	node *Node
}

func (d *deferredSender) Send(m signal.Message) error {
	d.node.mu.Lock()
	sig := d.node.sig
	d.node.mu.Unlock()
	if sig == nil {
		return fmt.Errorf("roomdb: signaling not connected")
	}
	return sig.Send(m)
}

// Exec executes a statement, replicating mutations on synced tables.
func (n *Node) Exec(sqlText string, params ...any) (sqldb.Result, error) {
	eng, err := n.readyEngine()
	if err != nil {
		return sqldb.Result{}, err
	}
	return eng.Exec(sqlText, params...)
}

// ExecLocal executes a statement without ever producing operations.
func (n *Node) ExecLocal(sqlText string, params ...any) (sqldb.Result, error) {
	eng, err := n.readyEngine()
	if err != nil {
		return sqldb.Result{}, err
	}
	return eng.ExecLocal(sqlText, params...)
}

// EnableSync registers a table for replication. A table with declared
// primary-key columns already replicates, so this is a no-op for it; a
// table without any remains unsynced regardless and the registration is
// inert.
func (n *Node) EnableSync(table string) error {
	if _, err := n.readyEngine(); err != nil {
		return err
	}

	n.mu.Lock()
	n.enabled[table] = true
	db := n.db
	n.mu.Unlock()

	if ts, ok := db.Table(table); ok && !ts.Synced() {
		n.logger.Warn("table has no primary key and will not sync", "table", table)
	}
	return nil
}

// Version returns the node's latest HLC string, ok=false before the first
// operation.
func (n *Node) Version() (string, bool) {
	eng, err := n.readyEngine()
	if err != nil {
		return "", false
	}
	return eng.Version()
}

// Peers lists peers with open data channels.
func (n *Node) Peers() []string {
	n.mu.Lock()
	peers := n.peers
	n.mu.Unlock()
	if peers == nil {
		return nil
	}
	return peers.Peers()
}

// IsConnected reports whether the signaling session is up.
func (n *Node) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// Export returns a full binary image of the SQL database.
func (n *Node) Export() ([]byte, error) {
	eng, err := n.readyEngine()
	if err != nil {
		return nil, err
	}
	return eng.Export()
}

// Import replaces the SQL database with an exported image.
func (n *Node) Import(data []byte) error {
	eng, err := n.readyEngine()
	if err != nil {
		return err
	}
	return eng.Import(data)
}

// Disconnect leaves the room: closes every peer connection and the
// signaling session, suppressing reconnection.
func (n *Node) Disconnect() {
	n.mu.Lock()
	sig, peers, syncer := n.sig, n.peers, n.syncer
	n.sig, n.peers, n.syncer = nil, nil, nil
	n.connected = false
	n.mu.Unlock()

	if syncer != nil {
		syncer.Close()
	}
	if peers != nil {
		peers.Disconnect()
	}
	if sig != nil {
		sig.Disconnect()
	}
}

// Close disconnects, flushes any pending snapshot and closes the stores.
func (n *Node) Close() error {
	n.Disconnect()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	eng := n.engine
	n.mu.Unlock()

	if eng != nil {
		return eng.Close()
	}
	return nil
}

func (n *Node) readyEngine() (*engine.Engine, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if !n.initialized {
		return nil, ErrNotInitialized
	}
	return n.engine, nil
}
