package signal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeDeadline = 5 * time.Second

// member is one connected peer of a room. Writes go through a per-member
// mutex because gorilla connections allow one concurrent writer.
type member struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (m *member) send(msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

// Relay is the signaling relay: room membership plus message forwarding.
//
// State is rooms[token][peerID]. A room is created when its first member
// joins and deleted when the last one leaves. The token is the only
// capability; peers of different rooms never see each other's frames.
type Relay struct {
	mu       sync.Mutex
	rooms    map[string]map[string]*member
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewRelay creates a relay with no rooms.
func NewRelay(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		rooms: make(map[string]map[string]*member),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "relay"),
	}
}

// RoomCount returns the number of live rooms.
func (r *Relay) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// ServeHTTP upgrades the connection and runs its session until close.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	token := req.URL.Query().Get("token")

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("upgrade failed", "error", err)
		return
	}

	if token == "" {
		msg := websocket.FormatCloseMessage(CloseTokenRequired, "Token required")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeDeadline))
		conn.Close()
		return
	}

	r.serveConn(conn, token)
}

// serveConn is the per-connection state machine: Unauthenticated until a
// join frame arrives, then Joined until the socket closes.
func (r *Relay) serveConn(conn *websocket.Conn, token string) {
	defer conn.Close()

	m := &member{conn: conn}
	joined := false
	var peerID string

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed JSON is dropped; the peer continues.
			r.logger.Debug("dropping malformed frame", "error", err)
			continue
		}

		switch {
		case !joined && msg.Type == TypeJoin && msg.PeerID != "":
			joined = true
			peerID = msg.PeerID
			r.join(token, peerID, m)

		case joined && msg.Type.forwardable():
			r.forward(token, peerID, msg)

		default:
			// Unknown types, duplicate joins and pre-join traffic are
			// all ignored.
		}
	}

	if joined {
		r.leave(token, peerID)
	}
}

// join registers the peer, sends it the current member list, and announces
// it to the rest of the room. The peers frame always precedes any
// peer-join a newcomer could observe for this room.
func (r *Relay) join(token, peerID string, m *member) {
	r.mu.Lock()
	room := r.rooms[token]
	if room == nil {
		room = make(map[string]*member)
		r.rooms[token] = room
	}
	existing := make([]string, 0, len(room))
	others := make([]*member, 0, len(room))
	for id, other := range room {
		existing = append(existing, id)
		others = append(others, other)
	}
	room[peerID] = m
	// Take the newcomer's write lock before releasing the room, so a
	// peer-join from a later joiner cannot be written ahead of peers.
	m.mu.Lock()
	r.mu.Unlock()

	r.logger.Debug("peer joined", "peer", peerID, "members", len(existing)+1)

	data, err := encode(Message{Type: TypePeers, PeerIDs: existing})
	if err == nil {
		err = m.conn.WriteMessage(websocket.TextMessage, data)
	}
	m.mu.Unlock()
	if err != nil {
		r.logger.Debug("send peers failed", "peer", peerID, "error", err)
	}
	for _, other := range others {
		if err := other.send(Message{Type: TypePeerJoin, PeerID: peerID}); err != nil {
			r.logger.Debug("send peer-join failed", "error", err)
		}
	}
}

// forward relays an offer/answer/ice frame to its target within the
// sender's room, stamping the sender. Unknown targets are dropped.
func (r *Relay) forward(token, from string, msg Message) {
	r.mu.Lock()
	target := r.rooms[token][msg.To]
	r.mu.Unlock()

	if target == nil {
		return
	}

	out := Message{Type: msg.Type, From: from, SDP: msg.SDP, Candidate: msg.Candidate}
	if err := target.send(out); err != nil {
		r.logger.Debug("forward failed", "type", msg.Type, "to", msg.To, "error", err)
	}
	r.logger.Debug("forwarded", "type", msg.Type, "from", from, "to", msg.To)
}

// leave removes the peer, announces the departure, and deletes the room
// when it becomes empty.
func (r *Relay) leave(token, peerID string) {
	r.mu.Lock()
	room := r.rooms[token]
	delete(room, peerID)
	empty := len(room) == 0
	if empty {
		delete(r.rooms, token)
	}
	remaining := make([]*member, 0, len(room))
	for _, other := range room {
		remaining = append(remaining, other)
	}
	r.mu.Unlock()

	r.logger.Debug("peer left", "peer", peerID, "roomDeleted", empty)

	for _, other := range remaining {
		if err := other.send(Message{Type: TypePeerLeave, PeerID: peerID}); err != nil {
			r.logger.Debug("send peer-leave failed", "error", err)
		}
	}
}
