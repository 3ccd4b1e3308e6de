// Package signal implements the signaling layer: the relay server that
// forwards handshake messages between peers of one room, and the websocket
// client that nodes use to reach it.
//
// Messages are UTF-8 JSON objects over the websocket. The room token rides
// in the URL query and is the only access credential; an upgrade without a
// token is closed with code 4001.
package signal

import (
	"encoding/json"
	"fmt"
)

// CloseTokenRequired is the websocket close code for a missing room token.
const CloseTokenRequired = 4001

// Type enumerates signaling message types.
type Type string

const (
	TypeJoin      Type = "join"
	TypePeers     Type = "peers"
	TypePeerJoin  Type = "peer-join"
	TypePeerLeave Type = "peer-leave"
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeICE       Type = "ice"
)

// Message is one signaling frame. The SDP and Candidate payloads are kept
// opaque: the relay only forwards them, and the peer manager owns their
// interpretation.
type Message struct {
	Type      Type            `json:"type"`
	PeerID    string          `json:"peerId,omitempty"`
	PeerIDs   []string        `json:"peerIds,omitempty"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// forwardable reports whether this message type is relayed peer-to-peer.
func (t Type) forwardable() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICE
}

// encode marshals a message for the wire.
func encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("signal: encode %s: %w", m.Type, err)
	}
	return data, nil
}
