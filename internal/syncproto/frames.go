// Package syncproto implements the data-channel sync protocol: version-
// cursor delta sync on channel open, live broadcast of new operations, and
// ping/pong liveness.
//
// Frames are UTF-8 JSON, one frame per channel message. The delta cursor
// is an HLC string; its fixed-width base-36 padding makes lexicographic
// comparison agree with timestamp order, so "strictly greater than cursor"
// is a plain string comparison on both ends.
package syncproto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/roomdb/internal/op"
)

// FrameType enumerates sync frames.
type FrameType string

const (
	FrameOp           FrameType = "op"
	FrameSyncRequest  FrameType = "sync-request"
	FrameSyncResponse FrameType = "sync-response"
	FramePing         FrameType = "ping"
	FramePong         FrameType = "pong"
)

// Frame is one sync-protocol message.
//
// op:            Payload + Version (the payload's HLC string).
// sync-request:  FromVersion, absent for "send everything".
// sync-response: Operations + Version (the sender's latest HLC string).
// ping/pong:     type only.
type Frame struct {
	Type        FrameType      `json:"type"`
	Payload     *op.Operation  `json:"payload,omitempty"`
	Version     string         `json:"version,omitempty"`
	FromVersion string         `json:"fromVersion,omitempty"`
	Operations  []op.Operation `json:"operations,omitempty"`
}

// EncodeFrame marshals a frame for the channel.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("syncproto: encode %s: %w", f.Type, err)
	}
	return data, nil
}

// DecodeFrame unmarshals a frame, normalizing numeric values inside
// operations (see op.Unmarshal for why).
func DecodeFrame(data []byte) (Frame, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var f Frame
	if err := dec.Decode(&f); err != nil {
		return Frame{}, fmt.Errorf("syncproto: decode: %w", err)
	}
	if f.Payload != nil {
		f.Payload.PK = op.NormalizeValues(f.Payload.PK)
		f.Payload.Values = op.NormalizeValues(f.Payload.Values)
	}
	for i := range f.Operations {
		f.Operations[i].PK = op.NormalizeValues(f.Operations[i].PK)
		f.Operations[i].Values = op.NormalizeValues(f.Operations[i].Values)
	}
	return f, nil
}
