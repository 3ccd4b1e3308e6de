// Package hlc implements the hybrid logical clock used to tag replicated
// operations.
//
// A timestamp is a (wall-time ms, counter, node ID) triple. Comparison is
// lexicographic over the triple, which gives a total order that respects
// happened-before for observed events: Receive always advances the local
// clock strictly past the remote timestamp, and Now is strictly monotone
// within one node even when the wall clock steps backwards.
//
// The string form is sortable: base-36 wall time padded to 11 digits,
// base-36 counter padded to 5 digits, then the node ID, joined by '-'.
// Lexicographic order over those strings equals Compare order, which is
// what lets the op log and the sync cursor use plain string keys.
package hlc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	wallDigits    = 11
	counterDigits = 5
)

// Timestamp is a single hybrid logical clock reading. It serializes as its
// sortable string form (see MarshalJSON).
type Timestamp struct {
	WallTime uint64
	Counter  uint32
	NodeID   string
}

// Compare returns -1, 0, or 1 ordering a against b lexicographically over
// (WallTime, Counter, NodeID).
func Compare(a, b Timestamp) int {
	switch {
	case a.WallTime < b.WallTime:
		return -1
	case a.WallTime > b.WallTime:
		return 1
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	case a.NodeID < b.NodeID:
		return -1
	case a.NodeID > b.NodeID:
		return 1
	}
	return 0
}

// Before reports whether a orders strictly before b.
func Before(a, b Timestamp) bool { return Compare(a, b) < 0 }

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Counter == 0 && t.NodeID == ""
}

// String renders the sortable form: pad36(ts, 11) + "-" + pad36(counter, 5)
// + "-" + nodeID. The fixed-width padding makes lexicographic order on the
// result agree with Compare.
func (t Timestamp) String() string {
	return pad36(t.WallTime, wallDigits) + "-" + pad36(uint64(t.Counter), counterDigits) + "-" + t.NodeID
}

// Parse recovers a Timestamp from its String form. The node ID may itself
// contain '-' and is reassembled from everything past the second separator.
func Parse(s string) (Timestamp, error) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 {
		return Timestamp{}, fmt.Errorf("hlc: malformed timestamp %q", s)
	}
	wall, err := strconv.ParseUint(parts[0], 36, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("hlc: malformed wall time in %q: %w", s, err)
	}
	counter, err := strconv.ParseUint(parts[1], 36, 32)
	if err != nil {
		return Timestamp{}, fmt.Errorf("hlc: malformed counter in %q: %w", s, err)
	}
	return Timestamp{WallTime: wall, Counter: uint32(counter), NodeID: parts[2]}, nil
}

// MarshalJSON encodes the timestamp as its sortable string form.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return strconv.AppendQuote(nil, t.String()), nil
}

// UnmarshalJSON decodes the sortable string form.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("hlc: timestamp not a JSON string: %w", err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func pad36(v uint64, width int) string {
	s := strconv.FormatUint(v, 36)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// WallClock supplies the physical component in milliseconds. Injectable for
// deterministic tests.
type WallClock func() uint64

// Clock generates timestamps for one node.
//
// Thread-safety: all methods take an internal mutex, so a clock may be
// shared across goroutines. In the engine the clock is only touched under
// the engine's own serialization.
type Clock struct {
	mu     sync.Mutex
	nodeID string
	wall   WallClock
	last   Timestamp
}

// Option configures a Clock.
type Option func(*Clock)

// WithWallClock overrides the physical clock source.
func WithWallClock(w WallClock) Option {
	return func(c *Clock) { c.wall = w }
}

// New creates a clock owned by nodeID, which is also the comparison
// tiebreaker of every timestamp it produces.
func New(nodeID string, opts ...Option) *Clock {
	c := &Clock{
		nodeID: nodeID,
		wall:   func() uint64 { return uint64(time.Now().UnixMilli()) },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.last.NodeID = nodeID
	return c
}

// NodeID returns the owning node identifier.
func (c *Clock) NodeID() string { return c.nodeID }

// Now returns a fresh timestamp strictly greater than every previous output
// of this clock. A wall-clock regression is absorbed by the counter.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.wall()
	if p > c.last.WallTime {
		c.last.WallTime = p
		c.last.Counter = 0
	} else {
		c.last.Counter++
	}
	return c.last
}

// Receive merges a remote timestamp into the clock and returns the advanced
// local reading, which is strictly greater than both the remote timestamp
// and every previous local output.
func (c *Clock) Receive(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.wall()
	m := c.last.WallTime
	if remote.WallTime > m {
		m = remote.WallTime
	}
	if p > m {
		m = p
	}

	switch {
	case m == c.last.WallTime && m == remote.WallTime:
		if remote.Counter > c.last.Counter {
			c.last.Counter = remote.Counter
		}
		c.last.Counter++
	case m == c.last.WallTime:
		c.last.Counter++
	case m == remote.WallTime:
		c.last.WallTime = remote.WallTime
		c.last.Counter = remote.Counter + 1
	default:
		c.last.WallTime = p
		c.last.Counter = 0
	}
	return c.last
}

// Latest returns the most recent reading without advancing the clock.
func (c *Clock) Latest() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
