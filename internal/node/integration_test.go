package node

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomdb/internal/signal"
)

// Two nodes, a real relay, real peer connections over loopback ICE:
// insert on one side, delete on the other, both converge.
func TestTwoNodeConvergence(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback ICE handshake")
	}

	relay := signal.NewRelay(nil)
	server := httptest.NewServer(relay)
	defer server.Close()
	relayURL := "ws" + strings.TrimPrefix(server.URL, "http")

	a := newTestNode(t, t.TempDir())
	b := newTestNode(t, t.TempDir())
	for _, n := range []*Node{a, b} {
		require.NoError(t, n.Init())
		_, err := n.ExecLocal(`CREATE TABLE notes (id TEXT PRIMARY KEY, content TEXT)`)
		require.NoError(t, err)
	}

	readyA := make(chan string, 4)
	readyB := make(chan string, 4)
	syncsA := make(chan int, 16)
	syncsB := make(chan int, 16)
	a.On(EventPeerReady, func(args ...any) { readyA <- args[0].(string) })
	b.On(EventPeerReady, func(args ...any) { readyB <- args[0].(string) })
	a.On(EventSync, func(args ...any) { syncsA <- args[0].(int) })
	b.On(EventSync, func(args ...any) { syncsB <- args[0].(int) })

	require.NoError(t, a.Connect(relayURL, "room-1"))
	require.NoError(t, b.Connect(relayURL, "room-1"))
	require.True(t, a.IsConnected())

	waitFor := func(ch chan string, who string) {
		select {
		case <-ch:
		case <-time.After(15 * time.Second):
			t.Fatalf("%s never became ready", who)
		}
	}
	waitFor(readyA, "a")
	waitFor(readyB, "b")

	// S1: insert on a, observe on b, delete on b, observe on a.
	_, err := a.Exec(`INSERT INTO notes (id, content) VALUES (?, ?)`, "n1", "hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, err := b.ExecLocal(`SELECT content FROM notes WHERE id = ?`, "n1")
		return err == nil && len(res.Rows) == 1
	}, 10*time.Second, 20*time.Millisecond, "insert never reached b")

	_, err = b.Exec(`DELETE FROM notes WHERE id = ?`, "n1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, err := a.ExecLocal(`SELECT id FROM notes`)
		return err == nil && len(res.Rows) == 0
	}, 10*time.Second, 20*time.Millisecond, "delete never reached a")

	// Both logs hold both operations; versions agree.
	vA, okA := a.Version()
	vB, okB := b.Version()
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, vA, vB, "latest versions converge")

	assert.Equal(t, []string{b.NodeID()}, a.Peers())
	assert.Equal(t, []string{a.NodeID()}, b.Peers())

	a.Disconnect()
	b.Disconnect()
	assert.False(t, a.IsConnected())
}
