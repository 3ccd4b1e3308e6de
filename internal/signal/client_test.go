package signal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zeroBackoff() backoff.BackOff {
	return backoff.NewConstantBackOff(0)
}

func TestClient_InitialFailureSurfaces(t *testing.T) {
	c, err := NewClient("ws://127.0.0.1:1", "r", "peer-a", Handlers{}, nil)
	require.NoError(t, err)

	err = c.Connect()
	assert.Error(t, err, "initial connection failure is the caller's")
}

func TestClient_TokenEncodedInURL(t *testing.T) {
	c, err := NewClient("ws://host/path", "room & key", "peer-a", Handlers{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ws://host/path?token=room+%26+key", c.url)
}

func TestClient_JoinAndPeerEvents(t *testing.T) {
	_, server := startRelay(t)

	peersA := make(chan []string, 1)
	joinA := make(chan string, 1)
	leaveA := make(chan string, 1)
	a, err := NewClient(wsURL(server, ""), "r", "peer-a", Handlers{
		OnPeers:     func(ids []string) { peersA <- ids },
		OnPeerJoin:  func(id string) { joinA <- id },
		OnPeerLeave: func(id string) { leaveA <- id },
	}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Connect())
	defer a.Disconnect()

	assert.Empty(t, <-peersA)

	peersB := make(chan []string, 1)
	b, err := NewClient(wsURL(server, ""), "r", "peer-b", Handlers{
		OnPeers: func(ids []string) { peersB <- ids },
	}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Connect())

	assert.Equal(t, []string{"peer-a"}, <-peersB)
	assert.Equal(t, "peer-b", <-joinA)

	b.Disconnect()
	assert.Equal(t, "peer-b", <-leaveA)
}

func TestClient_ReconnectAfterFlap(t *testing.T) {
	_, server := startRelay(t)

	reconnecting := make(chan int, 16)
	reconnected := make(chan struct{}, 1)
	c, err := NewClient(wsURL(server, ""), "r", "peer-a", Handlers{
		OnReconnecting: func(attempt int) { reconnecting <- attempt },
		OnReconnected:  func() { reconnected <- struct{}{} },
	}, nil, WithBackoff(zeroBackoff))
	require.NoError(t, err)
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	// Drop the transport out from under the client.
	c.mu.Lock()
	c.conn.Close()
	c.mu.Unlock()

	select {
	case attempt := <-reconnecting:
		assert.Equal(t, 1, attempt, "attempts are numbered from 1")
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnecting event")
	}

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnected event")
	}
}

func TestClient_ReconnectExhaustion(t *testing.T) {
	_, server := startRelay(t)

	disconnected := make(chan struct{}, 1)
	attempts := make(chan int, 16)
	c, err := NewClient(wsURL(server, ""), "r", "peer-a", Handlers{
		OnReconnecting: func(attempt int) { attempts <- attempt },
		OnDisconnected: func() { disconnected <- struct{}{} },
	}, nil, WithBackoff(zeroBackoff), WithMaxAttempts(3))
	require.NoError(t, err)
	require.NoError(t, c.Connect())

	// Kill the relay and the live transport: every reconnect must fail.
	server.Close()
	c.mu.Lock()
	c.conn.Close()
	c.mu.Unlock()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnected event after exhaustion")
	}
	assert.Len(t, attempts, 3, "all attempts announced before giving up")
}

func TestClient_UserDisconnectSuppressesReconnect(t *testing.T) {
	_, server := startRelay(t)

	reconnecting := make(chan int, 1)
	c, err := NewClient(wsURL(server, ""), "r", "peer-a", Handlers{
		OnReconnecting: func(attempt int) { reconnecting <- attempt },
	}, nil, WithBackoff(zeroBackoff))
	require.NoError(t, err)
	require.NoError(t, c.Connect())

	c.Disconnect()

	select {
	case <-reconnecting:
		t.Fatal("user disconnect must not trigger reconnection")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClient_ForwardRoundTrip(t *testing.T) {
	_, server := startRelay(t)

	gotOffer := make(chan Message, 1)
	a, err := NewClient(wsURL(server, ""), "r", "peer-a", Handlers{
		OnOffer: func(from string, sdp json.RawMessage) {
			gotOffer <- Message{From: from, SDP: sdp}
		},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Connect())
	defer a.Disconnect()

	ready := make(chan struct{}, 1)
	b, err := NewClient(wsURL(server, ""), "r", "peer-b", Handlers{
		OnPeers: func([]string) { ready <- struct{}{} },
	}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Connect())
	defer b.Disconnect()
	<-ready

	require.NoError(t, b.Send(Message{Type: TypeOffer, To: "peer-a", SDP: []byte(`{"sdp":"v=0"}`)}))

	select {
	case msg := <-gotOffer:
		assert.Equal(t, "peer-b", msg.From)
		assert.JSONEq(t, `{"sdp":"v=0"}`, string(msg.SDP))
	case <-time.After(2 * time.Second):
		t.Fatal("offer not forwarded")
	}
}
