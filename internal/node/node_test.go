package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomdb/internal/op"
)

func newTestNode(t *testing.T, dir string) *Node {
	t.Helper()
	n := New(Config{DataDir: dir, SnapshotDelay: 50 * time.Millisecond})
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNode_RequiresInit(t *testing.T) {
	n := newTestNode(t, t.TempDir())

	_, err := n.Exec(`SELECT 1`)
	assert.ErrorIs(t, err, ErrNotInitialized)

	err = n.Connect("ws://localhost:8081", "room")
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = n.Export()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestNode_ConnectRequiresConfig(t *testing.T) {
	n := newTestNode(t, t.TempDir())
	require.NoError(t, n.Init())

	assert.ErrorIs(t, n.Connect("", "room"), ErrConfigMissing)
	assert.ErrorIs(t, n.Connect("ws://localhost:8081", ""), ErrConfigMissing)
}

func TestNode_ExecAndEvents(t *testing.T) {
	n := newTestNode(t, t.TempDir())
	require.NoError(t, n.Init())

	var ops []op.Operation
	n.On(EventOperation, func(args ...any) {
		ops = append(ops, args[0].(op.Operation))
	})

	_, err := n.ExecLocal(`CREATE TABLE notes (id TEXT PRIMARY KEY, content TEXT)`)
	require.NoError(t, err)
	_, err = n.Exec(`INSERT INTO notes (id, content) VALUES (?, ?)`, "n1", "hello")
	require.NoError(t, err)

	require.Len(t, ops, 1)
	assert.Equal(t, op.KindInsert, ops[0].Kind)
	assert.Equal(t, n.NodeID(), ops[0].HLC.NodeID, "ops carry the node identity")

	v, ok := n.Version()
	require.True(t, ok)
	assert.Equal(t, ops[0].Version(), v)
}

func TestNode_FreshNodeHasNoVersion(t *testing.T) {
	n := newTestNode(t, t.TempDir())
	require.NoError(t, n.Init())

	_, ok := n.Version()
	assert.False(t, ok)
	assert.False(t, n.IsConnected())
	assert.Empty(t, n.Peers())
}

func TestNode_EnableSync(t *testing.T) {
	n := newTestNode(t, t.TempDir())
	require.NoError(t, n.Init())

	_, err := n.ExecLocal(`CREATE TABLE notes (id TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	_, err = n.ExecLocal(`CREATE TABLE audit (at INTEGER)`)
	require.NoError(t, err)

	assert.NoError(t, n.EnableSync("notes"), "noop for a table with a PK")
	assert.NoError(t, n.EnableSync("audit"), "inert for a table without one")

	// The PK-less table still never replicates.
	_, err = n.Exec(`INSERT INTO audit (at) VALUES (?)`, int64(1))
	require.NoError(t, err)
	_, ok := n.Version()
	assert.False(t, ok)
}

func TestNode_RestartRestoresState(t *testing.T) {
	dir := t.TempDir()

	n := New(Config{DataDir: dir, SnapshotDelay: 10 * time.Millisecond})
	require.NoError(t, n.Init())
	_, err := n.ExecLocal(`CREATE TABLE notes (id TEXT PRIMARY KEY, content TEXT)`)
	require.NoError(t, err)
	_, err = n.Exec(`INSERT INTO notes (id, content) VALUES (?, ?)`, "n1", "persisted")
	require.NoError(t, err)
	v1, ok := n.Version()
	require.True(t, ok)
	require.NoError(t, n.Close())

	n2 := newTestNode(t, dir)
	require.NoError(t, n2.Init())

	res, err := n2.ExecLocal(`SELECT content FROM notes WHERE id = ?`, "n1")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "persisted", res.Rows[0][0])

	v2, ok := n2.Version()
	require.True(t, ok)
	assert.Equal(t, v1, v2, "op log tail survives restart")
}

func TestNode_ExportImport(t *testing.T) {
	a := newTestNode(t, t.TempDir())
	require.NoError(t, a.Init())
	_, err := a.ExecLocal(`CREATE TABLE notes (id TEXT PRIMARY KEY, content TEXT)`)
	require.NoError(t, err)
	_, err = a.Exec(`INSERT INTO notes (id, content) VALUES (?, ?)`, "n1", "x")
	require.NoError(t, err)

	image, err := a.Export()
	require.NoError(t, err)

	b := newTestNode(t, t.TempDir())
	require.NoError(t, b.Init())
	require.NoError(t, b.Import(image))

	res, err := b.ExecLocal(`SELECT content FROM notes WHERE id = ?`, "n1")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "x", res.Rows[0][0])
}

func TestNode_CloseIsIdempotent(t *testing.T) {
	n := newTestNode(t, t.TempDir())
	require.NoError(t, n.Init())
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	_, err := n.Exec(`SELECT 1`)
	assert.ErrorIs(t, err, ErrClosed)
}
