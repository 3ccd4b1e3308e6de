package oplog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomdb/internal/hlc"
	"github.com/roach88/roomdb/internal/op"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "test.oplog"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func insertOp(wall uint64, counter uint32, node, id string) op.Operation {
	return op.Operation{
		Kind:   op.KindInsert,
		HLC:    hlc.Timestamp{WallTime: wall, Counter: counter, NodeID: node},
		Table:  "notes",
		PK:     map[string]any{"id": id},
		Values: map[string]any{"id": id},
	}
}

func TestLog_AppendAndCount(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Append(insertOp(1, 0, "a", "n1")))
	require.NoError(t, l.Append(insertOp(2, 0, "a", "n2")))

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestLog_AppendIdempotent(t *testing.T) {
	l := openTestLog(t)

	o := insertOp(1, 0, "a", "n1")
	require.NoError(t, l.Append(o))
	require.NoError(t, l.Append(o))

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n, "duplicate key must overwrite, not duplicate")
}

func TestLog_SinceOrderMatchesHLC(t *testing.T) {
	l := openTestLog(t)

	// Appended deliberately out of causal order.
	ops := []op.Operation{
		insertOp(5, 0, "b", "n5"),
		insertOp(1, 2, "a", "n1"),
		insertOp(1, 2, "b", "n2"), // same (ts, counter), node tiebreak
		insertOp(40, 0, "a", "n4"),
		insertOp(1, 10, "a", "n3"),
	}
	for _, o := range ops {
		require.NoError(t, l.Append(o))
	}

	got, err := l.OpsSince("")
	require.NoError(t, err)
	require.Len(t, got, len(ops))

	for i := 1; i < len(got); i++ {
		assert.Equal(t, -1, hlc.Compare(got[i-1].HLC, got[i].HLC),
			"iteration order must equal HLC order")
	}
}

func TestLog_SinceCursor(t *testing.T) {
	l := openTestLog(t)

	o1 := insertOp(1, 0, "a", "n1")
	o2 := insertOp(2, 0, "a", "n2")
	o3 := insertOp(3, 0, "a", "n3")
	for _, o := range []op.Operation{o1, o2, o3} {
		require.NoError(t, l.Append(o))
	}

	// Strictly greater than the cursor.
	got, err := l.OpsSince(o1.Version())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, o2.Version(), got[0].Version())
	assert.Equal(t, o3.Version(), got[1].Version())

	// Unknown cursor between o1 and o2 falls forward.
	unknown := insertOp(1, 5, "z", "x").Version()
	got, err = l.OpsSince(unknown)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Cursor at the tail yields nothing.
	got, err = l.OpsSince(o3.Version())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLog_LatestVersion(t *testing.T) {
	l := openTestLog(t)

	_, ok, err := l.LatestVersion()
	require.NoError(t, err)
	assert.False(t, ok, "empty log has no version")

	o1 := insertOp(1, 0, "a", "n1")
	o2 := insertOp(9, 0, "a", "n2")
	require.NoError(t, l.Append(o2))
	require.NoError(t, l.Append(o1))

	v, ok, err := l.LatestVersion()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, o2.Version(), v)
}

func TestLog_SnapshotSlot(t *testing.T) {
	l := openTestLog(t)

	_, ok, err := l.LoadSnapshot()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.SaveSnapshot([]byte("image-1")))
	require.NoError(t, l.SaveSnapshot([]byte("image-2")))

	data, ok, err := l.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("image-2"), data, "slot holds only the latest image")
}

func TestLog_Restartable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.oplog")

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(insertOp(1, 0, "a", "n1")))
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	n, err := l2.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n, "entries survive reopen")
}
