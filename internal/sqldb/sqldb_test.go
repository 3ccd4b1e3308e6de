package sqldb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomdb/internal/hlc"
	"github.com/roach88/roomdb/internal/op"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func mustExec(t *testing.T, d *DB, sqlText string, params ...any) Result {
	t.Helper()
	res, err := d.Exec(sqlText, params...)
	require.NoError(t, err, "exec %q", sqlText)
	return res
}

func TestExec_InsertAndSelect(t *testing.T) {
	d := openTestDB(t)
	mustExec(t, d, `CREATE TABLE notes (id TEXT PRIMARY KEY, content TEXT)`)

	res := mustExec(t, d, `INSERT INTO notes (id, content) VALUES (?, ?)`, "n1", "hello")
	assert.Equal(t, int64(1), res.Changes)

	res = mustExec(t, d, `SELECT id, content FROM notes`)
	assert.Equal(t, []string{"id", "content"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "n1", res.Rows[0][0])
	assert.Equal(t, "hello", res.Rows[0][1])
}

func TestSchema_Introspection(t *testing.T) {
	d := openTestDB(t)
	mustExec(t, d, `CREATE TABLE notes (id TEXT PRIMARY KEY, content TEXT, author TEXT)`)
	mustExec(t, d, `CREATE TABLE pairs (b INTEGER, a TEXT, v TEXT, PRIMARY KEY (a, b))`)
	mustExec(t, d, `CREATE TABLE audit (at INTEGER, what TEXT)`)

	schema, err := d.Schema()
	require.NoError(t, err)

	notes := schema["notes"]
	assert.Equal(t, []string{"id", "content", "author"}, notes.Columns)
	assert.Equal(t, []string{"id"}, notes.PKColumns)
	assert.True(t, notes.Synced())

	// Composite key columns come back in key order, not declaration order.
	pairs := schema["pairs"]
	assert.Equal(t, []string{"a", "b"}, pairs.PKColumns)

	audit := schema["audit"]
	assert.Empty(t, audit.PKColumns)
	assert.False(t, audit.Synced())

	_, hasShadow := schema[versionsTable]
	assert.False(t, hasShadow, "shadow table is not part of the user schema")
}

func TestSchema_CacheInvalidation(t *testing.T) {
	d := openTestDB(t)
	mustExec(t, d, `CREATE TABLE notes (id TEXT PRIMARY KEY)`)

	_, err := d.Schema()
	require.NoError(t, err)

	mustExec(t, d, `CREATE TABLE extra (id TEXT PRIMARY KEY)`)

	_, ok := d.Table("extra")
	assert.False(t, ok, "cache still serves the old schema")

	d.InvalidateSchema()
	_, ok = d.Table("extra")
	assert.True(t, ok, "invalidation must trigger re-introspection")
}

func applyOp(kind op.Kind, wall uint64, node string, values map[string]any) op.Operation {
	return op.Operation{
		Kind:   kind,
		HLC:    hlc.Timestamp{WallTime: wall, NodeID: node},
		Table:  "notes",
		PK:     map[string]any{"id": "n1"},
		Values: values,
	}
}

func TestApply_InsertUpdateDelete(t *testing.T) {
	d := openTestDB(t)
	mustExec(t, d, `CREATE TABLE notes (id TEXT PRIMARY KEY, content TEXT)`)

	applied, err := d.Apply(applyOp(op.KindInsert, 1, "a", map[string]any{"id": "n1", "content": "v0"}))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = d.Apply(applyOp(op.KindUpdate, 2, "a", map[string]any{"content": "v1"}))
	require.NoError(t, err)
	assert.True(t, applied)

	res := mustExec(t, d, `SELECT content FROM notes WHERE id = ?`, "n1")
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "v1", res.Rows[0][0])

	applied, err = d.Apply(applyOp(op.KindDelete, 3, "a", nil))
	require.NoError(t, err)
	assert.True(t, applied)

	res = mustExec(t, d, `SELECT content FROM notes`)
	assert.Empty(t, res.Rows)
}

func TestApply_StaleOpSkipped(t *testing.T) {
	d := openTestDB(t)
	mustExec(t, d, `CREATE TABLE notes (id TEXT PRIMARY KEY, content TEXT)`)

	_, err := d.Apply(applyOp(op.KindInsert, 5, "a", map[string]any{"id": "n1", "content": "newer"}))
	require.NoError(t, err)

	// A concurrent write with a smaller HLC arrives late and must lose.
	applied, err := d.Apply(applyOp(op.KindUpdate, 3, "b", map[string]any{"content": "older"}))
	require.NoError(t, err)
	assert.False(t, applied)

	res := mustExec(t, d, `SELECT content FROM notes WHERE id = ?`, "n1")
	assert.Equal(t, "newer", res.Rows[0][0])
}

func TestApply_DuplicateIdempotent(t *testing.T) {
	d := openTestDB(t)
	mustExec(t, d, `CREATE TABLE notes (id TEXT PRIMARY KEY, content TEXT)`)

	o := applyOp(op.KindInsert, 1, "a", map[string]any{"id": "n1", "content": "v"})
	applied, err := d.Apply(o)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = d.Apply(o)
	require.NoError(t, err)
	assert.False(t, applied, "replaying the same op must be a no-op")
}

func TestApply_Resurrection(t *testing.T) {
	d := openTestDB(t)
	mustExec(t, d, `CREATE TABLE notes (id TEXT PRIMARY KEY, content TEXT)`)

	// Delete then later insert: the row comes back with the insert's values.
	_, err := d.Apply(applyOp(op.KindDelete, 2, "a", nil))
	require.NoError(t, err)

	applied, err := d.Apply(applyOp(op.KindInsert, 4, "b", map[string]any{"id": "n1", "content": "back"}))
	require.NoError(t, err)
	assert.True(t, applied)

	res := mustExec(t, d, `SELECT content FROM notes WHERE id = ?`, "n1")
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "back", res.Rows[0][0])

	// Reversed order on another replica: insert first, stale delete ignored.
	d2 := openTestDB(t)
	mustExec(t, d2, `CREATE TABLE notes (id TEXT PRIMARY KEY, content TEXT)`)

	_, err = d2.Apply(applyOp(op.KindInsert, 4, "b", map[string]any{"id": "n1", "content": "back"}))
	require.NoError(t, err)
	applied, err = d2.Apply(applyOp(op.KindDelete, 2, "a", nil))
	require.NoError(t, err)
	assert.False(t, applied)

	res = mustExec(t, d2, `SELECT content FROM notes WHERE id = ?`, "n1")
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "back", res.Rows[0][0], "both orders converge to the same row")
}

func TestRecordApplied_KeepsGreatest(t *testing.T) {
	d := openTestDB(t)
	mustExec(t, d, `CREATE TABLE notes (id TEXT PRIMARY KEY, content TEXT)`)

	newer := applyOp(op.KindInsert, 9, "a", map[string]any{"id": "n1"})
	older := applyOp(op.KindUpdate, 4, "b", map[string]any{"content": "x"})

	require.NoError(t, d.RecordApplied(newer))
	require.NoError(t, d.RecordApplied(older))

	v, ok, err := d.AppliedVersion("notes", newer.PKKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newer.Version(), v, "a smaller HLC must not regress the record")
}

func TestSnapshot_LoadRoundTrip(t *testing.T) {
	d := openTestDB(t)
	mustExec(t, d, `CREATE TABLE notes (id TEXT PRIMARY KEY, content TEXT)`)
	mustExec(t, d, `INSERT INTO notes (id, content) VALUES (?, ?)`, "n1", "hello")
	require.NoError(t, d.RecordApplied(applyOp(op.KindInsert, 7, "a", nil)))

	image, err := d.Snapshot()
	require.NoError(t, err)
	require.NotEmpty(t, image)

	// Load into a fresh database: rows and guard state both arrive.
	d2 := openTestDB(t)
	require.NoError(t, d2.Load(image))

	res := mustExec(t, d2, `SELECT content FROM notes WHERE id = ?`, "n1")
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "hello", res.Rows[0][0])

	v, ok, err := d2.AppliedVersion("notes", applyOp(op.KindInsert, 7, "a", nil).PKKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hlc.Timestamp{WallTime: 7, NodeID: "a"}.String(), v)

	// The loaded database stays writable.
	mustExec(t, d2, `INSERT INTO notes (id, content) VALUES (?, ?)`, "n2", "again")
}
