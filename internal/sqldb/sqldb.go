// Package sqldb is the SQLite adapter behind the replication engine.
//
// It owns the node-local database file: statement execution, schema
// introspection (cached until DDL), full-image snapshot/load, and the
// deterministic application of remote operations. A shadow table,
// _roomdb_versions, records the highest applied HLC per row so that
// out-of-order remote applies are last-write-wins idempotent; the shadow
// table lives inside the database so the guard state travels with
// snapshots.
//
// The adapter is single-threaded by contract: the engine serializes all
// calls. The connection pool is pinned to one connection regardless, since
// SQLite allows only one writer.
package sqldb

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/roomdb/internal/op"
)

const versionsTable = "_roomdb_versions"

const versionsSchema = `
CREATE TABLE IF NOT EXISTS ` + versionsTable + ` (
	tbl TEXT NOT NULL,
	pk  TEXT NOT NULL,
	hlc TEXT NOT NULL,
	PRIMARY KEY (tbl, pk)
)`

// Result is the outcome of one statement.
type Result struct {
	Columns []string
	Rows    [][]any
	Changes int64
}

// DB wraps the node-local SQLite database.
type DB struct {
	db     *sql.DB
	path   string
	schema map[string]op.TableSchema // nil until introspected; cleared by DDL
	logger *slog.Logger
}

// Open creates or opens the SQLite database at path.
//
// The connection is configured with WAL journaling, NORMAL synchronous
// mode, a 5-second busy timeout and foreign keys on, matching the write
// pattern of a single-writer replication engine.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openRaw(path)
	if err != nil {
		return nil, err
	}
	d := &DB{db: db, path: path, logger: logger.With("component", "sqldb")}
	if _, err := d.db.Exec(versionsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqldb: create versions table: %w", err)
	}
	return d, nil
}

func openRaw(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqldb: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqldb: connect %s: %w", path, err)
	}

	// One writer at a time: a second connection would only produce
	// SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqldb: %s: %w", pragma, err)
		}
	}
	return db, nil
}

// Close releases the database.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Exec runs one statement. Statements that return rows (SELECT, PRAGMA,
// EXPLAIN, WITH) are queried; everything else is executed and reports the
// affected row count.
func (d *DB) Exec(sqlText string, params ...any) (Result, error) {
	if returnsRows(sqlText) {
		cols, rows, err := d.QueryRows(sqlText, params...)
		if err != nil {
			return Result{}, err
		}
		return Result{Columns: cols, Rows: rows}, nil
	}

	res, err := d.db.Exec(sqlText, params...)
	if err != nil {
		return Result{}, fmt.Errorf("sqldb: exec: %w", err)
	}
	changes, err := res.RowsAffected()
	if err != nil {
		changes = 0
	}
	return Result{Changes: changes}, nil
}

// QueryRows runs a row-returning statement and materializes the result.
// Satisfies op.RowQuerier for UPDATE/DELETE row enumeration.
func (d *DB) QueryRows(sqlText string, params ...any) ([]string, [][]any, error) {
	rows, err := d.db.Query(sqlText, params...)
	if err != nil {
		return nil, nil, fmt.Errorf("sqldb: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("sqldb: columns: %w", err)
	}

	var out [][]any
	for rows.Next() {
		cells := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("sqldb: scan: %w", err)
		}
		for i, c := range cells {
			if b, ok := c.([]byte); ok {
				cells[i] = append([]byte(nil), b...)
			}
		}
		out = append(out, cells)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("sqldb: iterate: %w", err)
	}
	return cols, out, nil
}

func returnsRows(sqlText string) bool {
	fields := strings.Fields(sqlText)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "PRAGMA", "EXPLAIN", "WITH":
		return true
	}
	return false
}

// Schema introspects every user table, returning columns in declaration
// order and primary-key columns in key order. Results are cached until
// InvalidateSchema. Internal tables (sqlite_*, _roomdb_*) are excluded.
func (d *DB) Schema() (map[string]op.TableSchema, error) {
	if d.schema != nil {
		return d.schema, nil
	}

	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqldb: list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqldb: scan table name: %w", err)
		}
		if strings.HasPrefix(name, "sqlite_") || strings.HasPrefix(name, "_roomdb_") {
			continue
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqldb: list tables: %w", err)
	}

	schema := make(map[string]op.TableSchema, len(names))
	for _, name := range names {
		ts, err := d.tableInfo(name)
		if err != nil {
			return nil, err
		}
		schema[name] = ts
	}
	d.schema = schema
	return schema, nil
}

func (d *DB) tableInfo(name string) (op.TableSchema, error) {
	rows, err := d.db.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, name))
	if err != nil {
		return op.TableSchema{}, fmt.Errorf("sqldb: table_info %q: %w", name, err)
	}
	defer rows.Close()

	var ts op.TableSchema
	type pkCol struct {
		name string
		pos  int
	}
	var pks []pkCol
	for rows.Next() {
		var (
			cid     int
			col     string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &col, &typ, &notNull, &dflt, &pk); err != nil {
			return op.TableSchema{}, fmt.Errorf("sqldb: scan table_info: %w", err)
		}
		ts.Columns = append(ts.Columns, col)
		if pk > 0 {
			pks = append(pks, pkCol{name: col, pos: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return op.TableSchema{}, fmt.Errorf("sqldb: table_info %q: %w", name, err)
	}

	// pk column in table_info is the 1-based position within the key.
	for pos := 1; pos <= len(pks); pos++ {
		for _, c := range pks {
			if c.pos == pos {
				ts.PKColumns = append(ts.PKColumns, c.name)
			}
		}
	}
	return ts, nil
}

// Table resolves one table's schema; satisfies op.SchemaView.
func (d *DB) Table(name string) (op.TableSchema, bool) {
	schema, err := d.Schema()
	if err != nil {
		d.logger.Error("schema introspection failed", "error", err)
		return op.TableSchema{}, false
	}
	ts, ok := schema[name]
	return ts, ok
}

// InvalidateSchema drops the cached schema; the next lookup re-introspects.
// Called after any DDL statement.
func (d *DB) InvalidateSchema() {
	d.schema = nil
}

// Snapshot returns a consistent full binary image of the database,
// produced with VACUUM INTO after a WAL checkpoint.
func (d *DB) Snapshot() ([]byte, error) {
	if _, err := d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, fmt.Errorf("sqldb: checkpoint: %w", err)
	}

	dir, err := os.MkdirTemp("", "roomdb-snap-*")
	if err != nil {
		return nil, fmt.Errorf("sqldb: snapshot temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	target := filepath.Join(dir, "snapshot.db")
	if _, err := d.db.Exec("VACUUM INTO ?", target); err != nil {
		return nil, fmt.Errorf("sqldb: vacuum into: %w", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("sqldb: read snapshot: %w", err)
	}
	return data, nil
}

// Load replaces the database contents with a snapshot image and reopens
// the connection. The version guard state arrives with the image, since
// _roomdb_versions is part of the snapshot.
func (d *DB) Load(data []byte) error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("sqldb: close before load: %w", err)
	}

	tmp := d.path + ".loading"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("sqldb: write image: %w", err)
	}
	// The WAL and SHM sidecars belong to the old image.
	os.Remove(d.path + "-wal")
	os.Remove(d.path + "-shm")
	if err := os.Rename(tmp, d.path); err != nil {
		return fmt.Errorf("sqldb: swap image: %w", err)
	}

	db, err := openRaw(d.path)
	if err != nil {
		return err
	}
	d.db = db
	if _, err := d.db.Exec(versionsSchema); err != nil {
		return fmt.Errorf("sqldb: create versions table: %w", err)
	}
	d.InvalidateSchema()
	return nil
}
