package sqldb

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/roomdb/internal/op"
)

// Apply reflects a remote operation into the database with a last-write-
// wins guard. The op is skipped (applied=false, nil error) when the row's
// recorded HLC is not strictly less than the op's: replays and stale
// concurrent writes are ignored, which makes apply order-independent for
// the effective latest op per row.
//
// Generated SQL lists columns in sorted order, so every peer executes the
// byte-identical statement for a given operation.
func (d *DB) Apply(o op.Operation) (applied bool, err error) {
	current, ok, err := d.AppliedVersion(o.Table, o.PKKey())
	if err != nil {
		return false, err
	}
	if ok && current >= o.Version() {
		return false, nil
	}

	sqlText, params := ApplySQL(o)
	if _, err := d.db.Exec(sqlText, params...); err != nil {
		return false, fmt.Errorf("sqldb: apply %s on %q: %w", o.Kind, o.Table, err)
	}
	if err := d.RecordApplied(o); err != nil {
		return false, err
	}
	return true, nil
}

// ApplySQL assembles the deterministic statement for an operation:
//
//	insert: INSERT OR REPLACE INTO "t" ("a", "b") VALUES (?, ?)
//	update: UPDATE "t" SET "a" = ? WHERE "id" = ?
//	delete: DELETE FROM "t" WHERE "id" = ?
func ApplySQL(o op.Operation) (string, []any) {
	switch o.Kind {
	case op.KindInsert:
		cols := sortedKeys(o.Values)
		quoted := make([]string, len(cols))
		marks := make([]string, len(cols))
		params := make([]any, len(cols))
		for i, c := range cols {
			quoted[i] = `"` + c + `"`
			marks[i] = "?"
			params[i] = o.Values[c]
		}
		return fmt.Sprintf(`INSERT OR REPLACE INTO "%s" (%s) VALUES (%s)`,
			o.Table, strings.Join(quoted, ", "), strings.Join(marks, ", ")), params

	case op.KindUpdate:
		setCols := sortedKeys(o.Values)
		pkCols := sortedKeys(o.PK)
		sets := make([]string, len(setCols))
		params := make([]any, 0, len(setCols)+len(pkCols))
		for i, c := range setCols {
			sets[i] = `"` + c + `" = ?`
			params = append(params, o.Values[c])
		}
		conds := make([]string, len(pkCols))
		for i, c := range pkCols {
			conds[i] = `"` + c + `" = ?`
			params = append(params, o.PK[c])
		}
		return fmt.Sprintf(`UPDATE "%s" SET %s WHERE %s`,
			o.Table, strings.Join(sets, ", "), strings.Join(conds, " AND ")), params

	case op.KindDelete:
		pkCols := sortedKeys(o.PK)
		conds := make([]string, len(pkCols))
		params := make([]any, len(pkCols))
		for i, c := range pkCols {
			conds[i] = `"` + c + `" = ?`
			params[i] = o.PK[c]
		}
		return fmt.Sprintf(`DELETE FROM "%s" WHERE %s`,
			o.Table, strings.Join(conds, " AND ")), params
	}
	return "", nil
}

// AppliedVersion returns the recorded HLC string for a row, or ok=false
// when the row has never been touched by a replicated operation.
func (d *DB) AppliedVersion(table, pkKey string) (version string, ok bool, err error) {
	row := d.db.QueryRow(`SELECT hlc FROM `+versionsTable+` WHERE tbl = ? AND pk = ?`, table, pkKey)
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("sqldb: applied version: %w", err)
	}
	return version, true, nil
}

// RecordApplied stores an operation's HLC as the row's applied version if
// it is greater than the current record. Called for local operations too,
// so that a later remote op with a smaller HLC loses against local writes.
func (d *DB) RecordApplied(o op.Operation) error {
	current, ok, err := d.AppliedVersion(o.Table, o.PKKey())
	if err != nil {
		return err
	}
	if ok && current >= o.Version() {
		return nil
	}
	_, err = d.db.Exec(
		`INSERT OR REPLACE INTO `+versionsTable+` (tbl, pk, hlc) VALUES (?, ?, ?)`,
		o.Table, o.PKKey(), o.Version(),
	)
	if err != nil {
		return fmt.Errorf("sqldb: record applied version: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
