package op

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/roomdb/internal/hlc"
)

// TableSchema is the extractor's view of one table.
type TableSchema struct {
	Columns   []string
	PKColumns []string
}

// Synced reports whether rows of this table may be replicated. Tables
// without a declared primary key never produce operations.
func (s TableSchema) Synced() bool { return len(s.PKColumns) > 0 }

// SchemaView resolves table names to their schema. Implemented by the SQL
// adapter, which caches introspection results until a DDL statement runs.
type SchemaView interface {
	Table(name string) (TableSchema, bool)
}

// RowQuerier runs the pre-execution SELECT that enumerates the rows an
// UPDATE or DELETE will touch.
type RowQuerier interface {
	QueryRows(sql string, params ...any) (columns []string, rows [][]any, err error)
}

// Class is the statement classification derived from the first keyword.
type Class int

const (
	ClassOther Class = iota
	ClassInsert
	ClassUpdate
	ClassDelete
	ClassDDL
)

// Classify inspects only the first keyword of the trimmed statement.
func Classify(sqlText string) Class {
	fields := strings.Fields(sqlText)
	if len(fields) == 0 {
		return ClassOther
	}
	switch strings.ToUpper(fields[0]) {
	case "INSERT":
		return ClassInsert
	case "UPDATE":
		return ClassUpdate
	case "DELETE":
		return ClassDelete
	case "CREATE", "ALTER", "DROP":
		return ClassDDL
	}
	return ClassOther
}

// Recognized statement shapes. Anything outside these three prefix grammars
// executes locally without producing operations: multi-statement batches,
// INSERT ... SELECT, WITH prefixes and RETURNING clauses are all out of
// scope for replication.
var (
	insertRe = regexp.MustCompile("(?is)^\\s*INSERT\\s+(?:OR\\s+[A-Z]+\\s+)?INTO\\s+[\"`]?(\\w+)[\"`]?\\s*\\(([^)]*)\\)\\s*VALUES\\s*\\((.*)\\)\\s*;?\\s*$")
	updateRe = regexp.MustCompile("(?is)^\\s*UPDATE\\s+[\"`]?(\\w+)[\"`]?\\s+SET\\s+(.*?)(?:\\s+WHERE\\s+(.*?))?\\s*;?\\s*$")
	deleteRe = regexp.MustCompile("(?is)^\\s*DELETE\\s+FROM\\s+[\"`]?(\\w+)[\"`]?(?:\\s+WHERE\\s+(.*?))?\\s*;?\\s*$")
	assignRe = regexp.MustCompile("(?s)^\\s*[\"`]?(\\w+)[\"`]?\\s*=\\s*\\?\\s*$")
)

// Extractor derives operations from SQL mutations against a schema view.
type Extractor struct {
	schema SchemaView
}

// NewExtractor creates an extractor bound to a schema view.
func NewExtractor(schema SchemaView) *Extractor {
	return &Extractor{schema: schema}
}

// Extract derives zero or more operations for the given mutation. All
// operations share ts: a multi-row UPDATE or DELETE happened atomically
// from the caller's point of view.
//
// A nil result with a nil error means the statement executes locally but
// does not replicate (unparseable shape, unknown or PK-less table, PK
// column missing from an INSERT, non-placeholder SET expression). An error
// is only returned when the row-enumeration query itself fails.
func (e *Extractor) Extract(sqlText string, params []any, ts hlc.Timestamp, rows RowQuerier) ([]Operation, error) {
	switch Classify(sqlText) {
	case ClassInsert:
		return e.extractInsert(sqlText, params, ts), nil
	case ClassUpdate:
		return e.extractUpdate(sqlText, params, ts, rows)
	case ClassDelete:
		return e.extractDelete(sqlText, params, ts, rows)
	}
	return nil, nil
}

func (e *Extractor) extractInsert(sqlText string, params []any, ts hlc.Timestamp) []Operation {
	m := insertRe.FindStringSubmatch(sqlText)
	if m == nil {
		return nil
	}
	table := m[1]
	schema, ok := e.schema.Table(table)
	if !ok || !schema.Synced() {
		return nil
	}

	cols := splitIdentList(m[2])
	if cols == nil {
		return nil
	}
	if !placeholdersOnly(m[3], len(cols)) || len(params) != len(cols) {
		return nil
	}

	values := make(map[string]any, len(cols))
	for i, col := range cols {
		values[col] = params[i]
	}

	pk := make(map[string]any, len(schema.PKColumns))
	for _, col := range schema.PKColumns {
		v, present := values[col]
		if !present {
			// PK column absent from the column list: the row cannot be
			// addressed remotely, so it stays local.
			return nil
		}
		pk[col] = v
	}

	return []Operation{{Kind: KindInsert, HLC: ts, Table: table, PK: pk, Values: values}}
}

func (e *Extractor) extractUpdate(sqlText string, params []any, ts hlc.Timestamp, rows RowQuerier) ([]Operation, error) {
	m := updateRe.FindStringSubmatch(sqlText)
	if m == nil {
		return nil, nil
	}
	table, setClause, where := m[1], m[2], m[3]
	schema, ok := e.schema.Table(table)
	if !ok || !schema.Synced() {
		return nil, nil
	}

	setCols := parseAssignments(setClause)
	if setCols == nil || len(params) < len(setCols) {
		return nil, nil
	}

	// Positional slicing: the first |SET| parameters are the new values,
	// the remainder binds the WHERE clause.
	values := make(map[string]any, len(setCols))
	for i, col := range setCols {
		values[col] = params[i]
	}
	whereParams := params[len(setCols):]

	pks, err := e.enumerateRows(schema, table, where, whereParams, rows)
	if err != nil {
		return nil, err
	}

	ops := make([]Operation, 0, len(pks))
	for _, pk := range pks {
		vals := make(map[string]any, len(values))
		for k, v := range values {
			vals[k] = v
		}
		ops = append(ops, Operation{Kind: KindUpdate, HLC: ts, Table: table, PK: pk, Values: vals})
	}
	return ops, nil
}

func (e *Extractor) extractDelete(sqlText string, params []any, ts hlc.Timestamp, rows RowQuerier) ([]Operation, error) {
	m := deleteRe.FindStringSubmatch(sqlText)
	if m == nil {
		return nil, nil
	}
	table, where := m[1], m[2]
	schema, ok := e.schema.Table(table)
	if !ok || !schema.Synced() {
		return nil, nil
	}

	pks, err := e.enumerateRows(schema, table, where, params, rows)
	if err != nil {
		return nil, err
	}

	ops := make([]Operation, 0, len(pks))
	for _, pk := range pks {
		ops = append(ops, Operation{Kind: KindDelete, HLC: ts, Table: table, PK: pk})
	}
	return ops, nil
}

// enumerateRows runs SELECT <pk-cols> FROM <table> WHERE <where> and maps
// each result row to its primary-key columns. An absent WHERE clause means
// every row.
func (e *Extractor) enumerateRows(schema TableSchema, table, where string, params []any, rows RowQuerier) ([]map[string]any, error) {
	if strings.TrimSpace(where) == "" {
		where = "1=1"
	}
	quoted := make([]string, len(schema.PKColumns))
	for i, col := range schema.PKColumns {
		quoted[i] = `"` + col + `"`
	}
	query := fmt.Sprintf(`SELECT %s FROM "%s" WHERE %s`, strings.Join(quoted, ", "), table, where)

	_, resultRows, err := rows.QueryRows(query, params...)
	if err != nil {
		return nil, fmt.Errorf("op: enumerate %q rows: %w", table, err)
	}

	pks := make([]map[string]any, 0, len(resultRows))
	for _, row := range resultRows {
		pk := make(map[string]any, len(schema.PKColumns))
		for i, col := range schema.PKColumns {
			pk[col] = row[i]
		}
		pks = append(pks, pk)
	}
	return pks, nil
}

// parseAssignments splits a SET clause into its column names, requiring
// every right-hand side to be a bare placeholder. Expressions such as
// `count = count + ?` cannot be sliced positionally into a values map, so
// the whole statement is rejected for replication.
func parseAssignments(setClause string) []string {
	parts := strings.Split(setClause, ",")
	cols := make([]string, 0, len(parts))
	for _, part := range parts {
		m := assignRe.FindStringSubmatch(part)
		if m == nil {
			return nil
		}
		cols = append(cols, m[1])
	}
	return cols
}

// splitIdentList splits a parenthesized column list, stripping quoting.
func splitIdentList(list string) []string {
	parts := strings.Split(list, ",")
	cols := make([]string, 0, len(parts))
	for _, part := range parts {
		col := strings.Trim(strings.TrimSpace(part), "\"`")
		if col == "" || strings.ContainsAny(col, " \t\n(") {
			return nil
		}
		cols = append(cols, col)
	}
	return cols
}

// placeholdersOnly reports whether a VALUES body is exactly n bare `?`
// markers. Literal values cannot be mapped to a values payload.
func placeholdersOnly(body string, n int) bool {
	parts := strings.Split(body, ",")
	if len(parts) != n {
		return false
	}
	for _, part := range parts {
		if strings.TrimSpace(part) != "?" {
			return false
		}
	}
	return true
}
