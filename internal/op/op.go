// Package op defines the replicated operation model and the extractor that
// derives row-scoped operations from SQL mutations.
//
// Only INSERT, UPDATE and DELETE on tables with declared primary keys
// produce operations; everything else executes locally without replication.
// Extraction recognizes three prefix grammars (see extract.go) and never
// attempts general SQL parsing.
package op

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/roomdb/internal/hlc"
)

// Kind discriminates the operation variants.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Operation is one replicated row mutation.
//
// PK holds exactly the primary-key columns of Table. For inserts, Values
// holds the full inserted column set (PK included); for updates, only the
// SET columns; deletes carry no Values.
//
// Value payloads are the SQL-typed scalars: nil, bool, int64, float64,
// string or []byte. []byte marshals to a base64 JSON string.
type Operation struct {
	Kind   Kind           `json:"type"`
	HLC    hlc.Timestamp  `json:"hlc"`
	Table  string         `json:"table"`
	PK     map[string]any `json:"pk"`
	Values map[string]any `json:"values,omitempty"`
}

// Version returns the op-log key for this operation: the sortable string
// form of its timestamp. Keys are globally unique because the HLC node ID
// breaks ties.
func (o Operation) Version() string { return o.HLC.String() }

// PKKey returns a canonical single-string rendering of the primary key,
// used to key per-row version metadata. Columns are sorted so that every
// peer derives the same key for the same row.
func (o Operation) PKKey() string {
	cols := make([]string, 0, len(o.PK))
	for c := range o.PK {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(c)
		b.WriteByte('=')
		b.WriteString(canonicalValue(o.PK[c]))
	}
	return b.String()
}

func canonicalValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case []byte:
		return fmt.Sprintf("b:%x", x)
	case string:
		return "s:" + x
	default:
		return fmt.Sprintf("v:%v", x)
	}
}

// Marshal encodes the operation for the op log and the wire.
func Marshal(o Operation) ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("op: marshal %s on %q: %w", o.Kind, o.Table, err)
	}
	return data, nil
}

// Unmarshal decodes an operation, normalizing JSON numbers so that integral
// values come back as int64 and fractional ones as float64. Without the
// normalization every remote apply would bind float64 and the row's SQLite
// storage class would differ from the originating peer's.
func Unmarshal(data []byte) (Operation, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var o Operation
	if err := dec.Decode(&o); err != nil {
		return Operation{}, fmt.Errorf("op: unmarshal: %w", err)
	}
	o.PK = NormalizeValues(o.PK)
	o.Values = NormalizeValues(o.Values)
	return o, nil
}

// NormalizeValues rewrites json.Number entries to int64 when integral,
// float64 otherwise. Non-number values pass through untouched.
func NormalizeValues(m map[string]any) map[string]any {
	for k, v := range m {
		num, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := num.Int64(); err == nil {
			m[k] = i
			continue
		}
		if f, err := num.Float64(); err == nil {
			m[k] = f
			continue
		}
		m[k] = num.String()
	}
	return m
}
