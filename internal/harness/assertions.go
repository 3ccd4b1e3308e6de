package harness

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkAssertion validates one assertion against the final run state.
func checkAssertion(t testing.TB, r *Runner, s *Scenario, idx int, a Assertion) {
	t.Helper()
	label := fmt.Sprintf("scenario %s: assertion %d (%s)", s.Name, idx, a.Type)

	switch a.Type {
	case "final_state":
		rows := queryRows(t, r, a.Node, a.Query, label)
		assert.Equal(t, normalizeRows(a.Rows), rows, "%s on %s", label, a.Node)

	case "converged":
		first := queryRows(t, r, a.Nodes[0], a.Query, label)
		for _, name := range a.Nodes[1:] {
			assert.Equal(t, first, queryRows(t, r, name, a.Query, label),
				"%s: %s diverged from %s", label, name, a.Nodes[0])
		}

	case "oplog_count":
		n, err := r.nodes[a.Node].log.Count()
		require.NoError(t, err, label)
		assert.Equal(t, *a.Count, n, "%s on %s", label, a.Node)

	case "cursor":
		cursor, ok := r.nodes[a.Node].syncer.LastSyncedVersion(a.Peer)
		require.True(t, ok, "%s: no cursor recorded for %s", label, a.Peer)
		latest, ok := r.nodes[a.Peer].engine.Version()
		require.True(t, ok, "%s: peer %s has no version", label, a.Peer)
		assert.Equal(t, latest, cursor, "%s: cursor must track the peer's latest version", label)
	}
}

func queryRows(t testing.TB, r *Runner, node, query, label string) [][]string {
	t.Helper()
	res, err := r.nodes[node].engine.ExecLocal(query)
	require.NoError(t, err, "%s: query on %s", label, node)
	return normalizeRows(res.Rows)
}

// normalizeRows renders every cell as a string so YAML-typed expectations
// compare cleanly against SQL-typed results.
func normalizeRows(rows [][]any) [][]string {
	out := make([][]string, len(rows))
	for i, row := range rows {
		cells := make([]string, len(row))
		for j, cell := range row {
			if cell == nil {
				cells[j] = "NULL"
				continue
			}
			cells[j] = fmt.Sprintf("%v", cell)
		}
		out[i] = cells
	}
	return out
}
