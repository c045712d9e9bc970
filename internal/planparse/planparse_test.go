package planparse

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbeam/beamopt/internal/planmodel"
)

func TestParsePostgresJSON(t *testing.T) {
	raw := `[
		{
			"Plan": {
				"Node Type": "Hash Join",
				"Join Type": "Inner",
				"Plan Rows": 100,
				"Actual Rows": 1000,
				"Actual Total Time": 50.0,
				"Plans": [
					{"Node Type": "Seq Scan", "Relation Name": "orders", "Plan Rows": 100, "Actual Rows": 1000, "Actual Total Time": 10.0},
					{"Node Type": "Seq Scan", "Relation Name": "orders", "Plan Rows": 50, "Actual Rows": 900, "Actual Total Time": 30.0}
				]
			}
		}
	]`

	tree, err := Parse(raw, planmodel.DialectPostgres)
	require.NoError(t, err)
	require.Equal(t, "Hash Join", tree.Root.Operator)
	require.True(t, tree.HasTimings)

	derived := planmodel.Derive(tree)
	require.Equal(t, 2, derived.RepeatedTables["orders"])
	require.Equal(t, 1, derived.JoinCount)

	q, ok := tree.Root.Children[0].QError()
	require.True(t, ok)
	require.InDelta(t, 10.0, q, 0.0001)
}

func TestParseDuckDBText(t *testing.T) {
	raw := `
┌─────────────┐
│  HASH_JOIN  │
│ Cardinality: 500 │
│ Total Time: 12.5ms │
└─────────────┘
  ┌─────────────┐
  │  SEQ_SCAN   │
  │ table: customers │
  │ Cardinality: 1000 │
  │ Total Time: 3.0ms │
  └─────────────┘
`
	tree, err := Parse(raw, planmodel.DialectDuckDB)
	require.NoError(t, err)
	require.Equal(t, "HASH_JOIN", tree.Root.Operator)
	require.True(t, tree.HasTimings)
	require.Len(t, tree.Root.Children, 1)
	require.Equal(t, "SEQ_SCAN", tree.Root.Children[0].Operator)
}

func TestParseRejectsUnrecognizable(t *testing.T) {
	_, err := Parse("not an explain plan at all", planmodel.DialectDuckDB)
	require.Error(t, err)
}

func TestParseEmptyFails(t *testing.T) {
	_, err := Parse("   ", planmodel.DialectPostgres)
	require.Error(t, err)
}
