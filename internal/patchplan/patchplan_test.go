package patchplan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbeam/beamopt/internal/sqlmodel"
)

func TestAnchorHashStableAcrossWhitespaceAndComments(t *testing.T) {
	n1 := &sqlmodel.Node{Kind: sqlmodel.KindWhere, Text: "a = 1 AND b = 2"}
	n2 := &sqlmodel.Node{Kind: sqlmodel.KindWhere, Text: "  a = 1   AND   b = 2  -- trailing comment\n"}

	h1, err := AnchorHash(n1)
	require.NoError(t, err)
	h2, err := AnchorHash(n2)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestAnchorHashDiffersOnContent(t *testing.T) {
	n1 := &sqlmodel.Node{Kind: sqlmodel.KindWhere, Text: "a = 1"}
	n2 := &sqlmodel.Node{Kind: sqlmodel.KindWhere, Text: "a = 2"}
	h1, _ := AnchorHash(n1)
	h2, _ := AnchorHash(n2)
	require.NotEqual(t, h1, h2)
}

func TestApplyRejectsMissingAnchor(t *testing.T) {
	stmt := &sqlmodel.Statement{
		Body: &sqlmodel.Node{Kind: sqlmodel.KindSelect, Text: "select a from foo"},
	}
	plan := &Plan{Ops: []Op{{Kind: OpReplaceWherePred, Anchor: 0xDEADBEEF, SQL: "a = 1"}}}
	_, err := Apply(stmt, plan)
	require.Error(t, err)
}

func TestApplyInsertCTEAppendsNamedCTE(t *testing.T) {
	stmt := &sqlmodel.Statement{
		Body: &sqlmodel.Node{Kind: sqlmodel.KindSelect, Text: "select a from t1"},
	}
	plan := &Plan{Ops: []Op{
		{Kind: OpInsertCTE, Name: "d", SQL: "select 1 where 1=1"},
	}}
	out, err := Apply(stmt, plan)
	require.NoError(t, err)
	require.Len(t, out.CTEs, 1)
	require.Equal(t, "d", out.CTEs[0].Name)
}

func TestValidateRejectsLiteralDrop(t *testing.T) {
	baseline := &sqlmodel.Statement{
		Body:     &sqlmodel.Node{Kind: sqlmodel.KindSelect, Text: "select a from t where yr = 2000"},
		Literals: []string{"2000"},
	}
	candidate := &sqlmodel.Statement{
		Body:     &sqlmodel.Node{Kind: sqlmodel.KindSelect, Text: "select a from t where yr = 1999"},
		Literals: []string{"1999"},
	}
	err := Validate(baseline, candidate, nil, sqlmodel.DialectDuckDB)
	require.Error(t, err)
}

func TestValidateRejectsOrphanCTE(t *testing.T) {
	baseline := &sqlmodel.Statement{
		Body: &sqlmodel.Node{Kind: sqlmodel.KindSelect, Text: "select a from t"},
	}
	candidate := &sqlmodel.Statement{
		CTEs: []*sqlmodel.Node{{Kind: sqlmodel.KindCTE, Name: "unused", Text: "select 1 where 1=1"}},
		Body: &sqlmodel.Node{Kind: sqlmodel.KindSelect, Text: "select a from t"},
	}
	err := Validate(baseline, candidate, nil, sqlmodel.DialectDuckDB)
	require.Error(t, err)
}

func TestValidateRejectsSameColumnORSplitIntoUnion(t *testing.T) {
	baseline := &sqlmodel.Statement{
		Body: &sqlmodel.Node{Kind: sqlmodel.KindSelect, Text: "select a from t where col = 1 or col = 2 or col = 3"},
	}
	candidate := &sqlmodel.Statement{
		Body: &sqlmodel.Node{Kind: sqlmodel.KindSelect, Text: "select a from t where col = 1 UNION ALL select a from t where col = 2"},
	}
	err := Validate(baseline, candidate, nil, sqlmodel.DialectDuckDB)
	require.Error(t, err)
}

// TestValidateRejectsExistsMaterialized covers Testable Property 4
// ("no accepted candidate converts an EXISTS/NOT EXISTS in the baseline
// into a materialized CTE or IN form"): a worker that drops the baseline's
// EXISTS clause entirely, replacing it with a plain join, must fail
// structural validation.
func TestValidateRejectsExistsMaterialized(t *testing.T) {
	baseline := &sqlmodel.Statement{
		Raw:  "select a from t where exists (select 1 from big where big.k = t.k)",
		Body: &sqlmodel.Node{Kind: sqlmodel.KindSelect, Text: "select a from t where exists (select 1 from big where big.k = t.k)"},
	}
	candidate := &sqlmodel.Statement{
		CTEs: []*sqlmodel.Node{{Kind: sqlmodel.KindCTE, Name: "big_dim", Text: "select k from big where 1=1"}},
		Body: &sqlmodel.Node{Kind: sqlmodel.KindSelect, Text: "select a from t join big_dim on big_dim.k = t.k"},
	}
	err := Validate(baseline, candidate, nil, sqlmodel.DialectDuckDB)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exists_materialized")
}

// TestValidateAllowsExistsPreservedInCandidate is the positive half of
// Property 4: a candidate that still carries an EXISTS somewhere (body or
// a CTE) is not rejected on this ground.
func TestValidateAllowsExistsPreservedInCandidate(t *testing.T) {
	baseline := &sqlmodel.Statement{
		Raw:  "select a from t where exists (select 1 from big where big.k = t.k)",
		Body: &sqlmodel.Node{Kind: sqlmodel.KindSelect, Text: "select a from t where exists (select 1 from big where big.k = t.k)"},
	}
	candidate := &sqlmodel.Statement{
		Body: &sqlmodel.Node{Kind: sqlmodel.KindSelect, Text: "select a from t where exists (select 1 from big where big.k = t.k and 1=1)"},
	}
	err := Validate(baseline, candidate, nil, sqlmodel.DialectDuckDB)
	require.NoError(t, err)
}

func TestValidatePassesCleanRewrite(t *testing.T) {
	baseline := &sqlmodel.Statement{
		Body:     &sqlmodel.Node{Kind: sqlmodel.KindSelect, Text: "select a, b from t where yr = 2000"},
		Literals: []string{"2000"},
	}
	candidate := &sqlmodel.Statement{
		CTEs:     []*sqlmodel.Node{{Kind: sqlmodel.KindCTE, Name: "filtered", Text: "select a, b from t where yr = 2000"}},
		Body:     &sqlmodel.Node{Kind: sqlmodel.KindSelect, Text: "select a, b from filtered where yr = 2000"},
		Literals: []string{"2000", "2000"},
	}
	err := Validate(baseline, candidate, nil, sqlmodel.DialectDuckDB)
	require.NoError(t, err)
}
