package pathology

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbeam/beamopt/internal/catalog"
	"github.com/qbeam/beamopt/internal/planmodel"
)

func pgTree(root *planmodel.PlanNode) *planmodel.PlanTree {
	return &planmodel.PlanTree{Root: root, Dialect: planmodel.DialectPostgres, HasTimings: true}
}

func duckTree(root *planmodel.PlanNode) *planmodel.PlanTree {
	return &planmodel.PlanTree{Root: root, Dialect: planmodel.DialectDuckDB, HasTimings: true}
}

var testDef = catalog.PathologyDef{ID: "CX", TransformOptions: []catalog.TransformOption{{Transform: "noop"}}}

func TestC1DetectsLossyBitmapRecheck(t *testing.T) {
	root := &planmodel.PlanNode{
		Operator: "Bitmap Heap Scan",
		Extra: map[string]string{
			"recheck_cond":                  "id = 1",
			"rows_removed_by_index_recheck": "42",
		},
	}
	d := newC1(testDef)
	tree := pgTree(root)
	require.True(t, d.Applicable(Query{}, tree, planmodel.Derived{}))
	m := d.Detect(Query{}, tree, planmodel.Derived{})
	require.True(t, m.Matched)
}

func TestC1IgnoresNonLossyBitmap(t *testing.T) {
	root := &planmodel.PlanNode{
		Operator: "Bitmap Heap Scan",
		Extra:    map[string]string{"recheck_cond": "id = 1", "rows_removed_by_index_recheck": "0"},
	}
	d := newC1(testDef)
	m := d.Detect(Query{}, pgTree(root), planmodel.Derived{})
	require.False(t, m.Matched)
}

func TestC1SkipsDuckDB(t *testing.T) {
	root := &planmodel.PlanNode{Operator: "SEQ_SCAN", Extra: map[string]string{}}
	d := newC1(testDef)
	require.False(t, d.Applicable(Query{}, duckTree(root), planmodel.Derived{}))
}

func TestC2DetectsRepeatedSubPlan(t *testing.T) {
	root := &planmodel.PlanNode{
		Operator: "Nested Loop",
		Children: []*planmodel.PlanNode{
			{Operator: "SubPlan 1", Extra: map[string]string{"actual_loops": "500"}},
		},
		Extra: map[string]string{},
	}
	d := newC2(testDef)
	m := d.Detect(Query{}, pgTree(root), planmodel.Derived{})
	require.True(t, m.Matched)
}

func TestC2IgnoresSinglePassSubPlan(t *testing.T) {
	root := &planmodel.PlanNode{
		Operator: "Nested Loop",
		Children: []*planmodel.PlanNode{
			{Operator: "SubPlan 1", Extra: map[string]string{"actual_loops": "1"}},
		},
		Extra: map[string]string{},
	}
	d := newC2(testDef)
	m := d.Detect(Query{}, pgTree(root), planmodel.Derived{})
	require.False(t, m.Matched)
}

func TestC3DetectsExternalSort(t *testing.T) {
	root := &planmodel.PlanNode{
		Operator: "Sort",
		Extra:    map[string]string{"sort_method": "external merge", "sort_space_type": "Disk"},
	}
	d := newC3(testDef)
	m := d.Detect(Query{}, pgTree(root), planmodel.Derived{})
	require.True(t, m.Matched)
}

func TestC3IgnoresInMemorySort(t *testing.T) {
	root := &planmodel.PlanNode{
		Operator: "Sort",
		Extra:    map[string]string{"sort_method": "quicksort", "sort_space_type": "Memory"},
	}
	d := newC3(testDef)
	m := d.Detect(Query{}, pgTree(root), planmodel.Derived{})
	require.False(t, m.Matched)
}

func TestC4DetectsMultiBatchHash(t *testing.T) {
	root := &planmodel.PlanNode{
		Operator: "Hash Join",
		Children: []*planmodel.PlanNode{
			{Operator: "Hash", Extra: map[string]string{"batches": "4"}},
		},
		Extra: map[string]string{},
	}
	d := newC4(testDef)
	m := d.Detect(Query{}, pgTree(root), planmodel.Derived{})
	require.True(t, m.Matched)
}

func TestC4IgnoresSingleBatch(t *testing.T) {
	root := &planmodel.PlanNode{
		Operator: "Hash Join",
		Children: []*planmodel.PlanNode{
			{Operator: "Hash", Extra: map[string]string{"batches": "1"}},
		},
		Extra: map[string]string{},
	}
	d := newC4(testDef)
	m := d.Detect(Query{}, pgTree(root), planmodel.Derived{})
	require.False(t, m.Matched)
}

func TestC5DetectsUnderLaunchedWorkers(t *testing.T) {
	root := &planmodel.PlanNode{
		Operator: "Gather",
		Extra:    map[string]string{"workers_planned": "4", "workers_launched": "1"},
	}
	d := newC5(testDef)
	m := d.Detect(Query{}, pgTree(root), planmodel.Derived{})
	require.True(t, m.Matched)
}

func TestC5IgnoresFullyLaunched(t *testing.T) {
	root := &planmodel.PlanNode{
		Operator: "Gather",
		Extra:    map[string]string{"workers_planned": "4", "workers_launched": "4"},
	}
	d := newC5(testDef)
	m := d.Detect(Query{}, pgTree(root), planmodel.Derived{})
	require.False(t, m.Matched)
}

func TestC6DetectsRepeatedMaterializeInnerScan(t *testing.T) {
	root := &planmodel.PlanNode{
		Operator: "Nested Loop",
		Children: []*planmodel.PlanNode{
			{
				Operator: "Materialize",
				Extra:    map[string]string{"actual_loops": "1000", "parent_relationship": "Inner"},
			},
		},
		Extra: map[string]string{},
	}
	d := newC6(testDef)
	m := d.Detect(Query{}, pgTree(root), planmodel.Derived{})
	require.True(t, m.Matched)
}
