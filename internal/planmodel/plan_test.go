package planmodel

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func ms(v float64) *float64 { return &v }

func TestCostSpineFollowsHighestMsChild(t *testing.T) {
	leafA := &PlanNode{Operator: "SEQ_SCAN", MsExclusive: ms(5)}
	leafB := &PlanNode{Operator: "SEQ_SCAN", MsExclusive: ms(50)}
	join := &PlanNode{Operator: "HASH_JOIN", MsExclusive: ms(2), Children: []*PlanNode{leafA, leafB}}
	root := &PlanNode{Operator: "AGGREGATE", MsExclusive: ms(1), Children: []*PlanNode{join}}

	spine := CostSpine(root)

	var got []string
	for _, n := range spine {
		got = append(got, n.Operator)
	}
	want := []string{"AGGREGATE", "HASH_JOIN", "SEQ_SCAN"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("cost spine mismatch (-want +got):\n%s", diff)
	}
}

func TestDeriveTracksRepeatedTablesAndJoinCount(t *testing.T) {
	scanA := &PlanNode{Operator: "SEQ_SCAN", Extra: map[string]string{"table": "orders"}}
	scanB := &PlanNode{Operator: "SEQ_SCAN", Extra: map[string]string{"table": "orders"}}
	join := &PlanNode{Operator: "HASH_JOIN", Children: []*PlanNode{scanA, scanB}}
	tree := &PlanTree{Root: join}

	derived := Derive(tree)

	want := map[string]int{"orders": 2}
	if diff := cmp.Diff(want, derived.RepeatedTables); diff != "" {
		t.Fatalf("repeated tables mismatch (-want +got):\n%s", diff)
	}
	if derived.JoinCount != 1 {
		t.Fatalf("join count = %d, want 1", derived.JoinCount)
	}
}
