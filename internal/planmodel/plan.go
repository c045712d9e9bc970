// Package planmodel defines the uniform PlanTree that every dialect's
// EXPLAIN ANALYZE output is parsed into (spec.md §3, §4.1), plus the
// derived observations the pathology engine consumes.
package planmodel

import "strings"

// Dialect tags the backend a query/plan came from.
type Dialect string

const (
	DialectDuckDB   Dialect = "duckdb"
	DialectPostgres Dialect = "postgres"
)

// PlanNode is one operator in the tree.
type PlanNode struct {
	Operator        string
	CardinalityEst  *float64
	CardinalityAct  *float64
	MsExclusive     *float64
	MsCumulative    *float64
	Extra           map[string]string
	Children        []*PlanNode
}

// QError returns max(est/act, act/est) when both estimates are present.
func (n *PlanNode) QError() (float64, bool) {
	if n.CardinalityEst == nil || n.CardinalityAct == nil {
		return 0, false
	}
	est, act := *n.CardinalityEst, *n.CardinalityAct
	if est <= 0 || act <= 0 {
		return 0, false
	}
	ratio := est / act
	if ratio < 1 {
		ratio = act / est
	} else if other := act / est; other > ratio {
		ratio = other
	}
	return ratio, true
}

// IsSeqScan reports whether this node is a sequential/full table scan,
// matched case-insensitively across DuckDB's SEQ_SCAN and Postgres's "Seq Scan".
func (n *PlanNode) IsSeqScan() bool {
	op := strings.ToUpper(strings.TrimSpace(n.Operator))
	return op == "SEQ_SCAN" || op == "SEQSCAN" || strings.ReplaceAll(op, " ", "") == "SEQSCAN"
}

// TableName extracts the base table name from Extra, when present.
func (n *PlanNode) TableName() (string, bool) {
	for _, key := range []string{"table", "Relation Name", "relation_name"} {
		if v, ok := n.Extra[key]; ok && v != "" {
			return strings.ToLower(v), true
		}
	}
	return "", false
}

// PlanTree is the rooted ordered tree produced by the Plan Parser.
type PlanTree struct {
	Root           *PlanNode
	Dialect        Dialect
	HasTimings     bool // false when per-operator ms were absent (degraded tree)
}

// Derived holds the downstream-facing observations computed once per tree.
type Derived struct {
	CostSpine         []*PlanNode
	DominantOperator  string
	RepeatedTables    map[string]int
	DeepestQErrorNode *PlanNode
	DeepestQError     float64
	HasNestedLoop     bool
	HasCorrelatedScan bool
	HasMergeJoinOnLarge bool
	JoinCount         int
	CTECount          int
	NonEquiJoin       bool
}

// ExclusiveMs computes exclusive time for a node reporting cumulative time,
// by subtracting the sum of its children's cumulative time. Nodes that
// already report exclusive time (HasTimings uses exclusive natively) are
// left untouched by the parser; this helper exists for cumulative-style
// engines (Postgres reports "Actual Total Time" cumulative per node).
func ExclusiveMs(node *PlanNode) float64 {
	if node.MsExclusive != nil {
		return *node.MsExclusive
	}
	if node.MsCumulative == nil {
		return 0
	}
	total := *node.MsCumulative
	for _, c := range node.Children {
		if c.MsCumulative != nil {
			total -= *c.MsCumulative
		}
	}
	if total < 0 {
		total = 0
	}
	return total
}

// CostSpine repeatedly descends into the highest-ms child, root to leaf,
// breaking ties by higher cardinality then by operator name order.
func CostSpine(root *PlanNode) []*PlanNode {
	var spine []*PlanNode
	node := root
	for node != nil {
		spine = append(spine, node)
		if len(node.Children) == 0 {
			break
		}
		node = highestMsChild(node.Children)
	}
	return spine
}

func highestMsChild(children []*PlanNode) *PlanNode {
	best := children[0]
	bestMs := ExclusiveMs(best)
	for _, c := range children[1:] {
		ms := ExclusiveMs(c)
		switch {
		case ms > bestMs:
			best, bestMs = c, ms
		case ms == bestMs:
			if cardinalityOf(c) > cardinalityOf(best) {
				best = c
			} else if cardinalityOf(c) == cardinalityOf(best) && c.Operator < best.Operator {
				best = c
			}
		}
	}
	return best
}

func cardinalityOf(n *PlanNode) float64 {
	if n.CardinalityAct != nil {
		return *n.CardinalityAct
	}
	if n.CardinalityEst != nil {
		return *n.CardinalityEst
	}
	return 0
}

// Derive computes the Derived observations for a parsed PlanTree.
func Derive(tree *PlanTree) Derived {
	d := Derived{RepeatedTables: map[string]int{}}
	if tree == nil || tree.Root == nil {
		return d
	}

	d.CostSpine = CostSpine(tree.Root)
	if len(d.CostSpine) > 0 {
		d.DominantOperator = d.CostSpine[len(d.CostSpine)-1].Operator
	}

	var walk func(n *PlanNode, depth int, correlated bool)
	walk = func(n *PlanNode, depth int, correlated bool) {
		if n.IsSeqScan() {
			if tbl, ok := n.TableName(); ok {
				d.RepeatedTables[tbl]++
			}
		}
		op := strings.ToUpper(n.Operator)
		if strings.Contains(op, "NESTED_LOOP") || strings.Contains(op, "NESTED LOOP") {
			d.HasNestedLoop = true
			if correlated {
				d.HasCorrelatedScan = true
			}
		}
		if strings.Contains(op, "MERGE_JOIN") || strings.Contains(op, "MERGE JOIN") {
			if cardinalityOf(n) > 100000 {
				d.HasMergeJoinOnLarge = true
			}
		}
		if strings.Contains(op, "JOIN") {
			d.JoinCount++
			if n.Extra["join_type"] == "non-equi" || n.Extra["non_equi"] == "true" {
				d.NonEquiJoin = true
			}
		}
		if strings.Contains(op, "CTE") {
			d.CTECount++
		}
		if q, ok := n.QError(); ok && q > d.DeepestQError {
			d.DeepestQError = q
			d.DeepestQErrorNode = n
		}
		childCorrelated := correlated || n.Extra["correlated"] == "true"
		for _, c := range n.Children {
			walk(c, depth+1, childCorrelated)
		}
	}
	walk(tree.Root, 0, false)

	for k := range d.RepeatedTables {
		if d.RepeatedTables[k] < 2 {
			delete(d.RepeatedTables, k)
		}
	}

	return d
}
