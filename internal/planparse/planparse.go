// Package planparse converts backend-specific EXPLAIN ANALYZE output into
// the uniform planmodel.PlanTree (spec.md §4.1). Grounded on the
// hand-rolled FORMAT JSON parsing shown in other_examples'
// goatkit-goatflow and fredcamaral-mcp-alfarrabio query optimizers: both
// parse EXPLAIN (FORMAT JSON) with encoding/json and fall back to a
// plainer EXPLAIN when ANALYZE isn't available, rather than reaching for
// a dedicated EXPLAIN-parsing library.
package planparse

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/qbeam/beamopt/internal/errorsx"
	"github.com/qbeam/beamopt/internal/planmodel"
)

// Parse dispatches to the dialect-specific strategy. Absent per-operator
// timings degrade the tree (HasTimings=false) rather than fail it; only
// genuinely unrecognizable text raises PlanParseFailed.
func Parse(raw string, dialect planmodel.Dialect) (*planmodel.PlanTree, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errorsx.PlanParseFailed.New("empty explain output")
	}
	switch dialect {
	case planmodel.DialectPostgres:
		return parsePostgresJSON(raw)
	case planmodel.DialectDuckDB:
		return parseDuckDBText(raw)
	default:
		return nil, errorsx.PlanParseFailed.New(fmt.Sprintf("unknown dialect %q", dialect))
	}
}

// --- Postgres: EXPLAIN (ANALYZE, FORMAT JSON) ---

type pgPlanJSON struct {
	NodeType                  string                 `json:"Node Type"`
	RelationName              string                 `json:"Relation Name"`
	JoinType                  string                 `json:"Join Type"`
	ParentRelationship        string                 `json:"Parent Relationship"`
	PlanRows                  *float64               `json:"Plan Rows"`
	ActualRows                *float64               `json:"Actual Rows"`
	ActualLoops               *float64               `json:"Actual Loops"`
	ActualTotalTime           *float64               `json:"Actual Total Time"`
	RecheckCond               string                 `json:"Recheck Cond"`
	RowsRemovedByIndexRecheck *float64               `json:"Rows Removed by Index Recheck"`
	SortMethod                string                 `json:"Sort Method"`
	SortSpaceUsed             *float64               `json:"Sort Space Used"`
	SortSpaceType             string                 `json:"Sort Space Type"`
	Batches                   *float64               `json:"Batches"`
	WorkersPlanned            *float64               `json:"Workers Planned"`
	WorkersLaunched           *float64               `json:"Workers Launched"`
	Plans                     []pgPlanJSON           `json:"Plans"`
	Extra                     map[string]interface{} `json:"-"`
}

type pgRoot struct {
	Plan pgPlanJSON `json:"Plan"`
}

func parsePostgresJSON(raw string) (*planmodel.PlanTree, error) {
	var roots []pgRoot
	if err := json.Unmarshal([]byte(raw), &roots); err != nil {
		var single pgRoot
		if err2 := json.Unmarshal([]byte(raw), &single); err2 != nil {
			return nil, errorsx.PlanParseFailed.New(err.Error())
		}
		roots = []pgRoot{single}
	}
	if len(roots) == 0 {
		return nil, errorsx.PlanParseFailed.New("no plan root found in postgres json")
	}

	hasTimings := true
	var convert func(n pgPlanJSON) *planmodel.PlanNode
	convert = func(n pgPlanJSON) *planmodel.PlanNode {
		node := &planmodel.PlanNode{
			Operator: n.NodeType,
			Extra:    map[string]string{},
		}
		if n.RelationName != "" {
			node.Extra["Relation Name"] = n.RelationName
		}
		if n.JoinType != "" {
			node.Extra["join_type"] = n.JoinType
		}
		if n.ParentRelationship != "" {
			node.Extra["parent_relationship"] = n.ParentRelationship
		}
		if n.PlanRows != nil {
			node.CardinalityEst = n.PlanRows
		}
		if n.ActualRows != nil {
			node.CardinalityAct = n.ActualRows
		} else {
			hasTimings = false
		}
		if n.ActualLoops != nil {
			node.Extra["actual_loops"] = strconv.FormatFloat(*n.ActualLoops, 'f', -1, 64)
		}
		if n.ActualTotalTime != nil {
			node.MsCumulative = n.ActualTotalTime
		} else {
			hasTimings = false
		}
		// C1-C6 diagnostic fields (spec.md §3's Postgres-specific pathology
		// tags): recorded whenever EXPLAIN surfaces them, regardless of
		// whether any detector currently reads them, so a future detector
		// added to the matrix has the signal already threaded through.
		if n.RecheckCond != "" {
			node.Extra["recheck_cond"] = n.RecheckCond
		}
		if n.RowsRemovedByIndexRecheck != nil {
			node.Extra["rows_removed_by_index_recheck"] = strconv.FormatFloat(*n.RowsRemovedByIndexRecheck, 'f', -1, 64)
		}
		if n.SortMethod != "" {
			node.Extra["sort_method"] = n.SortMethod
		}
		if n.SortSpaceUsed != nil {
			node.Extra["sort_space_used"] = strconv.FormatFloat(*n.SortSpaceUsed, 'f', -1, 64)
		}
		if n.SortSpaceType != "" {
			node.Extra["sort_space_type"] = n.SortSpaceType
		}
		if n.Batches != nil {
			node.Extra["batches"] = strconv.FormatFloat(*n.Batches, 'f', -1, 64)
		}
		if n.WorkersPlanned != nil {
			node.Extra["workers_planned"] = strconv.FormatFloat(*n.WorkersPlanned, 'f', -1, 64)
		}
		if n.WorkersLaunched != nil {
			node.Extra["workers_launched"] = strconv.FormatFloat(*n.WorkersLaunched, 'f', -1, 64)
		}
		for _, c := range n.Plans {
			node.Children = append(node.Children, convert(c))
		}
		return node
	}

	root := convert(roots[0].Plan)
	lowerExclusive(root)

	return &planmodel.PlanTree{Root: root, Dialect: planmodel.DialectPostgres, HasTimings: hasTimings}, nil
}

// lowerExclusive converts cumulative ms (as Postgres reports them) into
// exclusive ms in place, post-order, so parents see already-converted
// children cumulative values via planmodel.ExclusiveMs before conversion.
func lowerExclusive(node *planmodel.PlanNode) {
	for _, c := range node.Children {
		lowerExclusive(c)
	}
	if node.MsCumulative != nil {
		excl := planmodel.ExclusiveMs(node)
		node.MsExclusive = &excl
	}
}

// --- DuckDB: EXPLAIN ANALYZE boxed text tree ---
//
// DuckDB renders a unicode box-drawing tree, one operator per box, with
// lines inside the box of the form "key: value" (e.g. "Total Time: 12.3ms",
// "Cardinality: 1000"). We walk lines tracking indentation depth via the
// box-drawing connector characters to rebuild parent/child edges.

func parseDuckDBText(raw string) (*planmodel.PlanTree, error) {
	lines := strings.Split(raw, "\n")
	type frame struct {
		node  *planmodel.PlanNode
		depth int
	}
	var stack []frame
	var root *planmodel.PlanNode
	hasTimings := false
	var current *planmodel.PlanNode

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		depth := indentDepth(line)

		if isOperatorLine(trimmed) {
			node := &planmodel.PlanNode{Operator: cleanOperator(trimmed), Extra: map[string]string{}}
			for len(stack) > 0 && stack[len(stack)-1].depth >= depth {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				if root == nil {
					root = node
				}
			} else {
				parent := stack[len(stack)-1].node
				parent.Children = append(parent.Children, node)
			}
			stack = append(stack, frame{node: node, depth: depth})
			current = node
			continue
		}

		if current == nil {
			continue
		}
		key, val, ok := splitKeyValue(trimmed)
		if !ok {
			continue
		}
		applyDuckDBField(current, key, val, &hasTimings)
	}

	if root == nil {
		return nil, errorsx.PlanParseFailed.New("no operator lines recognized in duckdb explain output")
	}

	return &planmodel.PlanTree{Root: root, Dialect: planmodel.DialectDuckDB, HasTimings: hasTimings}, nil
}

func indentDepth(line string) int {
	depth := 0
	for _, r := range line {
		switch r {
		case ' ', '│', '|':
			depth++
		default:
			return depth
		}
	}
	return depth
}

func isOperatorLine(trimmed string) bool {
	upper := strings.ToUpper(trimmed)
	for _, marker := range []string{"SEQ_SCAN", "HASH_JOIN", "NESTED_LOOP_JOIN", "PROJECTION",
		"FILTER", "HASH_GROUP_BY", "AGGREGATE", "ORDER_BY", "TOP_N", "CTE", "UNION", "WINDOW",
		"PIECEWISE_MERGE_JOIN", "DELIM_JOIN", "EXISTS"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

func cleanOperator(trimmed string) string {
	trimmed = strings.Trim(trimmed, "│┌┐└┘─├┤ ")
	return trimmed
}

func splitKeyValue(trimmed string) (string, string, bool) {
	trimmed = strings.Trim(trimmed, "│┌┐└┘─├┤ ")
	idx := strings.Index(trimmed, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(trimmed[:idx]), strings.TrimSpace(trimmed[idx+1:]), true
}

func applyDuckDBField(node *planmodel.PlanNode, key, val string, hasTimings *bool) {
	switch strings.ToLower(key) {
	case "total time", "ms", "time":
		if ms, ok := parseMs(val); ok {
			node.MsExclusive = &ms
			*hasTimings = true
		}
	case "cardinality", "rows":
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			node.CardinalityAct = &f
		}
	case "estimated cardinality", "est. cardinality":
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			node.CardinalityEst = &f
		}
	case "table", "name":
		node.Extra["table"] = val
	default:
		node.Extra[key] = val
	}
}

func parseMs(val string) (float64, bool) {
	val = strings.TrimSpace(val)
	val = strings.TrimSuffix(val, "ms")
	val = strings.TrimSuffix(val, "s")
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
