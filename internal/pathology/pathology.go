// Package pathology implements the Detector capability, the pruning pass,
// and the P0-P9/P1-P7/C1-C6 matrix of spec.md §4.2/§4.2a. Per spec.md §9
// ("deep inheritance of rule classes... flattened to tagged variants + a
// Detector capability"), detectors are a flat slice of a single interface,
// not a class hierarchy, mirroring the flat rule-batch vocabulary visible
// in the teacher's (test-only) sql/analyzer package.
package pathology

import (
	"strconv"
	"strings"

	"github.com/qbeam/beamopt/internal/catalog"
	"github.com/qbeam/beamopt/internal/planmodel"
	"github.com/qbeam/beamopt/internal/sqlmodel"
)

// Detector is the flattened capability every pathology implements.
type Detector interface {
	ID() string
	Phase() int
	// Applicable runs the pruning pass: a cheap structural pre-check that
	// eliminates detectors that cannot possibly match before the full
	// Detect runs.
	Applicable(q Query, plan *planmodel.PlanTree, derived planmodel.Derived) bool
	// Detect runs the full detector; Match.Matched is false when it
	// surveyed the tree and found no instance.
	Detect(q Query, plan *planmodel.PlanTree, derived planmodel.Derived) Match
}

// Query bundles what a detector needs about the original statement.
type Query struct {
	Statement  *sqlmodel.Statement
	BaselineMs float64
}

// Match is a positive detection with its ranked candidate transforms.
type Match struct {
	Matched         bool
	PathologyID     string
	Candidates      []catalog.TransformOption
	Phase           int
}

// Registry is the ordered set of detectors built from the loaded catalog.
type Registry struct {
	detectors []Detector
}

// NewRegistry builds the flattened detector set from a loaded catalog.Registry.
func NewRegistry(reg *catalog.Registry) *Registry {
	r := &Registry{}
	byID := map[string]catalog.PathologyDef{}
	for _, p := range reg.Profile.Pathologies {
		byID[p.ID] = p
	}
	for id, ctor := range builtins {
		def, ok := byID[id]
		if !ok {
			continue
		}
		r.detectors = append(r.detectors, ctor(def))
	}
	return r
}

var builtins = map[string]func(catalog.PathologyDef) Detector{
	"P0": newP0,
	"P1": newP1,
	"P2": newP2,
	"P3": newP3,
	"P4": newP4,
	"P5": newP5,
	"P6": newP6,
	"P7": newP7,
	"P8": newP8,
	"P9": newP9,
	"C1": newC1,
	"C2": newC2,
	"C3": newC3,
	"C4": newC4,
	"C5": newC5,
	"C6": newC6,
}

// Prune runs the pruning pass (§4.2): eliminate inapplicable pathologies
// before running full detection.
func (r *Registry) Prune(q Query, plan *planmodel.PlanTree, derived planmodel.Derived) []Detector {
	var survivors []Detector
	for _, d := range r.detectors {
		if d.Applicable(q, plan, derived) {
			survivors = append(survivors, d)
		}
	}
	return survivors
}

// Detect runs every surviving detector in phase order (1, 2, 3).
func (r *Registry) Detect(q Query, plan *planmodel.PlanTree, derived planmodel.Derived) []Match {
	survivors := r.Prune(q, plan, derived)
	var matches []Match
	for phase := 1; phase <= 3; phase++ {
		for _, d := range survivors {
			if d.Phase() != phase {
				continue
			}
			m := d.Detect(q, plan, derived)
			if m.Matched {
				m.Phase = phase
				matches = append(matches, m)
			}
		}
	}
	return matches
}

// --- shared helpers ---

func hasLeftJoin(stmt *sqlmodel.Statement) bool {
	return strings.Contains(strings.ToUpper(stmt.Body.Text), "LEFT JOIN")
}

func hasCoalesceOrIsNullGuard(stmt *sqlmodel.Statement) bool {
	upper := strings.ToUpper(stmt.Body.Text)
	return strings.Contains(upper, "COALESCE") || strings.Contains(upper, "IS NULL")
}

func candidatesFor(def catalog.PathologyDef) []catalog.TransformOption {
	return def.TransformOptions
}

// --- P0: multi-stage CTE chain + late selective predicate ---

type p0 struct{ def catalog.PathologyDef }

func newP0(def catalog.PathologyDef) Detector { return &p0{def} }
func (d *p0) ID() string                      { return d.def.ID }
func (d *p0) Phase() int                      { return 1 }
func (d *p0) Applicable(q Query, _ *planmodel.PlanTree, derived planmodel.Derived) bool {
	return derived.CTECount >= 2 && q.BaselineMs >= 100
}
func (d *p0) Detect(q Query, _ *planmodel.PlanTree, derived planmodel.Derived) Match {
	if len(q.Statement.CTEs) < 2 {
		return Match{}
	}
	return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
}

// --- P1: same base table scanned N>=2x with identical joins ---

type p1 struct{ def catalog.PathologyDef }

func newP1(def catalog.PathologyDef) Detector { return &p1{def} }
func (d *p1) ID() string                      { return d.def.ID }
func (d *p1) Phase() int                      { return 2 }
func (d *p1) Applicable(_ Query, _ *planmodel.PlanTree, derived planmodel.Derived) bool {
	for _, n := range derived.RepeatedTables {
		if n >= 2 {
			return true
		}
	}
	return false
}
func (d *p1) Detect(_ Query, _ *planmodel.PlanTree, derived planmodel.Derived) Match {
	for _, n := range derived.RepeatedTables {
		if n >= 2 && n <= 8 {
			return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
		}
	}
	return Match{}
}

// --- P2: nested loop + inner aggregate re-execution, never on EXISTS ---

type p2 struct{ def catalog.PathologyDef }

func newP2(def catalog.PathologyDef) Detector { return &p2{def} }
func (d *p2) ID() string                      { return d.def.ID }
func (d *p2) Phase() int                      { return 3 }
func (d *p2) Applicable(_ Query, _ *planmodel.PlanTree, derived planmodel.Derived) bool {
	return derived.HasNestedLoop && derived.HasCorrelatedScan
}
func (d *p2) Detect(q Query, _ *planmodel.PlanTree, derived planmodel.Derived) Match {
	upper := strings.ToUpper(q.Statement.Body.Text)
	if strings.Contains(upper, "EXISTS") || strings.Contains(upper, "NOT EXISTS") {
		return Match{}
	}
	if derived.HasNestedLoop && derived.HasCorrelatedScan {
		return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
	}
	return Match{}
}

// --- P3: GROUP BY input rows >> distinct keys after join ---

type p3 struct{ def catalog.PathologyDef }

func newP3(def catalog.PathologyDef) Detector { return &p3{def} }
func (d *p3) ID() string                      { return d.def.ID }
func (d *p3) Phase() int                      { return 2 }
func (d *p3) Applicable(q Query, _ *planmodel.PlanTree, derived planmodel.Derived) bool {
	return strings.Contains(strings.ToUpper(q.Statement.Body.Text), "GROUP BY") && derived.JoinCount > 0
}
func (d *p3) Detect(_ Query, _ *planmodel.PlanTree, derived planmodel.Derived) Match {
	if derived.DeepestQError >= 10 {
		return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
	}
	return Match{}
}

// --- P4: full scan + OR across different columns, max 3 branches ---

type p4 struct{ def catalog.PathologyDef }

func newP4(def catalog.PathologyDef) Detector { return &p4{def} }
func (d *p4) ID() string                      { return d.def.ID }
func (d *p4) Phase() int                      { return 3 }
func (d *p4) Applicable(q Query, _ *planmodel.PlanTree, _ planmodel.Derived) bool {
	return strings.Contains(strings.ToUpper(q.Statement.Body.Text), " OR ")
}
func (d *p4) Detect(q Query, _ *planmodel.PlanTree, _ planmodel.Derived) Match {
	branches := sqlmodel.SplitTopLevelOrExported(strings.ToLower(sqlmodel.WhereClause(q.Statement.Body.Text)))
	if len(branches) < 2 || len(branches) > 3 {
		return Match{}
	}
	// Hard-stop: never split same-column OR into UNION.
	if _, same := sqlmodel.SameColumnOR(branches); same {
		return Match{}
	}
	return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
}

// --- P5: LEFT JOIN + WHERE on right-table non-null column ---

type p5 struct{ def catalog.PathologyDef }

func newP5(def catalog.PathologyDef) Detector { return &p5{def} }
func (d *p5) ID() string                      { return d.def.ID }
func (d *p5) Phase() int                      { return 3 }
func (d *p5) Applicable(q Query, _ *planmodel.PlanTree, _ planmodel.Derived) bool {
	return hasLeftJoin(q.Statement)
}
func (d *p5) Detect(q Query, _ *planmodel.PlanTree, _ planmodel.Derived) Match {
	if hasCoalesceOrIsNullGuard(q.Statement) {
		return Match{}
	}
	if hasLeftJoin(q.Statement) && strings.Contains(strings.ToUpper(q.Statement.Body.Text), "WHERE") {
		return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
	}
	return Match{}
}

// --- P6: INTERSECT with both sides >1k rows ---

type p6 struct{ def catalog.PathologyDef }

func newP6(def catalog.PathologyDef) Detector { return &p6{def} }
func (d *p6) ID() string                      { return d.def.ID }
func (d *p6) Phase() int                      { return 3 }
func (d *p6) Applicable(q Query, _ *planmodel.PlanTree, _ planmodel.Derived) bool {
	return strings.Contains(strings.ToUpper(q.Statement.Body.Text), "INTERSECT")
}
func (d *p6) Detect(_ Query, plan *planmodel.PlanTree, _ planmodel.Derived) Match {
	if plan == nil || plan.Root == nil || len(plan.Root.Children) < 2 {
		return Match{}
	}
	for _, side := range plan.Root.Children {
		act := side.CardinalityAct
		if act == nil || *act <= 1000 {
			return Match{}
		}
	}
	return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
}

// --- P7: CTE self-joined by 2-4 discriminator values ---

type p7 struct{ def catalog.PathologyDef }

func newP7(def catalog.PathologyDef) Detector { return &p7{def} }
func (d *p7) ID() string                      { return d.def.ID }
func (d *p7) Phase() int                      { return 3 }
func (d *p7) Applicable(q Query, _ *planmodel.PlanTree, derived planmodel.Derived) bool {
	return derived.CTECount >= 1 && derived.JoinCount >= 2
}
func (d *p7) Detect(q Query, _ *planmodel.PlanTree, derived planmodel.Derived) Match {
	if len(q.Statement.CTEs) != 1 {
		return Match{}
	}
	name := strings.ToLower(q.Statement.CTEs[0].Name)
	occurrences := strings.Count(strings.ToLower(q.Statement.Body.Text), name)
	if occurrences >= 2 && occurrences <= 4 {
		return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
	}
	return Match{}
}

// --- P8: WINDOW inside CTE then JOIN, same ORDER BY, never LAG/LEAD ---

type p8 struct{ def catalog.PathologyDef }

func newP8(def catalog.PathologyDef) Detector { return &p8{def} }
func (d *p8) ID() string                      { return d.def.ID }
func (d *p8) Phase() int                      { return 3 }
func (d *p8) Applicable(q Query, _ *planmodel.PlanTree, derived planmodel.Derived) bool {
	return derived.CTECount >= 1
}
func (d *p8) Detect(q Query, _ *planmodel.PlanTree, _ planmodel.Derived) Match {
	for _, cte := range q.Statement.CTEs {
		upper := strings.ToUpper(cte.Text)
		if !strings.Contains(upper, "OVER (") && !strings.Contains(upper, "OVER(") {
			continue
		}
		if strings.Contains(upper, "LAG(") || strings.Contains(upper, "LEAD(") {
			continue
		}
		if strings.Contains(strings.ToUpper(q.Statement.Body.Text), "JOIN") {
			return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
		}
	}
	return Match{}
}

// --- P9: identical expensive subtrees in branches, never on EXISTS ---

type p9 struct{ def catalog.PathologyDef }

func newP9(def catalog.PathologyDef) Detector { return &p9{def} }
func (d *p9) ID() string                      { return d.def.ID }
func (d *p9) Phase() int                      { return 3 }
func (d *p9) Applicable(_ Query, plan *planmodel.PlanTree, _ planmodel.Derived) bool {
	return plan != nil && plan.Root != nil && len(plan.Root.Children) >= 2
}
func (d *p9) Detect(q Query, plan *planmodel.PlanTree, _ planmodel.Derived) Match {
	upper := strings.ToUpper(q.Statement.Body.Text)
	if strings.Contains(upper, "EXISTS") {
		return Match{}
	}
	seen := map[string]bool{}
	for _, child := range plan.Root.Children {
		sig := subtreeSignature(child)
		if seen[sig] {
			return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
		}
		seen[sig] = true
	}
	return Match{}
}

// --- C1-C6: Postgres-specific pathologies (spec.md §3), read off the
// "Recheck Cond"/"Sort Method"/"Batches"/"Workers Planned"/"Actual Loops"
// fields planparse.parsePostgresJSON now threads into PlanNode.Extra. Each
// is gated on plan.Dialect==postgres first, since none of these fields
// exist on a DuckDB tree.

func isPostgres(plan *planmodel.PlanTree) bool {
	return plan != nil && plan.Dialect == planmodel.DialectPostgres
}

// findNode returns the first node (pre-order) for which pred is true.
func findNode(n *planmodel.PlanNode, pred func(*planmodel.PlanNode) bool) *planmodel.PlanNode {
	if n == nil {
		return nil
	}
	if pred(n) {
		return n
	}
	for _, c := range n.Children {
		if found := findNode(c, pred); found != nil {
			return found
		}
	}
	return nil
}

func extraFloat(n *planmodel.PlanNode, key string) (float64, bool) {
	v, ok := n.Extra[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// --- C1: Bitmap Heap Scan whose bitmap went lossy, forcing Postgres to
// recheck the index condition against the live heap page (EXPLAIN surfaces
// this as "Rows Removed by Index Recheck" > 0 alongside "Recheck Cond") ---

type c1 struct{ def catalog.PathologyDef }

func newC1(def catalog.PathologyDef) Detector { return &c1{def} }
func (d *c1) ID() string                      { return d.def.ID }
func (d *c1) Phase() int                      { return 1 }
func (d *c1) Applicable(_ Query, plan *planmodel.PlanTree, _ planmodel.Derived) bool {
	return isPostgres(plan) && plan.Root != nil
}
func (d *c1) Detect(_ Query, plan *planmodel.PlanTree, _ planmodel.Derived) Match {
	hit := findNode(plan.Root, func(n *planmodel.PlanNode) bool {
		if n.Extra["recheck_cond"] == "" {
			return false
		}
		removed, ok := extraFloat(n, "rows_removed_by_index_recheck")
		return ok && removed > 0
	})
	if hit == nil {
		return Match{}
	}
	return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
}

// --- C2: correlated SubPlan re-executed once per outer row (Actual Loops
// > 1 on a SubPlan/InitPlan node) ---

type c2 struct{ def catalog.PathologyDef }

func newC2(def catalog.PathologyDef) Detector { return &c2{def} }
func (d *c2) ID() string                      { return d.def.ID }
func (d *c2) Phase() int                      { return 3 }
func (d *c2) Applicable(_ Query, plan *planmodel.PlanTree, _ planmodel.Derived) bool {
	return isPostgres(plan) && plan.Root != nil
}
func (d *c2) Detect(_ Query, plan *planmodel.PlanTree, _ planmodel.Derived) Match {
	hit := findNode(plan.Root, func(n *planmodel.PlanNode) bool {
		if !strings.Contains(n.Operator, "SubPlan") && !strings.Contains(n.Operator, "InitPlan") {
			return false
		}
		loops, ok := extraFloat(n, "actual_loops")
		return ok && loops > 1
	})
	if hit == nil {
		return Match{}
	}
	return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
}

// --- C3: external sort spilling to disk (Sort Method "external merge",
// Sort Space Type "Disk") ---

type c3 struct{ def catalog.PathologyDef }

func newC3(def catalog.PathologyDef) Detector { return &c3{def} }
func (d *c3) ID() string                      { return d.def.ID }
func (d *c3) Phase() int                      { return 1 }
func (d *c3) Applicable(_ Query, plan *planmodel.PlanTree, _ planmodel.Derived) bool {
	return isPostgres(plan) && plan.Root != nil
}
func (d *c3) Detect(_ Query, plan *planmodel.PlanTree, _ planmodel.Derived) Match {
	hit := findNode(plan.Root, func(n *planmodel.PlanNode) bool {
		return strings.EqualFold(n.Extra["sort_space_type"], "disk") ||
			strings.Contains(strings.ToLower(n.Extra["sort_method"]), "external")
	})
	if hit == nil {
		return Match{}
	}
	return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
}

// --- C4: hash join/aggregate spilling to multiple batches (Batches > 1,
// i.e. the in-memory hash table didn't fit work_mem) ---

type c4 struct{ def catalog.PathologyDef }

func newC4(def catalog.PathologyDef) Detector { return &c4{def} }
func (d *c4) ID() string                      { return d.def.ID }
func (d *c4) Phase() int                      { return 1 }
func (d *c4) Applicable(_ Query, plan *planmodel.PlanTree, _ planmodel.Derived) bool {
	return isPostgres(plan) && plan.Root != nil
}
func (d *c4) Detect(_ Query, plan *planmodel.PlanTree, _ planmodel.Derived) Match {
	hit := findNode(plan.Root, func(n *planmodel.PlanNode) bool {
		if !strings.Contains(strings.ToUpper(n.Operator), "HASH") {
			return false
		}
		batches, ok := extraFloat(n, "batches")
		return ok && batches > 1
	})
	if hit == nil {
		return Match{}
	}
	return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
}

// --- C5: Gather/Gather Merge launched fewer parallel workers than planned
// (Workers Launched < Workers Planned), so the plan paid for coordination
// overhead it didn't fully collect the benefit of ---

type c5 struct{ def catalog.PathologyDef }

func newC5(def catalog.PathologyDef) Detector { return &c5{def} }
func (d *c5) ID() string                      { return d.def.ID }
func (d *c5) Phase() int                      { return 1 }
func (d *c5) Applicable(_ Query, plan *planmodel.PlanTree, _ planmodel.Derived) bool {
	return isPostgres(plan) && plan.Root != nil
}
func (d *c5) Detect(_ Query, plan *planmodel.PlanTree, _ planmodel.Derived) Match {
	hit := findNode(plan.Root, func(n *planmodel.PlanNode) bool {
		planned, ok := extraFloat(n, "workers_planned")
		if !ok || planned == 0 {
			return false
		}
		launched, ok := extraFloat(n, "workers_launched")
		return ok && launched < planned
	})
	if hit == nil {
		return Match{}
	}
	return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
}

// --- C6: Materialize node wrapping a correlated inner scan, re-executed
// once per outer row (Actual Loops > 1 on a "Materialize" parented as the
// inner side of a nested loop) ---

type c6 struct{ def catalog.PathologyDef }

func newC6(def catalog.PathologyDef) Detector { return &c6{def} }
func (d *c6) ID() string                      { return d.def.ID }
func (d *c6) Phase() int                      { return 3 }
func (d *c6) Applicable(_ Query, plan *planmodel.PlanTree, _ planmodel.Derived) bool {
	return isPostgres(plan) && plan.Root != nil
}
func (d *c6) Detect(_ Query, plan *planmodel.PlanTree, _ planmodel.Derived) Match {
	hit := findNode(plan.Root, func(n *planmodel.PlanNode) bool {
		if !strings.Contains(n.Operator, "Materialize") {
			return false
		}
		loops, ok := extraFloat(n, "actual_loops")
		if !ok || loops <= 1 {
			return false
		}
		return strings.EqualFold(n.Extra["parent_relationship"], "Inner")
	})
	if hit == nil {
		return Match{}
	}
	return Match{Matched: true, PathologyID: d.def.ID, Candidates: candidatesFor(d.def)}
}

func subtreeSignature(n *planmodel.PlanNode) string {
	var b strings.Builder
	var walk func(*planmodel.PlanNode)
	walk = func(node *planmodel.PlanNode) {
		b.WriteString(node.Operator)
		b.WriteByte(';')
		for _, c := range node.Children {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
