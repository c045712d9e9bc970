// Package patchplan implements the PatchPlan IR (spec.md §3), its
// anchor-hash addressing (§9), and the applier + structural validator
// (§4.5). Anchor hashes are computed with mitchellh/hashstructure over a
// canonicalized sqlmodel.Node, the teacher's direct dependency used here
// for exactly its intended purpose: a deterministic structural hash.
package patchplan

import (
	"github.com/mitchellh/hashstructure"

	"github.com/qbeam/beamopt/internal/errorsx"
	"github.com/qbeam/beamopt/internal/sqlmodel"
)

// Risk is the declared risk level of a PatchPlan (spec.md §6 wire format).
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// OpKind enumerates the PatchPlan operation shapes from spec.md §3.
type OpKind string

const (
	OpInsertCTE        OpKind = "insert_cte"
	OpReplaceFrom       OpKind = "replace_from"
	OpReplaceWherePred  OpKind = "replace_where_predicate"
	OpRewriteSelect     OpKind = "rewrite_select"
	OpReplaceSubquery   OpKind = "replace_subquery"
	OpDeleteNode        OpKind = "delete_node"
)

// Op is one anchor-addressed edit operation.
type Op struct {
	Kind   OpKind `json:"kind"`
	Anchor uint64 `json:"anchor,omitempty"` // 0 for insert_cte, which has no target anchor
	Name   string `json:"name,omitempty"`   // insert_cte
	SQL    string `json:"sql,omitempty"`    // new body/clause/predicate/select-list/subquery text
}

// Plan is the ordered edit script plus metadata (spec.md §3, §6).
type Plan struct {
	Ops                 []Op     `json:"ops"`
	Transforms          []string `json:"transforms"`
	ExpectedExplainDelta string  `json:"expected_explain_delta"`
	Risk                Risk     `json:"risk"`
}

// AnchorHash computes the formatting-independent digest of a canonicalized
// subtree (spec.md §3's "anchor hash"). Two ASTs that differ only in
// whitespace or comments must yield the same hash (Testable Property 6).
func AnchorHash(n *sqlmodel.Node) (uint64, error) {
	canon := sqlmodel.Canonicalize(n)
	h, err := hashstructure.Hash(struct {
		Kind string
		Text string
	}{Kind: string(n.Kind), Text: canon}, nil)
	if err != nil {
		return 0, err
	}
	return h, nil
}

// Index maps anchor hashes to the live nodes of the current (possibly
// already-mutated) AST, rebuilt after every successful op so later ops in
// the same Plan see the mutated tree (spec.md §4.5).
type Index struct {
	byHash map[uint64]*sqlmodel.Node
	stmt   *sqlmodel.Statement
}

// BuildIndex walks a Statement and hashes every CTE and the body.
func BuildIndex(stmt *sqlmodel.Statement) (*Index, error) {
	idx := &Index{byHash: map[uint64]*sqlmodel.Node{}, stmt: stmt}
	for _, cte := range stmt.CTEs {
		h, err := AnchorHash(cte)
		if err != nil {
			return nil, err
		}
		idx.byHash[h] = cte
	}
	if stmt.Body != nil {
		h, err := AnchorHash(stmt.Body)
		if err != nil {
			return nil, err
		}
		idx.byHash[h] = stmt.Body
		var walk func(n *sqlmodel.Node)
		walk = func(n *sqlmodel.Node) {
			for _, c := range n.Children {
				ch, err := AnchorHash(c)
				if err == nil {
					idx.byHash[ch] = c
				}
				walk(c)
			}
		}
		walk(stmt.Body)
	}
	return idx, nil
}

func (idx *Index) lookup(anchor uint64) (*sqlmodel.Node, bool) {
	n, ok := idx.byHash[anchor]
	return n, ok
}

// Hashes returns every anchor hash indexed from the statement, in no
// particular order (used by the dispatcher to tell a worker which anchors
// its probe is allowed to reference).
func (idx *Index) Hashes() []uint64 {
	out := make([]uint64, 0, len(idx.byHash))
	for h := range idx.byHash {
		out = append(out, h)
	}
	return out
}

// Apply runs a Plan's ops in order against stmt, rebuilding the anchor
// index after each mutation. Invariant (spec.md §3): every anchor in a
// Plan MUST exist in the current AST, or the whole plan is rejected with
// ANCHOR_MISSING (FAIL_TIER1).
func Apply(stmt *sqlmodel.Statement, plan *Plan) (*sqlmodel.Statement, error) {
	working := cloneStatement(stmt)

	for _, op := range plan.Ops {
		idx, err := BuildIndex(working)
		if err != nil {
			return nil, err
		}

		switch op.Kind {
		case OpInsertCTE:
			working.CTEs = append(working.CTEs, &sqlmodel.Node{
				Kind: sqlmodel.KindCTE,
				Name: op.Name,
				Text: op.SQL,
			})

		case OpDeleteNode:
			target, ok := idx.lookup(op.Anchor)
			if !ok {
				return nil, errorsx.AnchorMissing.New(op.Kind)
			}
			working.CTEs = removeCTE(working.CTEs, target)

		case OpReplaceFrom, OpReplaceWherePred, OpRewriteSelect, OpReplaceSubquery:
			target, ok := idx.lookup(op.Anchor)
			if !ok {
				return nil, errorsx.AnchorMissing.New(op.Kind)
			}
			target.Text = op.SQL

		default:
			return nil, errorsx.PatchParseFailed.New("unknown op kind " + string(op.Kind))
		}
	}

	// Ops rewrite node Text in place; re-derive the literal inventory from
	// the mutated tree rather than carrying the pre-mutation snapshot
	// cloneStatement copied, or checkLiteralPreservation would never see a
	// rewrite's actual literals (spec.md Testable Property 2).
	working.Literals = collectLiterals(working)

	return working, nil
}

func collectLiterals(stmt *sqlmodel.Statement) []string {
	var lits []string
	for _, c := range stmt.CTEs {
		lits = append(lits, sqlmodel.ExtractLiterals(c.Text)...)
	}
	if stmt.Body != nil {
		lits = append(lits, sqlmodel.ExtractLiterals(stmt.Body.Text)...)
	}
	return lits
}

func cloneStatement(stmt *sqlmodel.Statement) *sqlmodel.Statement {
	clone := &sqlmodel.Statement{Raw: stmt.Raw, Literals: append([]string(nil), stmt.Literals...)}
	for _, c := range stmt.CTEs {
		clone.CTEs = append(clone.CTEs, cloneNode(c))
	}
	clone.Body = cloneNode(stmt.Body)
	return clone
}

func cloneNode(n *sqlmodel.Node) *sqlmodel.Node {
	if n == nil {
		return nil
	}
	clone := &sqlmodel.Node{Kind: n.Kind, Text: n.Text, Name: n.Name}
	for _, c := range n.Children {
		clone.Children = append(clone.Children, cloneNode(c))
	}
	return clone
}

func removeCTE(ctes []*sqlmodel.Node, target *sqlmodel.Node) []*sqlmodel.Node {
	out := ctes[:0]
	for _, c := range ctes {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// ValidateAnchors rejects a Plan structurally when any anchor it
// references is absent from the current stmt, without mutating anything
// (used by mission.validateAndBench to fail fast before Apply).
func ValidateAnchors(stmt *sqlmodel.Statement, plan *Plan) error {
	idx, err := BuildIndex(stmt)
	if err != nil {
		return err
	}
	for _, op := range plan.Ops {
		if op.Kind == OpInsertCTE {
			continue
		}
		if _, ok := idx.lookup(op.Anchor); !ok {
			return errorsx.AnchorMissing.New(op.Kind)
		}
	}
	return nil
}
