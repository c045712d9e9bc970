// Package sniper implements the Sniper/Synthesizer of spec.md §4.8: reads
// the BDA, selects the best foundation, and composes a new PatchPlan that
// may combine operations from up to three source PatchPlans, subject to
// the hard-stop rules and a no-anchor-reuse invariant. Grounded directly
// on spec.md §4.8; it reuses internal/patchplan and internal/gate/
// internal/bench for re-validation rather than introducing new libraries.
package sniper

import (
	"sort"

	"github.com/qbeam/beamopt/internal/patchplan"
	"github.com/qbeam/beamopt/internal/worker"
)

// MaxSourcePlans bounds how many source PatchPlans the synthesis may draw
// from (spec.md §4.8: "up to three source PatchPlans").
const MaxSourcePlans = 3

// MaxRounds bounds how many sniper rounds may run per mission (spec.md
// §4.8: "Up to two sniper rounds are permitted per mission").
const MaxRounds = 2

// Synthesis is the sniper's composed output.
type Synthesis struct {
	Plan         *patchplan.Plan
	SourceProbes []string
	RetryDigest  RetryDigest
}

// RetryDigest declares what the synthesis addressed and what remains open,
// by transform ID: Addressed lists the source results' transform IDs and
// Open the mission's other transform IDs. Pathology IDs are not recorded.
type RetryDigest struct {
	Addressed []string
	Open      []string
}

// Synthesize selects up to MaxSourcePlans candidate results (ranked by
// speedup, highest first, restricted to PASS/WIN outcomes carrying a
// PatchPlan) and composes their operations into one Plan. It never
// reuses an anchor hash whose subtree was edited by a different included
// op (spec.md §4.8 invariant): an op touching an anchor already claimed by
// an earlier included op, from any source, is dropped.
func Synthesize(results []worker.Result, allTransformIDs []string) (*Synthesis, bool) {
	sources := rankedSources(results)
	if len(sources) == 0 {
		return nil, false
	}
	if len(sources) > MaxSourcePlans {
		sources = sources[:MaxSourcePlans]
	}

	merged := &patchplan.Plan{Risk: highestRisk(sources)}
	claimed := map[uint64]bool{}
	var sourceProbes []string
	var addressed []string

	for _, src := range sources {
		sourceProbes = append(sourceProbes, src.ProbeID)
		addressed = append(addressed, src.TransformID)
		for _, op := range src.PatchPlan.Ops {
			if op.Anchor != 0 && claimed[op.Anchor] {
				continue // anchor already edited by an earlier included source
			}
			merged.Ops = append(merged.Ops, op)
			if op.Anchor != 0 {
				claimed[op.Anchor] = true
			}
		}
		merged.Transforms = append(merged.Transforms, src.PatchPlan.Transforms...)
	}

	if len(merged.Ops) == 0 {
		return nil, false
	}

	return &Synthesis{
		Plan:         merged,
		SourceProbes: sourceProbes,
		RetryDigest:  RetryDigest{Addressed: addressed, Open: openPathologies(allTransformIDs, addressed)},
	}, true
}

// rankedSources returns PASS/WIN results with a non-nil PatchPlan, sorted
// by descending speedup (nil speedup sorts last).
func rankedSources(results []worker.Result) []worker.Result {
	var out []worker.Result
	for _, r := range results {
		if r.PatchPlan == nil {
			continue
		}
		if r.Status != worker.StatusPass && r.Status != worker.StatusWin {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Speedup, out[j].Speedup
		if si == nil {
			return false
		}
		if sj == nil {
			return true
		}
		return *si > *sj
	})
	return out
}

func highestRisk(sources []worker.Result) patchplan.Risk {
	order := map[patchplan.Risk]int{patchplan.RiskLow: 0, patchplan.RiskMedium: 1, patchplan.RiskHigh: 2}
	best := patchplan.RiskLow
	for _, s := range sources {
		if s.PatchPlan == nil {
			continue
		}
		if order[s.PatchPlan.Risk] > order[best] {
			best = s.PatchPlan.Risk
		}
	}
	return best
}

func openPathologies(all []string, addressedTransforms []string) []string {
	addressed := map[string]bool{}
	for _, t := range addressedTransforms {
		addressed[t] = true
	}
	var open []string
	for _, id := range all {
		if !addressed[id] {
			open = append(open, id)
		}
	}
	return open
}
