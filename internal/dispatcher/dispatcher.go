// Package dispatcher selects N single-transform probe assignments from
// the pathology matches and builds each probe's worker briefing (spec.md
// §4.3). Briefing assembly follows the section-by-section
// strings.Builder composition shown in other_examples'
// dmitriimaksimovdevelop-melisai ai_prompt.go: a typed Briefing struct
// rendered by one Render method, with a cached static header concatenated
// to a per-probe dynamic tail (spec.md §9).
package dispatcher

import (
	"fmt"
	"strings"

	uuid "github.com/satori/go.uuid"

	"github.com/qbeam/beamopt/internal/catalog"
	"github.com/qbeam/beamopt/internal/pathology"
	"github.com/qbeam/beamopt/internal/patchplan"
	"github.com/qbeam/beamopt/internal/sqlmodel"
)

// Importance is the dispatcher's ★ rating controlling probe count (spec.md §4.3).
type Importance int

const (
	Importance1 Importance = 1
	Importance2 Importance = 2
	Importance3 Importance = 3
)

// probeCountFor maps importance to the adaptive N of spec.md §4.3.
func probeCountFor(importance Importance, matchCount int) int {
	switch importance {
	case Importance1:
		return 4
	case Importance2:
		return 8
	case Importance3:
		if matchCount >= 3 {
			return 16
		}
		return 12
	default:
		return 4
	}
}

// Probe is a single-transform worker assignment (spec.md §3).
type Probe struct {
	ID              string
	TransformID     string
	PathologyID     string
	TargetAnchors   []uint64
	Briefing        string
	DeadlineSeconds int
}

// staticHeaderCache holds the catalog-derived text shared by every briefing;
// it is built by the first StaticHeader call and reused by every later call
// in the process, whichever Registry is passed, and concatenated with each
// probe's dynamic tail (spec.md §9's static/dynamic boundary).
var staticHeaderCache string

// StaticHeader renders (and caches) the shared catalog header.
func StaticHeader(reg *catalog.Registry) string {
	if staticHeaderCache != "" {
		return staticHeaderCache
	}
	var b strings.Builder
	b.WriteString("You are rewriting a single SQL query for equivalent, faster execution.\n")
	b.WriteString("Known transform catalog:\n")
	for _, t := range reg.Transforms.Transforms {
		b.WriteString(fmt.Sprintf("  - %s\n", t.Name))
	}
	staticHeaderCache = b.String()
	return staticHeaderCache
}

// Dispatch builds the probe set for a mission. Diversity requirement
// (spec.md §4.3): when >=3 distinct pathology families matched, the
// probe set must cover at least 3 of them.
//
// stmt, when non-nil, is indexed once into the anchor hashes every probe
// is allowed to reference (spec.md §4.4); a worker whose PatchPlan names
// any other anchor fails ANCHOR_MISSING before it ever reaches Apply.
//
// maxProbes, when > 0, caps the importance-derived probe count — the
// mechanism the reasoning/oneshot modes use to stay degenerate single-pass
// variants of the same beam dispatch (spec.md §6's "--mode"); 0 means beam
// mode's uncapped importance-based count.
func Dispatch(reg *catalog.Registry, matches []pathology.Match, importance Importance, maxProbes int, stmt *sqlmodel.Statement, sql, explainSummary string, deadlineSeconds int) []Probe {
	if len(matches) == 0 {
		return nil
	}

	n := probeCountFor(importance, len(matches))
	if maxProbes > 0 && maxProbes < n {
		n = maxProbes
	}
	var probes []Probe

	families := distinctFamilies(matches)
	budget := n
	perFamily := spreadBudget(budget, len(families))

	header := StaticHeader(reg)
	anchors := targetAnchorsFor(stmt)

	idx := 0
	for _, fam := range families {
		count := perFamily[idx]
		idx++
		famMatches := matchesFor(matches, fam)
		t := 0
		for i := 0; i < count; i++ {
			m := famMatches[t%len(famMatches)]
			t++
			candidates := reg.RankedOptions(m.Candidates)
			if len(candidates) == 0 {
				continue
			}
			option := candidates[i%len(candidates)]
			probeID, err := uuid.NewV4()
			if err != nil {
				probeID = uuid.Nil
			}
			probe := Probe{
				ID:              probeID.String(),
				TransformID:     option.Transform,
				PathologyID:     m.PathologyID,
				TargetAnchors:   anchors,
				DeadlineSeconds: deadlineSeconds,
			}
			probe.Briefing = renderBriefing(header, probe, m, sql, explainSummary, reg)
			probes = append(probes, probe)
		}
	}
	return probes
}

// targetAnchorsFor indexes stmt's CTEs and body into the anchor hash set
// a worker's PatchPlan is allowed to reference. A nil or unindexable
// statement yields no restriction (an empty set means "skip the check",
// matching worker.validateProbeAnchors).
func targetAnchorsFor(stmt *sqlmodel.Statement) []uint64 {
	if stmt == nil {
		return nil
	}
	idx, err := patchplan.BuildIndex(stmt)
	if err != nil {
		return nil
	}
	return idx.Hashes()
}

func distinctFamilies(matches []pathology.Match) []string {
	seen := map[string]bool{}
	var families []string
	for _, m := range matches {
		if !seen[m.PathologyID] {
			seen[m.PathologyID] = true
			families = append(families, m.PathologyID)
		}
	}
	return families
}

func matchesFor(matches []pathology.Match, pathologyID string) []pathology.Match {
	var out []pathology.Match
	for _, m := range matches {
		if m.PathologyID == pathologyID {
			out = append(out, m)
		}
	}
	return out
}

// spreadBudget divides budget probes evenly across n families, remainder
// going to the earliest families.
func spreadBudget(budget, n int) []int {
	if n == 0 {
		return nil
	}
	out := make([]int, n)
	base := budget / n
	rem := budget % n
	for i := range out {
		out[i] = base
		if i < rem {
			out[i]++
		}
	}
	return out
}

// briefingSections is the typed record rendered by Render (spec.md §9).
type briefingSections struct {
	SharedHypothesis string
	TransformID      string
	TargetAnchors    string
	Gates            string
	Examples         []string
	SQL              string
	ExplainSummary   string
}

func renderBriefing(header string, probe Probe, match pathology.Match, sql, explainSummary string, reg *catalog.Registry) string {
	def := reg.Transforms.ByName()[probe.TransformID]
	sections := briefingSections{
		SharedHypothesis: fmt.Sprintf("pathology %s detected; this probe tries transform %q", match.PathologyID, probe.TransformID),
		TransformID:      probe.TransformID,
		TargetAnchors:    formatAnchors(probe.TargetAnchors),
		Gates:            strings.Join(def.Invariants, "; "),
		Examples:         def.Examples,
		SQL:              sql,
		ExplainSummary:   explainSummary,
	}
	return renderSections(header, sections)
}

// formatAnchors renders the allowed anchor hash set as a comma-separated
// hex list for the worker's prompt (spec.md §4.4: the PatchPlan's anchors
// must resolve against this statement's indexed subtrees).
func formatAnchors(anchors []uint64) string {
	if len(anchors) == 0 {
		return ""
	}
	parts := make([]string, len(anchors))
	for i, a := range anchors {
		parts[i] = fmt.Sprintf("%x", a)
	}
	return strings.Join(parts, ", ")
}

func renderSections(header string, s briefingSections) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n--- probe assignment ---\n")
	b.WriteString(fmt.Sprintf("Hypothesis: %s\n", s.SharedHypothesis))
	b.WriteString(fmt.Sprintf("Transform: %s\n", s.TransformID))
	if s.TargetAnchors != "" {
		b.WriteString(fmt.Sprintf("Valid anchor hashes (reference only these): %s\n", s.TargetAnchors))
	}
	if s.Gates != "" {
		b.WriteString(fmt.Sprintf("Gates to honour: %s\n", s.Gates))
	}
	if len(s.Examples) > 0 {
		b.WriteString("Exemplar transformations:\n")
		for i, ex := range s.Examples {
			if i >= 3 {
				break
			}
			b.WriteString(fmt.Sprintf("  %d. %s\n", i+1, ex))
		}
	}
	b.WriteString("\n--- query ---\n")
	b.WriteString(s.SQL)
	b.WriteString("\n--- plan summary ---\n")
	b.WriteString(s.ExplainSummary)
	return b.String()
}
