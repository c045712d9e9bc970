// Package report renders a Mission's outcome as the audit/scoring
// external collaborator spec.md §1 names but leaves undetailed: a text
// table for terminal/CLI use and a JSON document for the HTTP surface
// and persistence by callers. Rendering follows internal/dispatcher's
// section-by-section strings.Builder approach (spec.md §9).
package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/qbeam/beamopt/internal/mission"
	"github.com/qbeam/beamopt/internal/worker"
)

// Summary is the JSON-serializable view of a completed Mission.
type Summary struct {
	MissionID         string         `json:"mission_id"`
	Query             string         `json:"query"`
	Dialect           string         `json:"dialect"`
	State             string         `json:"state"`
	BaselineMs        float64        `json:"baseline_ms"`
	FinalSQL          string         `json:"final_sql"`
	Speedup           float64        `json:"speedup"`
	TransformsApplied []string       `json:"transforms_applied"`
	ProbeOutcomes     []ProbeOutcome `json:"probe_outcomes"`
	FailedReason      string         `json:"failed_reason,omitempty"`
}

// ProbeOutcome is one probe's row in the Summary.
type ProbeOutcome struct {
	ProbeID     string   `json:"probe_id"`
	TransformID string   `json:"transform_id"`
	Status      string   `json:"status"`
	Speedup     *float64 `json:"speedup,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// FromMission builds a Summary from a terminated Mission.
func FromMission(m *mission.Mission) Summary {
	s := Summary{
		MissionID:  m.ID,
		Query:      m.Query,
		Dialect:    string(m.Dialect),
		State:      string(m.State),
		BaselineMs: baselineMs(m),
	}
	if m.Final != nil {
		s.FinalSQL = m.Final.SQL
		s.Speedup = m.Final.Speedup
		s.TransformsApplied = m.Final.TransformsApplied
	}
	if m.FailedReason != nil {
		s.FailedReason = m.FailedReason.Error()
	}
	for _, r := range m.BDA.BySpeedup() {
		s.ProbeOutcomes = append(s.ProbeOutcomes, probeOutcomeOf(r))
	}
	return s
}

func baselineMs(m *mission.Mission) float64 {
	if m.Baseline == nil {
		return 0
	}
	return m.Baseline.Ms
}

func probeOutcomeOf(r worker.Result) ProbeOutcome {
	po := ProbeOutcome{ProbeID: r.ProbeID, TransformID: r.TransformID, Status: string(r.Status), Speedup: r.Speedup}
	if r.Err != nil {
		po.Error = r.Err.Error()
	}
	return po
}

// JSON renders the Summary as indented JSON.
func (s Summary) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Text renders the Summary as a tab-aligned text table for CLI output.
func (s Summary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mission %s [%s]\n", s.MissionID, s.State)
	fmt.Fprintf(&b, "  dialect: %s\n", s.Dialect)
	fmt.Fprintf(&b, "  baseline: %.2fms\n", s.BaselineMs)
	fmt.Fprintf(&b, "  final speedup: %.2fx\n", s.Speedup)
	if len(s.TransformsApplied) > 0 {
		fmt.Fprintf(&b, "  transforms applied: %s\n", strings.Join(s.TransformsApplied, ", "))
	}
	if s.FailedReason != "" {
		fmt.Fprintf(&b, "  failed reason: %s\n", s.FailedReason)
	}
	b.WriteString("\n")

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROBE\tTRANSFORM\tSTATUS\tSPEEDUP\tERROR")
	for _, p := range s.ProbeOutcomes {
		speedup := "-"
		if p.Speedup != nil {
			speedup = fmt.Sprintf("%.2fx", *p.Speedup)
		}
		errText := p.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", truncate(p.ProbeID, 12), p.TransformID, p.Status, speedup, truncate(errText, 60))
	}
	tw.Flush()
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
