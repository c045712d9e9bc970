// Package bench implements the Benchmark Racer of spec.md §4.7: parallel,
// cancellation-aware timing of candidates against the baseline, with
// warmup, a configurable number of timed runs, variance control, and a
// fastest-wins race mode. No pack example wires a third-party timing
// library for live query benchmarking (the closest, goatkit-goatflow's
// QueryStats, hand-rolls duration tracking with time.Duration and a
// mutex) — this package follows that idiom with stdlib context/time.
package bench

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/qbeam/beamopt/internal/errorsx"
	"github.com/qbeam/beamopt/internal/planmodel"
	"github.com/qbeam/beamopt/internal/session"
	"github.com/qbeam/beamopt/internal/telemetry"
)

// DefaultVarianceBound is the fraction (spec.md Testable Property 8:
// "differ by < configured variance bound (default 20%)") two timed runs
// of the same SQL may differ by before a retry is warranted; withinVariance
// measures the spread between the fastest and slowest run against their mean.
const DefaultVarianceBound = 0.20

// Protocol bundles the tunables of spec.md §4.7/§6.
type Protocol struct {
	Runs       int  // K timed runs, default 2
	Warmup     int  // warmup runs (1 unless SkipWarmup)
	SkipWarmup bool
	Race       bool
	Variance   float64 // defaults to DefaultVarianceBound when 0
}

// Outcome is one candidate's benchmark result.
type Outcome struct {
	CandidateMs         float64
	Speedup             float64
	ExplainDeltaSummary string
	TimedOut            bool
	Err                 error
}

// Run benchmarks one candidate's SQL against sess, per the warmup + K
// timed runs protocol, returning its outcome relative to baselineMs.
// The deadline is min(userDeadline, 10x baselineMs), per spec.md §4.7.
func Run(ctx context.Context, sess session.Session, sql string, baselineMs float64, userDeadline time.Duration, proto Protocol) Outcome {
	span := telemetry.StartSpan("bench.run", map[string]interface{}{"race": proto.Race, "runs": proto.Runs})
	defer span.Finish()

	proto = withDefaults(proto)

	deadline := capDeadline(userDeadline, baselineMs)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if !proto.SkipWarmup {
		for i := 0; i < max(proto.Warmup, 1); i++ {
			if _, err := sess.Execute(runCtx, sql, 0); err != nil {
				if runCtx.Err() != nil {
					return Outcome{TimedOut: true, Err: errorsx.BenchTimeout.New()}
				}
				return Outcome{Err: err}
			}
		}
	}

	var durations []float64
	for i := 0; i < max(proto.Runs, 1); i++ {
		start := time.Now()
		if _, err := sess.Execute(runCtx, sql, 0); err != nil {
			if runCtx.Err() != nil {
				return Outcome{TimedOut: true, Err: errorsx.BenchTimeout.New()}
			}
			return Outcome{Err: err}
		}
		durations = append(durations, float64(time.Since(start).Microseconds())/1000.0)
	}

	if !withinVariance(durations, proto.Variance) {
		// Retry once (spec.md Testable Property 8: "or the run is retried").
		durations = nil
		for i := 0; i < max(proto.Runs, 1); i++ {
			start := time.Now()
			if _, err := sess.Execute(runCtx, sql, 0); err != nil {
				if runCtx.Err() != nil {
					return Outcome{TimedOut: true, Err: errorsx.BenchTimeout.New()}
				}
				return Outcome{Err: err}
			}
			durations = append(durations, float64(time.Since(start).Microseconds())/1000.0)
		}
	}

	mean := meanOf(durations)
	speedup := 0.0
	if mean > 0 {
		speedup = baselineMs / mean
	}
	return Outcome{CandidateMs: mean, Speedup: speedup}
}

// Candidate is one racer in a multi-candidate race (spec.md §4.7 "race mode").
type Candidate struct {
	Label string
	SQL   string
	Sess  session.Session
}

// RaceResult is one candidate's outcome from Race, plus whether it won.
type RaceResult struct {
	Label   string
	Outcome Outcome
	Won     bool
}

// Race launches all candidates (plus baseline, included as one Candidate
// by the caller) concurrently in separate sessions, per spec.md §4.7.
// The first candidate whose Run (warmup plus proto.Runs timed runs, 2 by
// default) finishes without error or timeout wins, and the remaining
// candidates are cancelled via their session's Cancel; Race then waits
// for every candidate to return and discards any outcome that arrives
// after the winner's (spec.md §5).
func Race(ctx context.Context, baselineMs float64, userDeadline time.Duration, candidates []Candidate, proto Protocol) []RaceResult {
	proto = withDefaults(proto)
	if len(candidates) < 2 {
		// Race mode requires >=2 sessions (spec.md §5); fall back to
		// sequential single-candidate benchmarking.
		results := make([]RaceResult, len(candidates))
		for i, c := range candidates {
			results[i] = RaceResult{Label: c.Label, Outcome: Run(ctx, c.Sess, c.SQL, baselineMs, userDeadline, proto)}
		}
		return results
	}

	raceCtx, cancelAll := context.WithTimeout(ctx, capDeadline(userDeadline, baselineMs))
	defer cancelAll()

	type timed struct {
		idx     int
		outcome Outcome
	}
	done := make(chan timed, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c Candidate) {
			defer wg.Done()
			out := Run(raceCtx, c.Sess, c.SQL, baselineMs, userDeadline, proto)
			select {
			case done <- timed{idx: i, outcome: out}:
			case <-raceCtx.Done():
			}
		}(i, c)
	}

	results := make([]RaceResult, len(candidates))
	for i, c := range candidates {
		results[i] = RaceResult{Label: c.Label}
	}

	winnerFound := false
	received := 0
	for received < len(candidates) {
		select {
		case t := <-done:
			received++
			if winnerFound {
				continue // finished after the winner: discarded
			}
			results[t.idx].Outcome = t.outcome
			if t.outcome.Err == nil && !t.outcome.TimedOut {
				winnerFound = true
				results[t.idx].Won = true
				for j, c := range candidates {
					if j != t.idx {
						c.Sess.Cancel()
					}
				}
			}
		case <-raceCtx.Done():
			goto drain
		}
	}
drain:
	wg.Wait()
	return results
}

func withDefaults(p Protocol) Protocol {
	if p.Runs <= 0 {
		p.Runs = 2
	}
	if p.Warmup <= 0 && !p.SkipWarmup {
		p.Warmup = 1
	}
	if p.Variance <= 0 {
		p.Variance = DefaultVarianceBound
	}
	return p
}

// capDeadline implements spec.md §4.7: "deadline = min(user_deadline, 10x baseline_ms)".
func capDeadline(userDeadline time.Duration, baselineMs float64) time.Duration {
	tenXBaseline := time.Duration(baselineMs*10) * time.Millisecond
	if tenXBaseline <= 0 {
		return userDeadline
	}
	if userDeadline <= 0 || tenXBaseline < userDeadline {
		return tenXBaseline
	}
	return userDeadline
}

func withinVariance(durations []float64, bound float64) bool {
	if len(durations) < 2 {
		return true
	}
	mean := meanOf(durations)
	if mean == 0 {
		return true
	}
	lo, hi := durations[0], durations[0]
	for _, d := range durations[1:] {
		lo = math.Min(lo, d)
		hi = math.Max(hi, d)
	}
	return (hi-lo)/mean <= bound
}

func meanOf(durations []float64) float64 {
	if len(durations) == 0 {
		return 0
	}
	var sum float64
	for _, d := range durations {
		sum += d
	}
	return sum / float64(len(durations))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ExplainDelta summarizes the two biggest operator cost changes between
// the baseline and candidate plans (spec.md §4.7: "a short
// explain_delta_summary (the two biggest operator cost changes vs baseline)").
func ExplainDelta(baseline, candidate *planmodel.PlanTree) string {
	if baseline == nil || candidate == nil || baseline.Root == nil || candidate.Root == nil {
		return ""
	}
	baseCosts := operatorCosts(baseline.Root)
	candCosts := operatorCosts(candidate.Root)

	var deltas []opDelta
	seen := map[string]bool{}
	for op, bms := range baseCosts {
		cms := candCosts[op]
		deltas = append(deltas, opDelta{operator: op, diff: bms - cms})
		seen[op] = true
	}
	for op, cms := range candCosts {
		if !seen[op] {
			deltas = append(deltas, opDelta{operator: op, diff: -cms})
		}
	}

	sortDeltasDesc(deltas)
	if len(deltas) == 0 {
		return "no operator-level change detected"
	}
	n := 2
	if len(deltas) < n {
		n = len(deltas)
	}
	summary := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			summary += "; "
		}
		summary += fmt.Sprintf("%s %+.2fms", deltas[i].operator, deltas[i].diff)
	}
	return summary
}

func operatorCosts(root *planmodel.PlanNode) map[string]float64 {
	costs := map[string]float64{}
	var walk func(n *planmodel.PlanNode)
	walk = func(n *planmodel.PlanNode) {
		costs[n.Operator] += planmodel.ExclusiveMs(n)
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)
	return costs
}

// opDelta is one operator's exclusive-ms change between baseline and candidate.
type opDelta struct {
	operator string
	diff     float64
}

func sortDeltasDesc(deltas []opDelta) {
	for i := 1; i < len(deltas); i++ {
		for j := i; j > 0 && math.Abs(deltas[j-1].diff) < math.Abs(deltas[j].diff); j-- {
			deltas[j-1], deltas[j] = deltas[j], deltas[j-1]
		}
	}
}
