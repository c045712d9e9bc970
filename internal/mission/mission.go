// Package mission implements the per-Mission state machine of spec.md
// §4.9 and the orchestrator that drives it: Init -> Baseline -> Diagnose
// -> Dispatch -> Workers -> Validate -> Bench -> Collate -> Sniper ->
// Validate -> Bench -> Done|Failed. The orchestrator exclusively owns the
// Mission and its BDA for the duration of the run (spec.md §3). Uses
// hashicorp/go-multierror (the teacher's indirect dependency, promoted to
// direct use) to aggregate non-fatal per-probe errors without aborting
// the mission, and satori/go.uuid (a teacher direct dependency) for
// mission_id generation.
package mission

import (
	"context"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	uuid "github.com/satori/go.uuid"

	"github.com/qbeam/beamopt/internal/bda"
	"github.com/qbeam/beamopt/internal/bench"
	"github.com/qbeam/beamopt/internal/catalog"
	"github.com/qbeam/beamopt/internal/dispatcher"
	"github.com/qbeam/beamopt/internal/errorsx"
	"github.com/qbeam/beamopt/internal/gate"
	"github.com/qbeam/beamopt/internal/llmprovider"
	"github.com/qbeam/beamopt/internal/patchplan"
	"github.com/qbeam/beamopt/internal/pathology"
	"github.com/qbeam/beamopt/internal/planmodel"
	"github.com/qbeam/beamopt/internal/session"
	"github.com/qbeam/beamopt/internal/sniper"
	"github.com/qbeam/beamopt/internal/sqlmodel"
	"github.com/qbeam/beamopt/internal/telemetry"
	"github.com/qbeam/beamopt/internal/worker"
)

// State is one of the Mission state machine's named states (spec.md §4.9).
type State string

const (
	StateInit      State = "Init"
	StateBaseline  State = "Baseline"
	StateDiagnose  State = "Diagnose"
	StateDispatch  State = "Dispatch"
	StateWorkers   State = "Workers"
	StateValidate  State = "Validate"
	StateBench     State = "Bench"
	StateCollate   State = "Collate"
	StateSniper    State = "Sniper"
	StateDone      State = "Done"
	StateFailed    State = "Failed"
)

// Mode selects the dispatcher strategy named by the CLI/HTTP surface
// (spec.md §6: "--mode {beam|reasoning|oneshot}"). beamopt's core
// pipeline is the beam mode; reasoning and oneshot are degenerate single-
// pass variants that still route through the same state machine with a
// smaller probe set.
type Mode string

const (
	ModeBeam      Mode = "beam"
	ModeReasoning Mode = "reasoning"
	ModeOneshot   Mode = "oneshot"
)

// modeProbeCap returns the dispatcher probe-count ceiling for mode, or 0
// for beam's uncapped importance-based count.
func modeProbeCap(mode Mode) int {
	switch mode {
	case ModeOneshot:
		return 1
	case ModeReasoning:
		return 3
	default:
		return 0
	}
}

// sniperRoundsFor returns how many sniper rounds mode may run. oneshot is
// genuinely single-pass: it never synthesizes across multiple probe
// results. reasoning and beam both get the full budget.
func sniperRoundsFor(mode Mode) int {
	if mode == ModeOneshot {
		return 0
	}
	return sniper.MaxRounds
}

// Baseline captures the original query's measured plan, checksum, and timing.
type Baseline struct {
	SQL       string
	Plan      *planmodel.PlanTree
	Derived   planmodel.Derived
	Checksum  session.Checksum
	Ms        float64
}

// Final is the mission's terminal candidate: the fastest correct
// candidate found, or the baseline unchanged when nothing beat it.
type Final struct {
	SQL                 string
	Speedup              float64
	TransformsApplied    []string
	ExplainDeltaSummary  string
}

// Mission is one query's optimization lifecycle (spec.md §3), owned
// exclusively by the orchestrator for its duration.
type Mission struct {
	ID        string
	Query     string
	Dialect   sqlmodel.Dialect
	Mode      Mode
	Importance dispatcher.Importance
	State     State
	Baseline  *Baseline
	Workers   []worker.Result
	BDA       *bda.Table
	Final     *Final
	FailedReason error
	StartedAt time.Time
}

// Deps bundles the collaborators the orchestrator wires together per
// mission. Sessions is a small pool (default 4, spec.md §5); the same
// pool serves gate checks and benchmarks, scheduled across its members.
type Deps struct {
	Sessions []session.Session
	Catalog  *catalog.Registry
	Provider llmprovider.Provider
	Parser   sqlmodel.Parser
	Dialect  sqlmodel.Dialect
	Config   Config
}

// Config bundles the mission-scoped tunables sourced from internal/config.
type Config struct {
	MissionDeadline  time.Duration
	EquivMaxRows     int
	EquivTolerance   float64
	BenchRuns        int
	BenchWarmup      int
	BenchRace        bool
	LLMMaxConcurrency int
}

// New starts a fresh Mission in state Init.
func New(sql string, dialect sqlmodel.Dialect, mode Mode, importance dispatcher.Importance) *Mission {
	id, err := uuid.NewV4()
	if err != nil {
		id = uuid.Nil
	}
	return &Mission{
		ID:         id.String(),
		Query:      sql,
		Dialect:    dialect,
		Mode:       mode,
		Importance: importance,
		State:      StateInit,
		BDA:        bda.New(),
		StartedAt:  time.Now(),
	}
}

// Run drives the Mission through its entire state machine (spec.md §4.9),
// returning once the mission reaches Done or Failed.
func Run(ctx context.Context, m *Mission, deps Deps) {
	log := telemetry.MissionLogger(m.ID, string(m.Dialect))
	defer func() { telemetry.ObserveMission(string(m.State), m.StartedAt) }()
	missionSpan := telemetry.StartSpan("mission.run", map[string]interface{}{"mission_id": m.ID, "dialect": string(m.Dialect)})
	defer missionSpan.Finish()
	deps.Dialect = m.Dialect

	deadline := deps.Config.MissionDeadline
	if deadline <= 0 {
		deadline = 300 * time.Second
	}
	missionCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	primary := deps.Sessions[0]

	// --- Baseline ---
	m.State = StateBaseline
	baselineSpan := telemetry.StartSpan("mission.baseline", map[string]interface{}{"mission_id": m.ID})
	baseline, err := runBaseline(missionCtx, primary, m.Query, m.Dialect, deps.Config)
	baselineSpan.Finish()
	if err != nil {
		m.State = StateFailed
		m.FailedReason = errorsx.BaselineFailed.New(err.Error())
		log.WithError(err).Error("baseline failed")
		return
	}
	m.Baseline = baseline

	// --- Diagnose ---
	m.State = StateDiagnose
	diagnoseSpan := telemetry.StartSpan("mission.diagnose", map[string]interface{}{"mission_id": m.ID})
	stmt, err := deps.Parser.Parse(m.Query, m.Dialect)
	if err != nil {
		diagnoseSpan.Finish()
		m.State = StateFailed
		m.FailedReason = errorsx.BaselineFailed.New(err.Error())
		return
	}
	registry := pathology.NewRegistry(deps.Catalog)
	matches := registry.Detect(pathology.Query{Statement: stmt, BaselineMs: baseline.Ms}, baseline.Plan, baseline.Derived)
	diagnoseSpan.Finish()

	// --- Dispatch ---
	m.State = StateDispatch
	dispatchSpan := telemetry.StartSpan("mission.dispatch", map[string]interface{}{"mission_id": m.ID, "matches": len(matches)})
	explainSummary := summarizeBaselinePlan(baseline.Derived)
	remainingForProbes := int(time.Until(deadlineFromCtx(missionCtx)).Seconds())
	probes := dispatcher.Dispatch(deps.Catalog, matches, m.Importance, modeProbeCap(m.Mode), stmt, m.Query, explainSummary, probeDeadline(remainingForProbes))
	dispatchSpan.Finish()
	if len(probes) == 0 {
		m.State = StateDone
		m.Final = &Final{SQL: m.Query, Speedup: 1.0}
		log.Warn("dispatch produced no probes; returning baseline")
		return
	}

	// --- Workers ---
	m.State = StateWorkers
	workersSpan := telemetry.StartSpan("mission.workers", map[string]interface{}{"mission_id": m.ID, "probes": len(probes)})
	runner := worker.NewRunner(deps.Provider, deps.Config.LLMMaxConcurrency)
	results := runner.RunAll(missionCtx, probes, baseline.Ms, deps.Parser, m.Dialect)
	workersSpan.Finish()

	// --- Validate + Bench per worker result, fanning in (spec.md §4.9) ---
	m.State = StateValidate
	validateSpan := telemetry.StartSpan("mission.validate", map[string]interface{}{"mission_id": m.ID})
	var nonFatal *multierror.Error
	for i, r := range results {
		if missionCtx.Err() != nil {
			r.Status = worker.StatusTimeout
			r.Err = errorsx.MissionDeadline.New()
			m.BDA.Record(r)
			continue
		}
		r = validateAndBench(missionCtx, deps, stmt, baseline, r)
		if r.Err != nil {
			nonFatal = multierror.Append(nonFatal, r.Err)
		}
		results[i] = r
		m.BDA.Record(r)
	}
	validateSpan.Finish()
	m.Workers = results

	if missionCtx.Err() != nil && !m.BDA.HasWin() {
		m.State = StateDone
		m.Final = &Final{SQL: m.Query, Speedup: 1.0}
		m.FailedReason = errorsx.MissionDeadline.New()
		return
	}

	// --- Collate ---
	m.State = StateCollate
	best, hasBest := m.BDA.BestFoundation()

	final := &Final{SQL: m.Query, Speedup: 1.0}
	if hasBest && best.CandidateMs != nil {
		final = &Final{
			SQL:                 best.CandidateSQL,
			Speedup:             derefOr(best.Speedup, 1.0),
			TransformsApplied:   []string{best.TransformID},
			ExplainDeltaSummary: best.ExplainDeltaSummary,
		}
	}

	// --- Sniper rounds (spec.md §4.8: up to two rounds) ---
	m.State = StateSniper
	sniperSpan := telemetry.StartSpan("mission.sniper", map[string]interface{}{"mission_id": m.ID})
	defer sniperSpan.Finish()
	allTransforms := transformIDs(probes)
	for round := 0; round < sniperRoundsFor(m.Mode) && missionCtx.Err() == nil; round++ {
		roundSpan := telemetry.StartSpan("mission.sniper.round", map[string]interface{}{"mission_id": m.ID, "round": round})
		synth, ok := sniper.Synthesize(m.BDA.All(), allTransforms)
		if !ok {
			roundSpan.Finish()
			break
		}
		r := applySniperCandidate(missionCtx, deps, stmt, baseline, synth, m)
		roundSpan.Finish()
		m.BDA.Record(r)
		if r.Status == worker.StatusWin || r.Status == worker.StatusPass {
			if r.CandidateMs != nil && derefOr(r.Speedup, 0) > final.Speedup {
				final = &Final{
					SQL:                 r.CandidateSQL,
					Speedup:             derefOr(r.Speedup, 1.0),
					TransformsApplied:   synth.RetryDigest.Addressed,
					ExplainDeltaSummary: r.ExplainDeltaSummary,
				}
			}
		}
	}

	m.Final = final
	m.State = StateDone
	if nonFatal != nil {
		log.WithField("probe_errors", len(nonFatal.Errors)).Info("mission done with recorded probe failures")
	}
}

// summarizeBaselinePlan renders the dominant operator and cost spine
// length for the worker briefing's "plan summary" tail (spec.md §4.3).
func summarizeBaselinePlan(derived planmodel.Derived) string {
	if derived.DominantOperator == "" {
		return "no plan available"
	}
	return "dominant operator: " + derived.DominantOperator + ", cost spine depth: " + itoa(len(derived.CostSpine)) + ", joins: " + itoa(derived.JoinCount)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func deadlineFromCtx(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(time.Minute)
}

func probeDeadline(remainingSeconds int) int {
	// Reserve time for gate+bench after workers return (spec.md §5:
	// "worker deadlines <= mission deadline - (gate+bench reserve)").
	reserve := 10
	d := remainingSeconds - reserve
	if d < 5 {
		d = 5
	}
	return d
}

func transformIDs(probes []dispatcher.Probe) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range probes {
		if !seen[p.TransformID] {
			seen[p.TransformID] = true
			out = append(out, p.TransformID)
		}
	}
	return out
}

func derefOr(f *float64, def float64) float64 {
	if f == nil {
		return def
	}
	return *f
}

// runBaseline executes the baseline query's explain+checksum+timing.
func runBaseline(ctx context.Context, sess session.Session, sql string, dialect sqlmodel.Dialect, cfg Config) (*Baseline, error) {
	plan, err := sess.Explain(ctx, sql, true)
	if err != nil && !errorsx.PlanParseFailed.Is(err) {
		return nil, err
	}

	orderSensitive := gate.RequiresOrderedDigest(sql)
	start := time.Now()
	cs, err := sess.Checksum(ctx, sql, cfg.EquivMaxRows, orderSensitive, cfg.EquivTolerance)
	if err != nil {
		return nil, err
	}
	ms := float64(time.Since(start).Microseconds()) / 1000.0

	var derived planmodel.Derived
	if plan != nil {
		derived = planmodel.Derive(plan)
	}

	return &Baseline{SQL: sql, Plan: plan, Derived: derived, Checksum: cs, Ms: ms}, nil
}

// validateAndBench runs §4.5 structural validation, §4.6 equivalence, and
// §4.7 benchmarking for one worker Result that produced a PatchPlan,
// promoting its terminal status to PASS/WIN/REGRESSION accordingly.
func validateAndBench(ctx context.Context, deps Deps, baselineStmt *sqlmodel.Statement, baseline *Baseline, r worker.Result) worker.Result {
	if r.PatchPlan == nil {
		return r // already terminal (FAIL_TIER1/TIMEOUT/ERROR from the worker)
	}

	if err := patchplan.ValidateAnchors(baselineStmt, r.PatchPlan); err != nil {
		r.Status = worker.StatusFailTier1
		r.Err = err
		return r
	}

	candidateStmt, err := patchplan.Apply(baselineStmt, r.PatchPlan)
	if err != nil {
		r.Status = worker.StatusFailTier1
		r.Err = err
		return r
	}

	if err := patchplan.Validate(baselineStmt, candidateStmt, deps.Parser, deps.Dialect); err != nil {
		r.Status = worker.StatusFailTier1
		r.Err = err
		return r
	}

	candidateSQL := patchplan.Serialize(candidateStmt)
	r.CandidateSQL = candidateSQL

	sess := sessionFor(deps, r.ProbeID)
	gateResult := gate.Check(ctx, sess, baselineStmt.Raw, candidateSQL, deps.Config.EquivMaxRows, deps.Config.EquivTolerance)
	if !gateResult.Passed {
		r.Status = worker.StatusFailEquiv
		r.Err = gateResult.Err
		return r
	}

	proto := bench.Protocol{Runs: deps.Config.BenchRuns, Warmup: deps.Config.BenchWarmup, Race: deps.Config.BenchRace}
	outcome := bench.Run(ctx, sess, candidateSQL, baseline.Ms, time.Until(deadlineFromCtx(ctx)), proto)
	if outcome.Err != nil {
		if outcome.TimedOut {
			r.Status = worker.StatusTimeout
		} else {
			r.Status = worker.StatusError
		}
		r.Err = outcome.Err
		return r
	}

	ms := outcome.CandidateMs
	speedup := outcome.Speedup
	r.CandidateMs = &ms
	r.Speedup = &speedup
	r.ExplainDeltaSummary = explainDeltaFor(ctx, sess, baseline.Plan, candidateSQL)
	if speedup > 1.0 {
		r.Status = worker.StatusWin
	} else if speedup < 1.0 {
		r.Status = worker.StatusRegression
	} else {
		r.Status = worker.StatusPass
	}
	return r
}

// explainDeltaFor re-explains the candidate and summarizes its two
// biggest operator cost changes vs the baseline plan (spec.md §4.7).
// A failure to re-explain degrades to an empty summary rather than
// failing the otherwise-successful benchmark.
func explainDeltaFor(ctx context.Context, sess session.Session, baselinePlan *planmodel.PlanTree, candidateSQL string) string {
	candidatePlan, err := sess.Explain(ctx, candidateSQL, true)
	if err != nil || candidatePlan == nil {
		return ""
	}
	return bench.ExplainDelta(baselinePlan, candidatePlan)
}

// applySniperCandidate re-validates a sniper Synthesis through
// §4.5 -> §4.6 -> §4.7, returning a synthetic worker.Result so it can be
// recorded into the same BDA as ordinary probes.
func applySniperCandidate(ctx context.Context, deps Deps, baselineStmt *sqlmodel.Statement, baseline *Baseline, synth *sniper.Synthesis, m *Mission) worker.Result {
	r := worker.Result{ProbeID: "sniper-" + m.ID + "-" + synth.SourceProbes[0], TransformID: "sniper_synthesis", PatchPlan: synth.Plan, BaselineMs: baseline.Ms}
	return validateAndBench(ctx, deps, baselineStmt, baseline, r)
}

func sessionFor(deps Deps, probeID string) session.Session {
	if len(deps.Sessions) == 0 {
		return nil
	}
	idx := hashString(probeID) % len(deps.Sessions)
	return deps.Sessions[idx]
}

func hashString(s string) int {
	h := 0
	for _, c := range s {
		h = h*31 + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}

