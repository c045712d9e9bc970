// Package worker implements the Worker Runner of spec.md §4.4: for each
// probe, concurrently assemble the prompt, invoke the LLM provider with a
// deadline, parse the response into a PatchPlan, retry once on parse
// failure with the reason appended, and emit a terminal WorkerResult.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/qbeam/beamopt/internal/dispatcher"
	"github.com/qbeam/beamopt/internal/errorsx"
	"github.com/qbeam/beamopt/internal/llmprovider"
	"github.com/qbeam/beamopt/internal/patchplan"
	"github.com/qbeam/beamopt/internal/sqlmodel"
	"github.com/qbeam/beamopt/internal/telemetry"
)

// Status is a WorkerResult's terminal status (spec.md §3).
type Status string

const (
	StatusPass        Status = "PASS"
	StatusWin         Status = "WIN"
	StatusRegression  Status = "REGRESSION"
	StatusFailTier1   Status = "FAIL_TIER1"
	StatusFailEquiv   Status = "FAIL_EQUIV"
	StatusTimeout     Status = "TIMEOUT"
	StatusError       Status = "ERROR"
)

// Result is an immutable WorkerResult (spec.md §3: "Immutable once written").
type Result struct {
	ProbeID              string
	TransformID          string
	Status               Status
	PatchPlan            *patchplan.Plan
	CandidateSQL         string
	BaselineMs           float64
	CandidateMs          *float64
	Speedup              *float64
	ExplainDeltaSummary  string
	Err                  error
}

// Runner invokes the LLM provider per probe and parses its response.
type Runner struct {
	provider llmprovider.Provider
	sem      chan struct{}
}

// NewRunner builds a Runner whose concurrent Run calls are capped at
// maxConcurrency (spec.md §5: "if not [thread-safe with its own cap], the
// runner applies a semaphore equal to the provider's declared concurrency").
func NewRunner(provider llmprovider.Provider, maxConcurrency int) *Runner {
	if maxConcurrency <= 0 {
		maxConcurrency = 8
	}
	return &Runner{provider: provider, sem: make(chan struct{}, maxConcurrency)}
}

// RunAll invokes Run for every probe concurrently and returns once all
// have produced a terminal Result, fanning in (spec.md §4.9:
// "Workers -> Validate fans in once all N probes terminate").
func (r *Runner) RunAll(ctx context.Context, probes []dispatcher.Probe, baselineMs float64, parser sqlmodel.Parser, dialect sqlmodel.Dialect) []Result {
	results := make([]Result, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p dispatcher.Probe) {
			defer wg.Done()
			results[i] = r.Run(ctx, p, baselineMs, parser, dialect)
		}(i, p)
	}
	wg.Wait()
	return results
}

// Run executes one probe: call, parse, retry-once-with-reason, or emit a
// terminal failure status.
func (r *Runner) Run(ctx context.Context, p dispatcher.Probe, baselineMs float64, parser sqlmodel.Parser, dialect sqlmodel.Dialect) Result {
	span := telemetry.StartSpan("worker.probe", map[string]interface{}{"probe_id": p.ID, "transform": p.TransformID})
	defer span.Finish()

	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	deadline := time.Duration(p.DeadlineSeconds) * time.Second
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	plan, raw, err := r.callAndParse(callCtx, p.Briefing)
	if err == nil {
		err = validateProbeAnchors(p, plan)
	}
	if err != nil {
		retryPrompt := p.Briefing + "\n\n--- prior attempt failed ---\n" + err.Error() + "\nPlease correct and resubmit the PatchPlan JSON.\n"
		plan, raw, err = r.callAndParse(callCtx, retryPrompt)
		if err == nil {
			err = validateProbeAnchors(p, plan)
		}
		if err != nil {
			return terminal(p, baselineMs, classifyErr(err), err)
		}
	}
	_ = raw

	result := Result{ProbeID: p.ID, TransformID: p.TransformID, BaselineMs: baselineMs, PatchPlan: plan}
	result.Status = StatusPass
	return result
}

func (r *Runner) callAndParse(ctx context.Context, prompt string) (*patchplan.Plan, string, error) {
	raw, err := r.provider.Complete(ctx, prompt)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, "", errorsx.LLMTimeout.New("worker deadline")
		}
		return nil, "", err
	}

	var plan patchplan.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, raw, errorsx.PatchParseFailed.New(err.Error())
	}
	return &plan, raw, nil
}

// validateProbeAnchors rejects a parsed PatchPlan as ANCHOR_MISSING before
// it ever reaches the gate, when it names an anchor outside the set the
// dispatcher indexed for this probe's statement (spec.md §4.4: "reject if
// any referenced anchor hash doesn't exist", folded into the same
// retry-once loop as any other parse failure). An empty TargetAnchors set
// (statement couldn't be indexed) skips the check rather than rejecting
// every plan.
func validateProbeAnchors(p dispatcher.Probe, plan *patchplan.Plan) error {
	if len(p.TargetAnchors) == 0 || plan == nil {
		return nil
	}
	allowed := make(map[uint64]bool, len(p.TargetAnchors))
	for _, a := range p.TargetAnchors {
		allowed[a] = true
	}
	for _, op := range plan.Ops {
		if op.Kind == patchplan.OpInsertCTE {
			continue
		}
		if !allowed[op.Anchor] {
			return errorsx.AnchorMissing.New(string(op.Kind))
		}
	}
	return nil
}

func classifyErr(err error) Status {
	switch {
	case errorsx.LLMTimeout.Is(err):
		return StatusTimeout
	case errorsx.LLMError.Is(err):
		return StatusError
	case errorsx.PatchParseFailed.Is(err):
		return StatusFailTier1
	case errorsx.AnchorMissing.Is(err):
		return StatusFailTier1
	default:
		return StatusError
	}
}

func terminal(p dispatcher.Probe, baselineMs float64, status Status, err error) Result {
	return Result{
		ProbeID:     p.ID,
		TransformID: p.TransformID,
		Status:      status,
		BaselineMs:  baselineMs,
		Err:         err,
	}
}

// String implements fmt.Stringer for readable logging.
func (s Status) String() string { return string(s) }
