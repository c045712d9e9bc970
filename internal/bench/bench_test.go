package bench

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qbeam/beamopt/internal/planmodel"
	"github.com/qbeam/beamopt/internal/session"
)

// sleepSession's Execute sleeps for the configured duration at the current
// call index, letting a test script exactly which runs look "fair" (low
// variance) and which don't, without depending on real query timing noise.
type sleepSession struct {
	sleeps []time.Duration
	calls  int32
}

func (s *sleepSession) Execute(ctx context.Context, _ string, _ int) (*session.Rows, error) {
	i := int(atomic.AddInt32(&s.calls, 1)) - 1
	d := s.sleeps[len(s.sleeps)-1]
	if i < len(s.sleeps) {
		d = s.sleeps[i]
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &session.Rows{}, nil
}

func (s *sleepSession) Explain(context.Context, string, bool) (*planmodel.PlanTree, error) {
	return nil, nil
}
func (s *sleepSession) Checksum(context.Context, string, int, bool, float64) (session.Checksum, error) {
	return session.Checksum{}, nil
}
func (s *sleepSession) Close() error { return nil }
func (s *sleepSession) Cancel() bool { return false }

// TestWithinVarianceAcceptsTightRuns and TestWithinVarianceRejectsWideSpread
// cover the deterministic core of Testable Property 8 ("two timed runs
// differ by < the configured variance bound, default 20%, or the run is
// retried") directly against withinVariance, without timing noise.
func TestWithinVarianceAcceptsTightRuns(t *testing.T) {
	require.True(t, withinVariance([]float64{100, 105, 98}, DefaultVarianceBound))
}

func TestWithinVarianceRejectsWideSpread(t *testing.T) {
	require.False(t, withinVariance([]float64{100, 400}, DefaultVarianceBound))
}

func TestWithinVarianceSingleRunAlwaysPasses(t *testing.T) {
	require.True(t, withinVariance([]float64{42}, DefaultVarianceBound))
}

// TestRunRetriesOnceWhenFirstBatchVaries exercises Run end-to-end: the
// first K timed runs have a wide spread (fails withinVariance), so Run
// must retry once; the retried batch is tight, so the outcome reflects
// the second batch's mean rather than the first's.
func TestRunRetriesOnceWhenFirstBatchVaries(t *testing.T) {
	sess := &sleepSession{sleeps: []time.Duration{
		1 * time.Millisecond, 40 * time.Millisecond, // first batch: wide spread
		10 * time.Millisecond, 11 * time.Millisecond, // retried batch: tight
	}}
	out := Run(context.Background(), sess, "select 1", 1000, 5*time.Second, Protocol{Runs: 2, SkipWarmup: true})
	require.NoError(t, out.Err)
	require.False(t, out.TimedOut)
	require.InDelta(t, 10.5, out.CandidateMs, 5.0)
	require.Greater(t, out.Speedup, 0.0)
}

func TestRunReportsSpeedupAgainstBaseline(t *testing.T) {
	sess := &sleepSession{sleeps: []time.Duration{5 * time.Millisecond, 5 * time.Millisecond}}
	out := Run(context.Background(), sess, "select 1", 100, 5*time.Second, Protocol{Runs: 2, SkipWarmup: true})
	require.NoError(t, out.Err)
	require.Greater(t, out.Speedup, 1.0)
}
