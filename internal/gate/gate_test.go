package gate

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbeam/beamopt/internal/planmodel"
	"github.com/qbeam/beamopt/internal/session"
)

// fakeSession answers Checksum by matching a substring of the wrapped SQL
// text against a fixed table, letting each test script the baseline and
// candidate checksums independently of gate's own row-cap wrapping.
type fakeSession struct {
	byContains []struct {
		contains string
		cs       session.Checksum
	}
}

func (f *fakeSession) Checksum(_ context.Context, sql string, _ int, _ bool, _ float64) (session.Checksum, error) {
	for _, e := range f.byContains {
		if strings.Contains(sql, e.contains) {
			return e.cs, nil
		}
	}
	return session.Checksum{}, nil
}

func (f *fakeSession) Execute(context.Context, string, int) (*session.Rows, error) { return nil, nil }
func (f *fakeSession) Explain(context.Context, string, bool) (*planmodel.PlanTree, error) {
	return nil, nil
}
func (f *fakeSession) Close() error  { return nil }
func (f *fakeSession) Cancel() bool  { return false }

// TestCheckIsMonotonicOnRepeat covers Testable Property 1: running the
// gate a second time on the exact same (baseline, candidate) SQL pair and
// session state yields the same Passed verdict as the first run — an
// accepted pair never flips to rejected on a later re-check.
func TestCheckIsMonotonicOnRepeat(t *testing.T) {
	sess := &fakeSession{byContains: []struct {
		contains string
		cs       session.Checksum
	}{
		{contains: "baseline_q", cs: session.Checksum{RowCount: 10, Commutative: 0xABCD}},
		{contains: "candidate_q", cs: session.Checksum{RowCount: 10, Commutative: 0xABCD}},
	}}

	first := Check(context.Background(), sess, "select * from baseline_q", "select * from candidate_q", 0, 1e-9)
	require.True(t, first.Passed)
	require.NoError(t, first.Err)

	second := Check(context.Background(), sess, "select * from baseline_q", "select * from candidate_q", 0, 1e-9)
	require.Equal(t, first.Passed, second.Passed)
	require.True(t, second.Passed)
}

func TestCheckFailsOnRowCountMismatch(t *testing.T) {
	sess := &fakeSession{byContains: []struct {
		contains string
		cs       session.Checksum
	}{
		{contains: "baseline_q", cs: session.Checksum{RowCount: 10, Commutative: 0xABCD}},
		{contains: "candidate_q", cs: session.Checksum{RowCount: 9, Commutative: 0xABCD}},
	}}
	res := Check(context.Background(), sess, "select * from baseline_q", "select * from candidate_q", 0, 1e-9)
	require.False(t, res.Passed)
	require.Error(t, res.Err)
}

func TestCheckFailsOnChecksumMismatchAndSamples(t *testing.T) {
	sess := &fakeSession{byContains: []struct {
		contains string
		cs       session.Checksum
	}{
		{contains: "baseline_q", cs: session.Checksum{RowCount: 10, Commutative: 0xAAAA}},
		{contains: "candidate_q", cs: session.Checksum{RowCount: 10, Commutative: 0xBBBB}},
	}}
	res := Check(context.Background(), sess, "select * from baseline_q", "select * from candidate_q", 0, 1e-9)
	require.False(t, res.Passed)
	require.Error(t, res.Err)
	require.Len(t, res.SampleMismatch, 2)
}

func TestRequiresOrderedDigestDetectsOrderByAndLimit(t *testing.T) {
	require.True(t, RequiresOrderedDigest("select a from t order by a"))
	require.True(t, RequiresOrderedDigest("select a from t limit 10"))
	require.False(t, RequiresOrderedDigest("select a from t where a = 1"))
}
