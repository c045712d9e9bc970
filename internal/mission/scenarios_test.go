package mission

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qbeam/beamopt/internal/catalog"
	"github.com/qbeam/beamopt/internal/dispatcher"
	"github.com/qbeam/beamopt/internal/errorsx"
	"github.com/qbeam/beamopt/internal/llmprovider"
	"github.com/qbeam/beamopt/internal/patchplan"
	"github.com/qbeam/beamopt/internal/planmodel"
	"github.com/qbeam/beamopt/internal/session"
	"github.com/qbeam/beamopt/internal/sqlmodel"
	"github.com/qbeam/beamopt/internal/worker"
)

// These scenarios exercise spec.md §8's S1-S6 end to end against Run,
// using a fakeSession/scriptedProvider pair instead of a live database and
// LLM endpoint. Each test registers only the single pathology it needs in
// its catalog.Registry — NewRegistry only instantiates a detector whose ID
// is present in the loaded Profile, so no other builtin (P0-P9/C1-C6)
// ever fires and the scenario stays isolated from the rest of the matrix.

// fakeSession scripts Explain/Checksum/Execute deterministically: Checksum
// and Execute sleep for a configured duration before returning canned
// data, letting a test control baseline/candidate timing (and therefore
// speedup) without depending on real query execution.
type fakeSession struct {
	plan           *planmodel.PlanTree
	checksumResult session.Checksum
	checksumDelay  time.Duration
	executeDelay   time.Duration
}

func (f *fakeSession) Explain(context.Context, string, bool) (*planmodel.PlanTree, error) {
	return f.plan, nil
}

func (f *fakeSession) Checksum(ctx context.Context, _ string, _ int, _ bool, _ float64) (session.Checksum, error) {
	select {
	case <-time.After(f.checksumDelay):
	case <-ctx.Done():
		return session.Checksum{}, ctx.Err()
	}
	return f.checksumResult, nil
}

func (f *fakeSession) Execute(ctx context.Context, _ string, _ int) (*session.Rows, error) {
	select {
	case <-time.After(f.executeDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &session.Rows{}, nil
}

func (f *fakeSession) Close() error { return nil }
func (f *fakeSession) Cancel() bool { return false }

// scriptedProvider returns a fixed PatchPlan JSON response, or blocks until
// its context is cancelled when block is set (simulating S6's mission
// deadline expiring mid-call).
type scriptedProvider struct {
	response string
	block    bool
}

func (p *scriptedProvider) Complete(ctx context.Context, _ string) (string, error) {
	if p.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return p.response, nil
}

var _ llmprovider.Provider = (*scriptedProvider)(nil)

// repeatedScanPlan triggers P1 ("same base table scanned N>=2x") purely
// from the plan shape, independent of the baseline SQL's text, since
// p1.Detect reads only planmodel.Derived.RepeatedTables.
func repeatedScanPlan() *planmodel.PlanTree {
	return &planmodel.PlanTree{
		Dialect:    planmodel.DialectDuckDB,
		HasTimings: true,
		Root: &planmodel.PlanNode{
			Operator: "NESTED_LOOP",
			Children: []*planmodel.PlanNode{
				{Operator: "SEQ_SCAN", Extra: map[string]string{"table": "t"}},
				{Operator: "SEQ_SCAN", Extra: map[string]string{"table": "t"}},
			},
		},
	}
}

func bareScanPlan() *planmodel.PlanTree {
	return &planmodel.PlanTree{
		Dialect:    planmodel.DialectDuckDB,
		HasTimings: true,
		Root:       &planmodel.PlanNode{Operator: "SEQ_SCAN", Extra: map[string]string{"table": "t"}},
	}
}

func registryWith(pathologyID, transform string) *catalog.Registry {
	return &catalog.Registry{
		Profile: &catalog.Profile{Pathologies: []catalog.PathologyDef{
			{ID: pathologyID, TransformOptions: []catalog.TransformOption{{Transform: transform}}},
		}},
		Transforms: &catalog.TransformCatalog{Transforms: []catalog.TransformDef{
			{Name: transform, Invariants: []string{"preserve literals"}, Examples: []string{"example rewrite"}},
		}},
	}
}

func bodyAnchor(t *testing.T, sql string) uint64 {
	t.Helper()
	stmt, err := sqlmodel.NaiveParser{}.Parse(sql, sqlmodel.DialectDuckDB)
	require.NoError(t, err)
	h, err := patchplan.AnchorHash(stmt.Body)
	require.NoError(t, err)
	return h
}

func runScenario(t *testing.T, sql string, plan *planmodel.PlanTree, reg *catalog.Registry, provider llmprovider.Provider, checksumDelay, executeDelay time.Duration, deadline time.Duration) *Mission {
	t.Helper()
	sess := &fakeSession{
		plan:           plan,
		checksumResult: session.Checksum{RowCount: 5, Commutative: 0xF00D},
		checksumDelay:  checksumDelay,
		executeDelay:   executeDelay,
	}
	m := New(sql, sqlmodel.DialectDuckDB, ModeOneshot, dispatcher.Importance1)
	deps := Deps{
		Sessions: []session.Session{sess},
		Catalog:  reg,
		Provider: provider,
		Parser:   sqlmodel.NaiveParser{},
		Config:   Config{BenchRuns: 1, BenchWarmup: 1, MissionDeadline: deadline},
	}
	Run(context.Background(), m, deps)
	return m
}

// S1: P1 consolidation lands a WIN with speedup >= 3x. The real S1 shape
// (an eight-bucket TPC-DS Q88 query) isn't representable by NaiveParser's
// IR, so this exercises the same pathology (repeated base-table scan) on
// a minimal query as a simplified analog of spec.md §8's S1.
func TestS1RepeatedScanConsolidationWins(t *testing.T) {
	baselineSQL := "select a from t where t.x = 1"
	candidateSQL := "select a from t where t.x = 1 and 1=1"
	plan := fmt.Sprintf(`{"ops":[{"kind":"rewrite_select","anchor":%d,"sql":%q}],"transforms":["consolidate_scan"],"risk":"low"}`,
		bodyAnchor(t, baselineSQL), candidateSQL)

	m := runScenario(t, baselineSQL, repeatedScanPlan(), registryWith("P1", "consolidate_scan"),
		&scriptedProvider{response: plan}, 30*time.Millisecond, 5*time.Millisecond, 0)

	require.Equal(t, StateDone, m.State)
	require.NoError(t, m.FailedReason)
	require.NotNil(t, m.Final)
	require.GreaterOrEqual(t, m.Final.Speedup, 3.0)
	require.Contains(t, m.Final.TransformsApplied, "consolidate_scan")
}

// S2: P4's or_to_union candidate splits a 3-branch, different-column OR
// into a 3-arm UNION ALL and is accepted (no hard-stop applies).
func TestS2OrToUnionThreeArmAccepted(t *testing.T) {
	baselineSQL := "select a from t where cola = 1 or colb = 2 or colc = 3"
	candidateSQL := "select a from t where cola = 1 UNION ALL select a from t where colb = 2 UNION ALL select a from t where colc = 3"
	plan := fmt.Sprintf(`{"ops":[{"kind":"rewrite_select","anchor":%d,"sql":%q}],"transforms":["or_to_union"],"risk":"low"}`,
		bodyAnchor(t, baselineSQL), candidateSQL)

	m := runScenario(t, baselineSQL, bareScanPlan(), registryWith("P4", "or_to_union"),
		&scriptedProvider{response: plan}, 20*time.Millisecond, 5*time.Millisecond, 0)

	require.Equal(t, StateDone, m.State)
	require.NotNil(t, m.Final)
	require.Contains(t, m.Final.SQL, "UNION ALL")
	require.Contains(t, m.Final.TransformsApplied, "or_to_union")
}

// S3: P4's hard-stop means a same-column OR chain is never even dispatched
// for or_to_union — Detect itself refuses the match (spec.md §4.2a),
// so the mission returns the baseline untouched. The structural backstop
// for an adversarial worker that tries anyway is covered separately by
// patchplan's TestValidateRejectsSameColumnORSplitIntoUnion.
func TestS3SameColumnORNeverDispatched(t *testing.T) {
	baselineSQL := "select a from t where col = 1 or col = 2 or col = 3"

	m := runScenario(t, baselineSQL, bareScanPlan(), registryWith("P4", "or_to_union"),
		&scriptedProvider{response: "{}"}, 5*time.Millisecond, 5*time.Millisecond, 0)

	require.Equal(t, StateDone, m.State)
	require.NotNil(t, m.Final)
	require.Equal(t, 1.0, m.Final.Speedup)
	require.Equal(t, baselineSQL, m.Final.SQL)
	require.Empty(t, m.Workers)
}

// S4: a candidate that materializes the baseline's EXISTS into a join
// over a new CTE is rejected by checkExistsPreserved (Testable Property
// 4), so the mission's final candidate is the untouched baseline.
func TestS4ExistsMaterializationRejected(t *testing.T) {
	baselineSQL := "select a from t where exists (select 1 from big where big.k = t.k)"
	cteSQL := "select k from big where 1=1"
	candidateBody := "select a from t join big_dim on big_dim.k = t.k"
	plan := fmt.Sprintf(`{"ops":[{"kind":"insert_cte","name":"big_dim","sql":%q},{"kind":"rewrite_select","anchor":%d,"sql":%q}],"transforms":["exists_to_join"],"risk":"medium"}`,
		cteSQL, bodyAnchor(t, baselineSQL), candidateBody)

	m := runScenario(t, baselineSQL, repeatedScanPlan(), registryWith("P1", "exists_to_join"),
		&scriptedProvider{response: plan}, 5*time.Millisecond, 5*time.Millisecond, 0)

	require.Equal(t, StateDone, m.State)
	require.NotNil(t, m.Final)
	require.Equal(t, 1.0, m.Final.Speedup)
	require.Equal(t, baselineSQL, m.Final.SQL)
	require.Len(t, m.Workers, 1)
	require.Equal(t, worker.StatusFailTier1, m.Workers[0].Status)
	require.Error(t, m.Workers[0].Err)
	require.Contains(t, m.Workers[0].Err.Error(), "exists_materialized")
}

// S5: a candidate that drops the baseline's literal (yr = 2000 -> yr =
// 1999, not appended to) fails equivalence structurally, pre-gate, via
// checkLiteralPreservation (Testable Property 2) rather than ever
// reaching the Correctness Gate.
func TestS5LiteralDropRejectedPreGate(t *testing.T) {
	baselineSQL := "select a from t where yr = 2000"
	candidateSQL := "select a from t where yr = 1999"
	plan := fmt.Sprintf(`{"ops":[{"kind":"rewrite_select","anchor":%d,"sql":%q}],"transforms":["consolidate_scan"],"risk":"low"}`,
		bodyAnchor(t, baselineSQL), candidateSQL)

	m := runScenario(t, baselineSQL, repeatedScanPlan(), registryWith("P1", "consolidate_scan"),
		&scriptedProvider{response: plan}, 5*time.Millisecond, 5*time.Millisecond, 0)

	require.Equal(t, StateDone, m.State)
	require.NotNil(t, m.Final)
	require.Equal(t, 1.0, m.Final.Speedup)
	require.Len(t, m.Workers, 1)
	require.Equal(t, worker.StatusFailTier1, m.Workers[0].Status)
	require.Error(t, m.Workers[0].Err)
	require.Contains(t, m.Workers[0].Err.Error(), "literal_drop")
}

// S6: the mission deadline elapses while the worker's LLM call is still
// in flight. Every probe terminates TIMEOUT and, with no WIN recorded,
// the mission returns the baseline as its final candidate and records
// MissionDeadline as the failed reason (spec.md §5).
func TestS6MissionDeadlineAllProbesTimeout(t *testing.T) {
	baselineSQL := "select a from t where t.x = 1"

	m := runScenario(t, baselineSQL, repeatedScanPlan(), registryWith("P1", "consolidate_scan"),
		&scriptedProvider{block: true}, 1*time.Millisecond, 1*time.Millisecond, 20*time.Millisecond)

	require.NotNil(t, m.Final)
	require.Equal(t, 1.0, m.Final.Speedup)
	require.Equal(t, baselineSQL, m.Final.SQL)
	require.True(t, errorsx.MissionDeadline.Is(m.FailedReason))
	require.Len(t, m.Workers, 1)
	require.Equal(t, worker.StatusTimeout, m.Workers[0].Status)
}
