package bda

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qbeam/beamopt/internal/worker"
)

func f(v float64) *float64 { return &v }

// TestRecordIsAppendOnly covers Testable Property 7: once a Result is
// recorded its fields never change, and re-recording the same probe_id is
// a no-op rather than an overwrite.
func TestRecordIsAppendOnly(t *testing.T) {
	tbl := New()
	first := worker.Result{ProbeID: "p1", TransformID: "t1", Status: worker.StatusWin, Speedup: f(2.0)}
	tbl.Record(first)

	overwrite := worker.Result{ProbeID: "p1", TransformID: "different", Status: worker.StatusFailEquiv, Speedup: f(0.1)}
	tbl.Record(overwrite)

	require.Equal(t, 1, tbl.Len())
	all := tbl.All()
	require.Len(t, all, 1)
	require.Equal(t, "t1", all[0].TransformID)
	require.Equal(t, worker.StatusWin, all[0].Status)
	require.Equal(t, 2.0, *all[0].Speedup)
}

func TestAllPreservesCompletionOrder(t *testing.T) {
	tbl := New()
	tbl.Record(worker.Result{ProbeID: "p1", Status: worker.StatusPass, Speedup: f(1.2)})
	tbl.Record(worker.Result{ProbeID: "p2", Status: worker.StatusWin, Speedup: f(4.0)})
	tbl.Record(worker.Result{ProbeID: "p3", Status: worker.StatusTimeout})

	all := tbl.All()
	require.Equal(t, []string{"p1", "p2", "p3"}, []string{all[0].ProbeID, all[1].ProbeID, all[2].ProbeID})
}

func TestBySpeedupOrdersDescendingWithNilsLast(t *testing.T) {
	tbl := New()
	tbl.Record(worker.Result{ProbeID: "p1", Status: worker.StatusPass, Speedup: f(1.2)})
	tbl.Record(worker.Result{ProbeID: "p2", Status: worker.StatusWin, Speedup: f(4.0)})
	tbl.Record(worker.Result{ProbeID: "p3", Status: worker.StatusTimeout})

	ranked := tbl.BySpeedup()
	require.Equal(t, "p2", ranked[0].ProbeID)
	require.Equal(t, "p1", ranked[1].ProbeID)
	require.Equal(t, "p3", ranked[2].ProbeID)
}

func TestBestFoundationPrefersWinOverPass(t *testing.T) {
	tbl := New()
	tbl.Record(worker.Result{ProbeID: "p1", Status: worker.StatusPass, Speedup: f(5.0)})
	tbl.Record(worker.Result{ProbeID: "p2", Status: worker.StatusWin, Speedup: f(1.5)})

	r, ok := tbl.BestFoundation()
	require.True(t, ok)
	require.Equal(t, "p2", r.ProbeID)
	require.True(t, tbl.HasWin())
}

func TestBestFoundationFallsBackToPassWithNoWin(t *testing.T) {
	tbl := New()
	tbl.Record(worker.Result{ProbeID: "p1", Status: worker.StatusPass, Speedup: f(1.1)})
	tbl.Record(worker.Result{ProbeID: "p2", Status: worker.StatusFailEquiv})

	r, ok := tbl.BestFoundation()
	require.True(t, ok)
	require.Equal(t, "p1", r.ProbeID)
	require.False(t, tbl.HasWin())
}
