// Package bda implements the BDA (battle-damage-assessment) table of
// spec.md §3: an append-only collection of WorkerResults for one mission,
// keyed by probe_id, consumed read-only by the sniper. Insertion order is
// completion order; consumers must not depend on it (spec.md §5) and
// should sort by speedup instead.
package bda

import (
	"sort"
	"sync"

	"github.com/qbeam/beamopt/internal/telemetry"
	"github.com/qbeam/beamopt/internal/worker"
)

// Table is the append-only BDA for one mission. Once a Result is
// recorded its fields never change (Testable Property 7).
type Table struct {
	mu      sync.RWMutex
	order   []string
	byProbe map[string]worker.Result
}

// New builds an empty Table.
func New() *Table {
	return &Table{byProbe: map[string]worker.Result{}}
}

// Record appends a terminal WorkerResult. Recording the same probe_id
// twice is a programmer error (probes are single-shot); the first
// recording wins and subsequent calls are no-ops, preserving append-only
// semantics rather than silently overwriting history.
func (t *Table) Record(r worker.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byProbe[r.ProbeID]; exists {
		return
	}
	t.byProbe[r.ProbeID] = r
	t.order = append(t.order, r.ProbeID)

	telemetry.ObserveProbe(string(r.Status), r.TransformID)
	if r.Speedup != nil {
		telemetry.ObserveBenchSpeedup(*r.Speedup)
	}
}

// All returns every recorded Result in completion order. Callers must
// not rely on this order (spec.md §5) — use BySpeedup instead when ranking.
func (t *Table) All() []worker.Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]worker.Result, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byProbe[id])
	}
	return out
}

// BySpeedup returns every recorded Result sorted by descending speedup;
// results with no speedup (nil) sort last.
func (t *Table) BySpeedup() []worker.Result {
	out := t.All()
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Speedup, out[j].Speedup
		if si == nil && sj == nil {
			return false
		}
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

// BestWin returns the highest-speedup WIN result, if any (spec.md §4.8:
// "highest-speedup WIN if any").
func (t *Table) BestWin() (worker.Result, bool) {
	for _, r := range t.BySpeedup() {
		if r.Status == worker.StatusWin {
			return r, true
		}
	}
	return worker.Result{}, false
}

// BestPass returns the highest-speedup PASS result, if any (spec.md §4.8:
// "else the highest-speedup PASS").
func (t *Table) BestPass() (worker.Result, bool) {
	for _, r := range t.BySpeedup() {
		if r.Status == worker.StatusPass {
			return r, true
		}
	}
	return worker.Result{}, false
}

// BestFoundation returns the sniper's starting point per spec.md §4.8.
func (t *Table) BestFoundation() (worker.Result, bool) {
	if r, ok := t.BestWin(); ok {
		return r, true
	}
	return t.BestPass()
}

// HasWin reports whether at least one WIN is present, used by the
// mission deadline policy (spec.md §5: partial BDA is fed to the sniper
// "only if at least one WIN exists").
func (t *Table) HasWin() bool {
	_, ok := t.BestWin()
	return ok
}

// Len returns the number of recorded results.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}
