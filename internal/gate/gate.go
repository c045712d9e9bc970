// Package gate implements the Correctness Gate of spec.md §4.6: a cheap,
// deterministic equivalence check between a baseline and a candidate
// query, executed against the real database session. It compares row
// count, a commutative checksum, and — when the query has an outer
// ORDER BY or LIMIT — an ordered digest too.
package gate

import (
	"context"
	"regexp"
	"strings"

	"github.com/qbeam/beamopt/internal/errorsx"
	"github.com/qbeam/beamopt/internal/session"
	"github.com/qbeam/beamopt/internal/telemetry"
)

// Result is the gate's verdict for one candidate.
type Result struct {
	Passed          bool
	BaselineRows    int64
	CandidateRows   int64
	OrderSensitive  bool
	SampleMismatch  []string
	Err             error
}

var orderOrLimitRe = regexp.MustCompile(`(?i)\border\s+by\b|\blimit\s+\d+`)

// RequiresOrderedDigest reports whether sql has an outer ORDER BY or LIMIT
// (spec.md §4.6 point 3), deciding whether the ordered digest must also match.
func RequiresOrderedDigest(sql string) bool {
	return orderOrLimitRe.MatchString(sql)
}

// Check runs both baseline and candidate through sess and compares their
// checksums. maxRows bounds the row cap (spec.md §4.6 "Row cap"); both
// queries are wrapped identically via wrapForRowCap before execution, so
// the cap never applies asymmetrically.
func Check(ctx context.Context, sess session.Session, baselineSQL, candidateSQL string, maxRows int, tolerance float64) Result {
	span := telemetry.StartSpan("gate.check", map[string]interface{}{"max_rows": maxRows})
	defer span.Finish()

	orderSensitive := RequiresOrderedDigest(baselineSQL)

	// Wrap both queries or neither: when either already carries an outer
	// ORDER BY/LIMIT, both run as written under the session's row limit.
	wrappedBaseline, wrappedCandidate := baselineSQL, candidateSQL
	if !RequiresOrderedDigest(baselineSQL) && !RequiresOrderedDigest(candidateSQL) {
		wrappedBaseline = wrapForRowCap(baselineSQL, maxRows)
		wrappedCandidate = wrapForRowCap(candidateSQL, maxRows)
	}

	baseCS, err := sess.Checksum(ctx, wrappedBaseline, maxRows, orderSensitive, tolerance)
	if err != nil {
		return Result{Err: err}
	}
	candCS, err := sess.Checksum(ctx, wrappedCandidate, maxRows, orderSensitive, tolerance)
	if err != nil {
		return Result{Err: err}
	}

	res := Result{
		BaselineRows:   baseCS.RowCount,
		CandidateRows:  candCS.RowCount,
		OrderSensitive: orderSensitive,
	}

	if baseCS.RowCount != candCS.RowCount {
		res.Err = errorsx.EquivRowCount.New(baseCS.RowCount, candCS.RowCount)
		return res
	}

	if baseCS.Commutative != candCS.Commutative {
		res.Err = errorsx.EquivChecksum.New()
		res.SampleMismatch = sampleOf(baselineSQL, candidateSQL)
		return res
	}

	if orderSensitive && baseCS.Ordered != candCS.Ordered {
		res.Err = errorsx.EquivOrder.New()
		res.SampleMismatch = sampleOf(baselineSQL, candidateSQL)
		return res
	}

	res.Passed = true
	return res
}

// wrapForRowCap wraps sql in a LIMIT subquery bounding the checksum to
// maxRows rows (spec.md §4.6 "Row cap"), only when maxRows is positive;
// sql that already has an outer ORDER BY/LIMIT comes back trimmed but
// unwrapped. Check applies it to both sides of a comparison or to
// neither, so the cap never introduces an asymmetric comparison.
func wrapForRowCap(sql string, maxRows int) string {
	if maxRows <= 0 {
		return sql
	}
	trimmed := strings.TrimRight(strings.TrimSpace(sql), "; \t\n")
	if RequiresOrderedDigest(sql) {
		// Already has an outer ORDER BY/LIMIT; don't double-wrap into a
		// subquery that would reorder results before the outer clause runs.
		return trimmed
	}
	return "SELECT * FROM (" + trimmed + ") beamopt_gate_capped LIMIT " + itoa(maxRows)
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

// sampleOf produces a 3-5 sample placeholder of mismatching context for
// the FAIL_EQUIV error report (spec.md §4.6: "a 3-5 sample of mismatching
// row hashes"). The session layer does not expose per-row hashes past the
// fold, so this records the two query texts for operator triage instead.
func sampleOf(baselineSQL, candidateSQL string) []string {
	return []string{
		"baseline: " + truncate(baselineSQL, 120),
		"candidate: " + truncate(candidateSQL, 120),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
