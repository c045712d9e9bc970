// Package errorsx defines the closed error taxonomy that every component
// in the optimization pipeline uses to report failure. Kinds are built
// once at init time and matched with Kind.Is, never by string comparison.
package errorsx

import errors "gopkg.in/src-d/go-errors.v1"

var (
	// ConnectFailed means the session could not be established. Fatal setup error.
	ConnectFailed = errors.NewKind("connect failed: %s")

	// BaselineFailed means the baseline query could not be run or timed. Fatal per-mission.
	BaselineFailed = errors.NewKind("baseline failed: %s")

	// PlanParseFailed means EXPLAIN output was not recognizable; the tree degrades instead of failing.
	PlanParseFailed = errors.NewKind("plan parse failed: %s")

	// DispatchEmpty means no probes were produced; the mission returns the baseline.
	DispatchEmpty = errors.NewKind("dispatch produced no probes")

	// LLMTimeout means the provider call exceeded its deadline.
	LLMTimeout = errors.NewKind("llm call timed out after %s")

	// LLMError means the provider returned an error.
	LLMError = errors.NewKind("llm provider error: %s")

	// PatchParseFailed means the worker's response could not be parsed into a PatchPlan.
	PatchParseFailed = errors.NewKind("patch plan parse failed: %s")

	// AnchorMissing means a PatchPlan op referenced an anchor hash absent from the current AST.
	AnchorMissing = errors.NewKind("anchor missing: %s")

	// StructuralInvalid means the applied candidate failed structural validation.
	StructuralInvalid = errors.NewKind("structural invalid: %s")

	// EquivRowCount means baseline and candidate row counts differ.
	EquivRowCount = errors.NewKind("row count mismatch: baseline=%d candidate=%d")

	// EquivChecksum means the commutative checksum differs.
	EquivChecksum = errors.NewKind("checksum mismatch")

	// EquivOrder means the ordered digest differs (query has outer ORDER BY/LIMIT).
	EquivOrder = errors.NewKind("ordered digest mismatch")

	// BenchTimeout means a benchmark run was cancelled at its deadline; treated as no-speedup.
	BenchTimeout = errors.NewKind("benchmark run timed out")

	// MissionDeadline means the mission's overall deadline elapsed.
	MissionDeadline = errors.NewKind("mission deadline exceeded")
)

// StructuralReason enumerates the categorized reasons a STRUCTURAL_INVALID
// error can carry, so callers can branch without parsing error text.
type StructuralReason string

const (
	ReasonLiteralDrop     StructuralReason = "literal_drop"
	ReasonColumnCount     StructuralReason = "output_column_count"
	ReasonUnresolvedCol   StructuralReason = "unresolved_column"
	ReasonOrphanCTE       StructuralReason = "orphan_cte"
	ReasonMissingWhere    StructuralReason = "cte_missing_where"
	ReasonParseFailed     StructuralReason = "dialect_parse_failed"
	ReasonExistsViolation StructuralReason = "exists_materialized"
	ReasonOrSameColumn    StructuralReason = "or_same_column_split"
)

// WithReason formats a STRUCTURAL_INVALID error carrying a categorized reason.
func WithReason(reason StructuralReason, detail string) error {
	if detail == "" {
		return StructuralInvalid.New(string(reason))
	}
	return StructuralInvalid.New(string(reason) + ": " + detail)
}
