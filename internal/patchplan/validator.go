package patchplan

import (
	"strings"

	"github.com/qbeam/beamopt/internal/errorsx"
	"github.com/qbeam/beamopt/internal/sqlmodel"
)

// Validate runs the structural checks of spec.md §4.5 against a
// candidate produced by Apply, comparing it with the original baseline
// statement. It never touches a live session — that is the Correctness
// Gate's job (internal/gate).
func Validate(baseline, candidate *sqlmodel.Statement, parser sqlmodel.Parser, dialect sqlmodel.Dialect) error {
	if err := checkParses(candidate, parser, dialect); err != nil {
		return err
	}
	if err := checkOutputColumns(baseline, candidate); err != nil {
		return err
	}
	if err := checkColumnsResolvable(candidate); err != nil {
		return err
	}
	if err := checkLiteralPreservation(baseline, candidate); err != nil {
		return err
	}
	if err := checkNoOrphanCTEs(candidate); err != nil {
		return err
	}
	if err := checkEveryCTEHasWhere(candidate); err != nil {
		return err
	}
	if err := checkExistsPreserved(baseline, candidate); err != nil {
		return err
	}
	if err := checkSameColumnORPreserved(baseline, candidate); err != nil {
		return err
	}
	return nil
}

func checkParses(candidate *sqlmodel.Statement, parser sqlmodel.Parser, dialect sqlmodel.Dialect) error {
	if parser == nil {
		return nil
	}
	if _, err := parser.Parse(Serialize(candidate), dialect); err != nil {
		return errorsx.WithReason(errorsx.ReasonParseFailed, err.Error())
	}
	return nil
}

// checkOutputColumns compares the top-level output column count. The
// naive IR does not enumerate a projection list structurally, so this
// counts top-level comma-separated items in the body's SELECT clause —
// good enough to catch a worker collapsing or expanding the select list,
// which is the failure mode spec.md's invariant targets.
func checkOutputColumns(baseline, candidate *sqlmodel.Statement) error {
	b := countSelectListItems(baseline.Body.Text)
	c := countSelectListItems(candidate.Body.Text)
	if b != c {
		return errorsx.WithReason(errorsx.ReasonColumnCount, "")
	}
	return nil
}

func countSelectListItems(text string) int {
	upper := strings.ToUpper(text)
	selIdx := strings.Index(upper, "SELECT")
	fromIdx := strings.Index(upper, "FROM")
	if selIdx < 0 || fromIdx < 0 || fromIdx < selIdx {
		return 0
	}
	list := text[selIdx+len("SELECT") : fromIdx]
	depth := 0
	count := 1
	for _, r := range list {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				count++
			}
		}
	}
	return count
}

// checkColumnsResolvable enforces the §4.5 structural check "every
// referenced column is resolvable in the new scope": a CTE's declared
// output columns must cover every qualified `alias.column` reference to
// it found in the body. Like checkOutputColumns, this is a best-effort
// reading of the naive IR's raw text, not a real scope-aware binder —
// good enough to catch a worker that renames or drops a CTE's column
// while still aliasing it downstream under the old name.
func checkColumnsResolvable(candidate *sqlmodel.Statement) error {
	for _, cte := range candidate.CTEs {
		name := strings.ToLower(cte.Name)
		exposed := exposedColumns(cte.Text)
		if exposed == nil {
			continue // SELECT * or unparsable list: nothing to check
		}
		for _, col := range qualifiedReferences(candidate.Body.Text, name) {
			if !exposed[col] {
				return errorsx.WithReason(errorsx.ReasonUnresolvedCol, name+"."+col)
			}
		}
	}
	return nil
}

// exposedColumns parses a CTE's SELECT list into the set of names it
// exposes to outer scopes: the alias after AS, or an identifier's last
// dotted component, lowercased.
func exposedColumns(text string) map[string]bool {
	upper := strings.ToUpper(text)
	selIdx := strings.Index(upper, "SELECT")
	fromIdx := strings.Index(upper, "FROM")
	if selIdx < 0 || fromIdx < 0 || fromIdx < selIdx {
		return nil
	}
	list := text[selIdx+len("SELECT") : fromIdx]
	if strings.Contains(strings.ToUpper(list), "*") {
		return nil
	}
	cols := map[string]bool{}
	for _, item := range splitTopLevelComma(list) {
		if name := exposedName(item); name != "" {
			cols[name] = true
		}
	}
	return cols
}

func splitTopLevelComma(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func exposedName(item string) string {
	item = strings.TrimSpace(item)
	if item == "" {
		return ""
	}
	upper := strings.ToUpper(item)
	if idx := strings.LastIndex(upper, " AS "); idx >= 0 {
		return strings.ToLower(strings.Trim(strings.TrimSpace(item[idx+4:]), `"`+"`"))
	}
	fields := strings.Fields(item)
	last := fields[len(fields)-1]
	if dot := strings.LastIndex(last, "."); dot >= 0 {
		last = last[dot+1:]
	}
	return strings.ToLower(strings.Trim(last, `"`+"`"))
}

// qualifiedReferences finds every `cteName.column` reference in body and
// returns the lowercased column parts.
func qualifiedReferences(body, cteName string) []string {
	lower := strings.ToLower(body)
	prefix := cteName + "."
	var refs []string
	offset := 0
	for offset < len(lower) {
		pos := strings.Index(lower[offset:], prefix)
		if pos < 0 {
			break
		}
		colStart := offset + pos + len(prefix)
		colEnd := colStart
		for colEnd < len(lower) && isIdentByte(lower[colEnd]) {
			colEnd++
		}
		if colEnd > colStart {
			refs = append(refs, lower[colStart:colEnd])
		}
		if colEnd == colStart {
			colEnd = colStart + 1
		}
		offset = colEnd
	}
	return refs
}

func isIdentByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// checkLiteralPreservation enforces Testable Property 2: the multiset of
// literals in the candidate must be a superset of the baseline's.
func checkLiteralPreservation(baseline, candidate *sqlmodel.Statement) error {
	need := map[string]int{}
	for _, l := range baseline.Literals {
		need[l]++
	}
	have := map[string]int{}
	for _, l := range candidate.Literals {
		have[l]++
	}
	for lit, n := range need {
		if have[lit] < n {
			return errorsx.WithReason(errorsx.ReasonLiteralDrop, lit)
		}
	}
	return nil
}

// checkNoOrphanCTEs enforces Testable Property 3 and the §4.2a orphan
// rule: no CTE defined but unreferenced downstream (DESIGN.md Open
// Question 1). An original CTE left alongside its split descendants is
// rejected only when neither the body nor another CTE references it.
func checkNoOrphanCTEs(candidate *sqlmodel.Statement) error {
	bodyText := strings.ToLower(candidate.Body.Text)
	for _, cte := range candidate.CTEs {
		name := strings.ToLower(cte.Name)
		referencedInBody := strings.Contains(bodyText, name)
		referencedInOtherCTE := false
		for _, other := range candidate.CTEs {
			if other == cte {
				continue
			}
			if strings.Contains(strings.ToLower(other.Text), name) {
				referencedInOtherCTE = true
				break
			}
		}
		if !referencedInBody && !referencedInOtherCTE {
			return errorsx.WithReason(errorsx.ReasonOrphanCTE, cte.Name)
		}
	}
	return nil
}

// checkEveryCTEHasWhere enforces the §4.2a hard-stop: "every produced CTE
// must have a WHERE".
func checkEveryCTEHasWhere(candidate *sqlmodel.Statement) error {
	for _, cte := range candidate.CTEs {
		if !strings.Contains(strings.ToUpper(cte.Text), "WHERE") {
			return errorsx.WithReason(errorsx.ReasonMissingWhere, cte.Name)
		}
	}
	return nil
}

// checkExistsPreserved enforces Testable Property 4: no EXISTS/NOT EXISTS
// in the baseline may be turned into a materialized CTE or IN form.
func checkExistsPreserved(baseline, candidate *sqlmodel.Statement) error {
	baselineExists := strings.Contains(strings.ToUpper(baseline.Raw), "EXISTS")
	if !baselineExists {
		return nil
	}
	candidateHasExists := strings.Contains(strings.ToUpper(candidate.Body.Text), "EXISTS")
	for _, cte := range candidate.CTEs {
		if strings.Contains(strings.ToUpper(cte.Text), "EXISTS") {
			candidateHasExists = true
		}
	}
	if !candidateHasExists {
		return errorsx.WithReason(errorsx.ReasonExistsViolation, "")
	}
	return nil
}

// checkSameColumnORPreserved enforces Testable Property 5 / hard-stop
// S3: a same-column OR chain in the baseline must not be split into a
// UNION in the candidate.
func checkSameColumnORPreserved(baseline, candidate *sqlmodel.Statement) error {
	branches := sqlmodel.SplitTopLevelOrExported(strings.ToLower(sqlmodel.WhereClause(baseline.Body.Text)))
	if len(branches) < 2 {
		return nil
	}
	if _, same := sqlmodel.SameColumnOR(branches); !same {
		return nil
	}
	if strings.Contains(strings.ToUpper(candidate.Body.Text), "UNION") {
		return errorsx.WithReason(errorsx.ReasonOrSameColumn, "")
	}
	return nil
}

// Serialize renders a Statement back to SQL text (spec.md §4.5: "serialize
// the AST back to SQL").
func Serialize(stmt *sqlmodel.Statement) string {
	var b strings.Builder
	if len(stmt.CTEs) > 0 {
		b.WriteString("WITH ")
		for i, cte := range stmt.CTEs {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(cte.Name)
			b.WriteString(" AS (")
			b.WriteString(cte.Text)
			b.WriteString(")")
		}
		b.WriteString(" ")
	}
	if stmt.Body != nil {
		b.WriteString(stmt.Body.Text)
	}
	return b.String()
}
