// Package sqlmodel defines a minimal, anchor-hashable statement IR and the
// Parser seam spec.md §1 treats as an opaque external collaborator ("the
// SQL parser library... an opaque AST producer"). beamopt's default
// implementation, NaiveParser, splits off the CTEs and keeps the main query
// as one body node (with an EXISTS marker child when the text has EXISTS);
// it builds no separate SELECT-list, FROM, WHERE or set-operation nodes.
// That is enough to exercise anchor hashing, PatchPlan application, and
// the hard-stop rules, which read clauses from node text; a production deployment
// swaps this out for a real dialect grammar behind the same Parser
// interface without touching any other package.
package sqlmodel

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Dialect mirrors planmodel.Dialect to avoid an import cycle between the
// two leaf packages; callers convert at the boundary.
type Dialect string

const (
	DialectDuckDB   Dialect = "duckdb"
	DialectPostgres Dialect = "postgres"
)

// NodeKind tags the shape of a Node.
type NodeKind string

const (
	KindSelect   NodeKind = "select"
	KindFrom     NodeKind = "from"
	KindWhere    NodeKind = "where"
	KindCTE      NodeKind = "cte"
	KindSetOp    NodeKind = "set_op" // UNION/INTERSECT/EXCEPT
	KindSubquery NodeKind = "subquery"
	KindExists   NodeKind = "exists"
	KindOr       NodeKind = "or"
	KindLeaf     NodeKind = "leaf" // opaque text span (literal, column ref, etc.)
)

// Node is one subtree of the statement IR. Every Node is addressable by
// its AnchorHash once canonicalized (see Canonicalize and the patchplan
// package, which owns the actual hash computation over a Node).
type Node struct {
	Kind     NodeKind
	Text     string // raw source text for this subtree, as written
	Name     string // CTE name / alias, when applicable
	Children []*Node
}

// Statement is a parsed query: zero or more CTEs, a body SELECT (which may
// itself be a set operation tree), and the literal set used for literal-
// preservation checks (spec.md Testable Property 2).
type Statement struct {
	CTEs     []*Node // each a KindCTE node
	Body     *Node
	Literals []string
	Raw      string
}

// Parser is the opaque SQL-parser collaborator.
type Parser interface {
	Parse(sql string, dialect Dialect) (*Statement, error)
}

// NaiveParser is the default, dependency-free Parser implementation.
type NaiveParser struct{}

var (
	cteHeaderRe = regexp.MustCompile(`(?is)\bWITH\b`)
	literalRe   = regexp.MustCompile(`'(?:[^']|'')*'|\b\d+(?:\.\d+)?\b`)
	existsRe    = regexp.MustCompile(`(?i)\bEXISTS\s*\(`)
)

// Parse implements Parser. It does not attempt full SQL grammar recognition;
// it splits on top-level commas/keywords using paren-depth tracking, which
// is sufficient to build CTE nodes, a body node, and a literal inventory.
func (NaiveParser) Parse(sql string, dialect Dialect) (*Statement, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return nil, fmt.Errorf("sqlmodel: empty statement")
	}

	stmt := &Statement{Raw: sql}
	body := trimmed

	if cteHeaderRe.MatchString(trimmed) && strings.HasPrefix(strings.ToUpper(trimmed), "WITH") {
		rest := trimmed[len("WITH"):]
		ctes, remainder, err := splitCTEs(rest)
		if err != nil {
			return nil, err
		}
		stmt.CTEs = ctes
		body = remainder
	}

	stmt.Body = &Node{Kind: KindSelect, Text: strings.TrimSpace(body)}
	if existsRe.MatchString(sql) {
		stmt.Body.Children = append(stmt.Body.Children, &Node{Kind: KindExists, Text: "exists-marker"})
	}

	for _, m := range literalRe.FindAllString(sql, -1) {
		stmt.Literals = append(stmt.Literals, m)
	}
	return stmt, nil
}

// splitCTEs parses "name AS (body), name2 AS (body2) <main query>" at
// paren-depth 0, returning the CTE nodes and the remaining main query text.
func splitCTEs(rest string) ([]*Node, string, error) {
	var ctes []*Node
	i := 0
	n := len(rest)
	for i < n {
		for i < n && (rest[i] == ' ' || rest[i] == '\n' || rest[i] == '\t' || rest[i] == ',') {
			i++
		}
		if i >= n {
			break
		}
		nameStart := i
		for i < n && rest[i] != ' ' && rest[i] != '\n' && rest[i] != '\t' {
			i++
		}
		name := rest[nameStart:i]

		asIdx := strings.Index(strings.ToUpper(rest[i:]), "AS")
		if asIdx < 0 {
			break
		}
		i += asIdx + 2
		for i < n && (rest[i] == ' ' || rest[i] == '\n' || rest[i] == '\t') {
			i++
		}
		if i >= n || rest[i] != '(' {
			return nil, "", fmt.Errorf("sqlmodel: expected '(' after AS in CTE %q", name)
		}

		depth := 0
		bodyStart := i
		for ; i < n; i++ {
			switch rest[i] {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					i++
					goto done
				}
			}
		}
	done:
		body := rest[bodyStart:i]
		ctes = append(ctes, &Node{Kind: KindCTE, Name: name, Text: body})

		for i < n && (rest[i] == ' ' || rest[i] == '\n' || rest[i] == '\t') {
			i++
		}
		if i < n && rest[i] == ',' {
			continue
		}
		break
	}
	return ctes, strings.TrimSpace(rest[i:]), nil
}

// Canonicalize produces a formatting-independent representation of a
// Node's text: lowercased (dialects here are case-insensitive for
// identifiers), comments stripped, whitespace collapsed, and — for OR
// chains — the top-level OR branches sorted into a stable order. Operands
// of AND, "=" and other commutative operators keep their written order, so
// "a = b" and "b = a" canonicalize differently. This is the input to the anchor
// hash (spec.md §9: "canonicalize the subtree... before hashing").
func Canonicalize(n *Node) string {
	text := stripComments(n.Text)
	text = collapseWhitespace(text)
	text = strings.ToLower(text)

	if n.Kind == KindOr || looksLikeOrChain(text) {
		parts := splitTopLevelOr(text)
		sort.Strings(parts)
		text = strings.Join(parts, " or ")
	}

	return text
}

var commentRe = regexp.MustCompile(`(?s)--[^\n]*|/\*.*?\*/`)

func stripComments(s string) string {
	return commentRe.ReplaceAllString(s, "")
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func looksLikeOrChain(s string) bool {
	return strings.Contains(s, " or ")
}

// SplitTopLevelOrExported splits a predicate string on paren-depth-0 " or "
// boundaries; exported for use by patchplan's hard-stop validators.
func SplitTopLevelOrExported(s string) []string {
	return splitTopLevelOr(s)
}

func splitTopLevelOr(s string) []string {
	var parts []string
	depth := 0
	last := 0
	lower := s
	for i := 0; i < len(lower); i++ {
		switch lower[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && i+4 <= len(lower) && lower[i:i+4] == " or " {
			parts = append(parts, strings.TrimSpace(lower[last:i]))
			last = i + 4
			i += 3
		}
	}
	parts = append(parts, strings.TrimSpace(lower[last:]))
	return parts
}

var (
	whereRe             = regexp.MustCompile(`(?i)\bwhere\b`)
	whereClauseBoundary = regexp.MustCompile(`(?i)\bgroup\s+by\b|\border\s+by\b|\blimit\b|\bunion\b`)
)

// WhereClause extracts the top-level WHERE predicate from a full
// statement body (or CTE) text, stopping at the next GROUP BY/ORDER
// BY/LIMIT/UNION keyword. OR-chain analysis (SameColumnOR, the p4
// or_to_union hard-stop, checkSameColumnORPreserved) must run against just
// the predicate: handed the whole "select ... where ..." text instead,
// the first split branch keeps the "select a from t where" prefix and
// SameColumnOR's leading-identifier regex never matches it, silently
// disabling the same-column hard-stop for every real parsed statement.
func WhereClause(text string) string {
	loc := whereRe.FindStringIndex(text)
	if loc == nil {
		return text
	}
	rest := text[loc[1]:]
	if b := whereClauseBoundary.FindStringIndex(rest); b != nil {
		rest = rest[:b[0]]
	}
	return strings.TrimSpace(rest)
}

// SameColumnOR reports whether an OR chain's branches all reference the
// same single column (spec.md hard-stop: "never split same-column OR into
// UNION"). columns is a best-effort extraction of the leading identifier
// of each branch (e.g. "col = 1" -> "col").
func SameColumnOR(branches []string) (string, bool) {
	colRe := regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_.]*)\s*(=|in\b)`)
	var col string
	for i, b := range branches {
		m := colRe.FindStringSubmatch(strings.TrimSpace(b))
		if m == nil {
			return "", false
		}
		if i == 0 {
			col = m[1]
		} else if m[1] != col {
			return "", false
		}
	}
	return col, col != ""
}

// ExtractLiterals returns every literal token (quoted string or bare
// number) found in text, the same tokenization NaiveParser.Parse uses to
// build a fresh Statement's Literals — used by patchplan.Apply to
// recompute a mutated Statement's literal inventory once an op rewrites a
// node's Text in place, so checkLiteralPreservation sees the rewrite's
// actual literals rather than the pre-mutation snapshot.
func ExtractLiterals(text string) []string {
	return literalRe.FindAllString(text, -1)
}

// ParseIntLiteral parses a bare integer literal token. No validator calls
// it: checkLiteralPreservation compares literal tokens as strings.
func ParseIntLiteral(s string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
