// Package session implements the Session contract of spec.md §3: a live,
// exclusively-owned connection to one database, serializing every
// operation against it. Two backends are wired through database/sql:
// marcboeker/go-duckdb for the "duckdb" dialect and lib/pq for
// "postgres" — the two engines spec.md §1 names by name, and the two
// driver packages the retrieval pack's manifests (Lychee-Technology-forma,
// saurabh22suman-canonica-labs for go-duckdb; goatkit-goatflow for
// lib/pq) carry as direct dependencies.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/cespare/xxhash"

	"github.com/qbeam/beamopt/internal/errorsx"
	"github.com/qbeam/beamopt/internal/planmodel"
	"github.com/qbeam/beamopt/internal/planparse"
)

// Rows is the minimal result shape callers need: column names plus the
// row values rendered to strings (the Correctness Gate hashes string
// representations, not native types, so this is all downstream code needs).
type Rows struct {
	Columns []string
	Values  [][]string
}

// Checksum is the output of Session.Checksum: a row count plus a
// commutative digest (order-independent XOR fold) and, when requested,
// an ordered digest (result-order concatenation), per spec.md §4.6.
type Checksum struct {
	RowCount        int64
	Commutative     uint64
	Ordered         uint64
	SampleMismatch  []string // left empty here; the gate reports its sample in gate.Result.SampleMismatch
}

// Session is the live, exclusively-owned connection spec.md §3 defines.
// Implementations must serialize operations: queries on the same session
// never overlap.
type Session interface {
	Execute(ctx context.Context, sql string, limit int) (*Rows, error)
	Explain(ctx context.Context, sql string, analyze bool) (*planmodel.PlanTree, error)
	Checksum(ctx context.Context, sql string, limit int, orderSensitive bool, tolerance float64) (Checksum, error)
	Close() error
	// Cancel aborts any in-flight operation on this session, used by the
	// bench racer's race mode (spec.md §4.7, §5). Returns false when the
	// underlying driver offers no cancellation, in which case the caller
	// must wait for natural completion instead.
	Cancel() bool
}

// dbSession is the shared database/sql-backed implementation for both
// dialects; only the EXPLAIN rendering differs.
type dbSession struct {
	mu      sync.Mutex
	db      *sql.DB
	dialect planmodel.Dialect
	cancel  context.CancelFunc
}

// Connect opens a Session against dsn for the given dialect (spec.md §3
// "created on connect"). driverName is "duckdb" or "postgres" as
// registered by the imported drivers' init functions.
func Connect(ctx context.Context, dialect planmodel.Dialect, dsn string) (Session, error) {
	driverName, err := driverFor(dialect)
	if err != nil {
		return nil, errorsx.ConnectFailed.New(err.Error())
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errorsx.ConnectFailed.New(err.Error())
	}
	db.SetMaxOpenConns(1) // exclusive-owner invariant (spec.md §3)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errorsx.ConnectFailed.New(err.Error())
	}
	return &dbSession{db: db, dialect: dialect}, nil
}

func driverFor(dialect planmodel.Dialect) (string, error) {
	switch dialect {
	case planmodel.DialectDuckDB:
		return "duckdb", nil
	case planmodel.DialectPostgres:
		return "postgres", nil
	default:
		return "", fmt.Errorf("session: unknown dialect %q", dialect)
	}
}

// Execute runs sql and returns up to limit rows, rendered as strings.
// limit<=0 means unbounded.
func (s *dbSession) Execute(ctx context.Context, query string, limit int) (*Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	rows, err := s.db.QueryContext(runCtx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRows(rows, limit)
}

func scanRows(rows *sql.Rows, limit int) (*Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &Rows{Columns: cols}
	raw := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	count := 0
	for rows.Next() {
		if limit > 0 && count >= limit {
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		vals := make([]string, len(cols))
		for i, v := range raw {
			vals[i] = renderValue(v)
		}
		out.Values = append(out.Values, vals)
		count++
	}
	return out, rows.Err()
}

func renderValue(v interface{}) string {
	if v == nil {
		return "\x00NULL\x00"
	}
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Explain runs EXPLAIN (ANALYZE if requested) and parses the output into
// a uniform PlanTree via internal/planparse (spec.md §4.1).
func (s *dbSession) Explain(ctx context.Context, query string, analyze bool) (*planmodel.PlanTree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	explainSQL := renderExplain(s.dialect, query, analyze)
	rows, err := s.db.QueryContext(ctx, explainSQL)
	if err != nil {
		return nil, errorsx.PlanParseFailed.New(err.Error())
	}
	defer rows.Close()

	raw, err := collectExplainText(rows)
	if err != nil {
		return nil, errorsx.PlanParseFailed.New(err.Error())
	}

	planDialect := planmodel.Dialect(s.dialect)
	return planparse.Parse(raw, planDialect)
}

func renderExplain(dialect planmodel.Dialect, query string, analyze bool) string {
	switch dialect {
	case planmodel.DialectPostgres:
		if analyze {
			return "EXPLAIN (ANALYZE, FORMAT JSON) " + query
		}
		return "EXPLAIN (FORMAT JSON) " + query
	default: // duckdb
		if analyze {
			return "EXPLAIN ANALYZE " + query
		}
		return "EXPLAIN " + query
	}
}

func collectExplainText(rows *sql.Rows) (string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	var out []byte
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		for _, v := range vals {
			out = append(out, []byte(renderValue(v))...)
			out = append(out, '\n')
		}
	}
	return string(out), rows.Err()
}

// Checksum computes the row count and commutative/ordered digests of
// spec.md §4.6 by running the query once (reading at most limit rows; the
// query text is hashed as given, any LIMIT wrapping is the caller's) and
// folding cespare/xxhash over each row's canonicalized values.
func (s *dbSession) Checksum(ctx context.Context, query string, limit int, orderSensitive bool, tolerance float64) (Checksum, error) {
	rows, err := s.Execute(ctx, query, limit)
	if err != nil {
		return Checksum{}, err
	}

	var cs Checksum
	cs.RowCount = int64(len(rows.Values))

	var orderedDigest uint64
	h := xxhash.New()
	for i, row := range rows.Values {
		h.Reset()
		for _, v := range row {
			h.Write([]byte(canonicalizeValue(v, tolerance)))
			h.Write([]byte{0})
		}
		rowHash := h.Sum64()
		cs.Commutative ^= rowHash
		if orderSensitive {
			orderedDigest = mix(orderedDigest, rowHash, uint64(i))
		}
	}
	if orderSensitive {
		cs.Ordered = orderedDigest
	}
	return cs, nil
}

// mix folds a per-row hash into a position-sensitive running digest so
// row order affects the result, unlike the commutative XOR fold.
func mix(acc, rowHash, pos uint64) uint64 {
	acc = acc*1099511628211 ^ rowHash
	acc ^= pos + 0x9e3779b97f4a7c15
	return acc
}

// canonicalizeValue normalizes a rendered value for hashing: numeric
// values are rounded to the configured tolerance's precision, NULLs use
// a sentinel, strings are left as rendered (already UTF-8 from the
// driver).
func canonicalizeValue(v string, tolerance float64) string {
	if v == "\x00NULL\x00" {
		return "\x00NULL\x00"
	}
	if f, ok := parseFloat(v); ok {
		return roundToTolerance(f, tolerance)
	}
	return v
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func roundToTolerance(f float64, tolerance float64) string {
	if tolerance <= 0 {
		tolerance = 1e-9
	}
	scale := 1.0 / tolerance
	rounded := math.Round(f*scale) / scale
	return fmt.Sprintf("%.15g", rounded)
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

// Cancel drops the in-flight query's context, used by race mode to
// abandon losing runs (spec.md §4.7: "cancel losers... by dropping their
// session handle").
func (s *dbSession) Cancel() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Close disconnects the session (spec.md §3: "destroyed on disconnect or
// idle timeout").
func (s *dbSession) Close() error {
	return s.db.Close()
}
