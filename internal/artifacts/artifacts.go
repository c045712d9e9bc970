// Package artifacts provides read-only access to precomputed ML
// artifacts (vector index entries, historical pattern weights) produced
// by an offline training process that is explicitly out of scope for
// this system (spec.md §1 Non-goals: "ML training... at runtime the
// system reads precomputed artifacts only"). Grounded on the teacher's
// direct boltdb/bolt dependency, opened strictly read-only — exactly
// boltdb's intended embedded-read-path use.
package artifacts

import (
	"encoding/json"
	"fmt"

	bolt "github.com/boltdb/bolt"
)

var (
	patternWeightsBucket = []byte("pattern_weights")
	vectorIndexBucket    = []byte("vector_index")
)

// PatternWeight is one transform's historical evidence, as mined offline
// and consulted (never mutated) by internal/catalog/internal/dispatcher
// to bias probe assignment priors.
type PatternWeight struct {
	Transform    string  `json:"transform"`
	WinRate      float64 `json:"win_rate"`
	MeanSpeedup  float64 `json:"mean_speedup"`
	SampleCount  int     `json:"sample_count"`
}

// VectorEntry is one precomputed embedding-index row, returned by
// NearestVectors. No briefing reads these entries.
type VectorEntry struct {
	QueryHash string    `json:"query_hash"`
	Transform string    `json:"transform"`
	Vector    []float32 `json:"vector"`
}

// Store is the read-only handle over one bolt database file.
type Store struct {
	db *bolt.DB
}

// Open opens path strictly read-only: no write transaction is ever
// issued against it, matching the Non-goal that training happens
// elsewhere and this process only consumes its output.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("artifacts: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PatternWeight looks up the historical evidence for one transform name.
func (s *Store) PatternWeight(transform string) (PatternWeight, bool, error) {
	var pw PatternWeight
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(patternWeightsBucket)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(transform))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &pw)
	})
	return pw, found, err
}

// AllPatternWeights returns every stored pattern weight.
func (s *Store) AllPatternWeights() ([]PatternWeight, error) {
	var out []PatternWeight
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(patternWeightsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var pw PatternWeight
			if err := json.Unmarshal(v, &pw); err != nil {
				return err
			}
			out = append(out, pw)
			return nil
		})
	})
	return out, err
}

// NearestVectors returns the stored vector entries for a queryHash,
// a best-effort exact-key lookup standing in for the offline-built
// similarity index (the ANN search itself is part of the training
// pipeline that is out of scope here; this store only serves its
// precomputed output).
func (s *Store) NearestVectors(queryHash string) ([]VectorEntry, error) {
	var out []VectorEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(vectorIndexBucket)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(queryHash))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &out)
	})
	return out, err
}
