// Package catalog loads the pathology profile and transform catalog YAML
// files named by PATHOLOGY_PROFILE_PATH/TRANSFORM_CATALOG_PATH into
// process-wide, read-only state initialized once at startup (spec.md §9:
// "Global mutable caches... convert to process-wide read-only state").
package catalog

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/qbeam/beamopt/internal/artifacts"
)

// TransformOption is one named rewrite a pathology may offer, with its
// historical evidence.
type TransformOption struct {
	Transform     string  `yaml:"transform"`
	WinCount      int     `yaml:"win_count"`
	MeanSpeedup   float64 `yaml:"mean_speedup"`
	WorstSpeedup  float64 `yaml:"worst_speedup"`
}

// Gate is a structural prerequisite a transform must satisfy before it is offered.
type Gate struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// PathologyDef is one row of the pathology matrix (spec.md §4.2a), as
// loaded from PATHOLOGY_PROFILE_PATH.
type PathologyDef struct {
	ID               string             `yaml:"id"`
	DetectSignal     string             `yaml:"detect_signal"`
	Gates            []Gate             `yaml:"gates"`
	TransformOptions []TransformOption  `yaml:"transform_options"`
	Phase            int                `yaml:"phase"`
}

// TransformDef names a rewrite family and the invariants its worker must obey.
type TransformDef struct {
	Name       string   `yaml:"name"`
	Invariants []string `yaml:"invariants"`
	Examples   []string `yaml:"examples"`
}

// Profile is the loaded, read-only pathology matrix.
type Profile struct {
	Dialect     string         `yaml:"dialect"`
	Pathologies []PathologyDef `yaml:"pathologies"`
}

// TransformCatalog is the loaded, read-only transform catalog.
type TransformCatalog struct {
	Transforms []TransformDef `yaml:"transforms"`
}

// ByName indexes a TransformCatalog's entries by transform name.
func (c *TransformCatalog) ByName() map[string]TransformDef {
	idx := make(map[string]TransformDef, len(c.Transforms))
	for _, t := range c.Transforms {
		idx[t.Name] = t
	}
	return idx
}

// LoadProfile reads and parses a pathology profile YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read pathology profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("catalog: parse pathology profile: %w", err)
	}
	return &p, nil
}

// LoadTransformCatalog reads and parses a transform catalog YAML file.
func LoadTransformCatalog(path string) (*TransformCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read transform catalog: %w", err)
	}
	var c TransformCatalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: parse transform catalog: %w", err)
	}
	return &c, nil
}

// Registry bundles both catalogs as the single read-only object the rest
// of the pipeline depends on. Built once at startup via Load.
type Registry struct {
	Profile    *Profile
	Transforms *TransformCatalog

	// Artifacts is the optional offline-trained evidence store (spec.md
	// §1 Non-goals: training is out of scope, but its precomputed output
	// may be consulted read-only). Nil when ARTIFACTS_DB_PATH is unset.
	Artifacts *artifacts.Store
}

// Load builds a Registry from the two configured paths.
func Load(pathologyPath, transformPath string) (*Registry, error) {
	profile, err := LoadProfile(pathologyPath)
	if err != nil {
		return nil, err
	}
	transforms, err := LoadTransformCatalog(transformPath)
	if err != nil {
		return nil, err
	}
	return &Registry{Profile: profile, Transforms: transforms}, nil
}

// AttachArtifacts wires an opened artifacts.Store into the Registry so
// the dispatcher can bias probe ordering by historical evidence. A nil
// store is a valid no-op, matching "reads precomputed artifacts only, when
// present."
func (r *Registry) AttachArtifacts(store *artifacts.Store) {
	r.Artifacts = store
}

// RankedOptions reorders a pathology's TransformOption list by score,
// highest first. An option's score is the attached store's WinRate times
// MeanSpeedup for its transform, or the option's own catalog MeanSpeedup
// when the store has no entry for it. Equal scores keep the catalog's
// declared order; with no store attached the list is returned unchanged.
func (r *Registry) RankedOptions(opts []TransformOption) []TransformOption {
	if r.Artifacts == nil || len(opts) == 0 {
		return opts
	}
	type scored struct {
		opt   TransformOption
		score float64
	}
	ranked := make([]scored, len(opts))
	for i, o := range opts {
		score := o.MeanSpeedup
		if pw, found, err := r.Artifacts.PatternWeight(o.Transform); err == nil && found {
			score = pw.WinRate * pw.MeanSpeedup
		}
		ranked[i] = scored{opt: o, score: score}
	}
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j-1].score < ranked[j].score; j-- {
			ranked[j-1], ranked[j] = ranked[j], ranked[j-1]
		}
	}
	out := make([]TransformOption, len(ranked))
	for i, s := range ranked {
		out[i] = s.opt
	}
	return out
}
