// Package config loads the closed set of environment variables listed in
// spec.md §6 into an immutable Config, coercing string env values with
// spf13/cast the way the teacher coerces loose session-variable input.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
)

// Config is the process-wide, read-only configuration assembled once at
// startup. Nothing downstream re-reads the environment.
type Config struct {
	LLMProviderURL     string
	LLMAPIKey          string
	LLMModel           string
	LLMMaxConcurrency  int
	DBSessionPoolSize  int
	DBIdleTimeout      time.Duration
	MissionDeadline    time.Duration
	EquivMaxRows       int
	EquivTolerance     float64
	BenchRuns          int
	BenchWarmup        int
	BenchRace          bool
	PathologyProfile  string
	TransformCatalog  string
	ArtifactsDBPath   string
}

// Load reads the environment and returns a validated Config. The two
// catalog paths are required; every other key has the default from
// spec.md §6.
func Load() (*Config, error) {
	c := &Config{
		LLMProviderURL:    getenv("LLM_PROVIDER_URL", ""),
		LLMAPIKey:         getenv("LLM_API_KEY", ""),
		LLMModel:          getenv("LLM_MODEL", ""),
		LLMMaxConcurrency: castInt("LLM_MAX_CONCURRENCY", 8),
		DBSessionPoolSize: castInt("DB_SESSION_POOL_SIZE", 4),
		DBIdleTimeout:     castSeconds("DB_IDLE_TIMEOUT_SECS", 900),
		MissionDeadline:   castSeconds("MISSION_DEADLINE_SECS", 300),
		EquivMaxRows:      castInt("EQUIV_MAX_ROWS", 10000),
		EquivTolerance:    castFloat("EQUIV_TOLERANCE", 1e-9),
		BenchRuns:         castInt("BENCH_RUNS", 2),
		BenchWarmup:       castInt("BENCH_WARMUP", 1),
		BenchRace:         castBool("BENCH_RACE", false),
		PathologyProfile:  getenv("PATHOLOGY_PROFILE_PATH", ""),
		TransformCatalog:  getenv("TRANSFORM_CATALOG_PATH", ""),
		ArtifactsDBPath:   getenv("ARTIFACTS_DB_PATH", ""),
	}

	if c.PathologyProfile == "" {
		return nil, fmt.Errorf("config: PATHOLOGY_PROFILE_PATH is required")
	}
	if c.TransformCatalog == "" {
		return nil, fmt.Errorf("config: TRANSFORM_CATALOG_PATH is required")
	}

	return c, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func castInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

func castFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}

func castBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

func castSeconds(key string, defSeconds int) time.Duration {
	n := castInt(key, defSeconds)
	return time.Duration(n) * time.Second
}
