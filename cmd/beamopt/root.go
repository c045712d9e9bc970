// Command beamopt is the CLI surface of spec.md §6: audit, optimize,
// validate, and benchmark subcommands against a live database session,
// plus serve, which starts the HTTP surface of internal/httpapi,
// using spf13/cobra — the pack's dominant CLI-framework choice for
// database/query tooling (qubicDB-qubicdb, goatkit-goatflow both carry
// it as a direct dependency).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qbeam/beamopt/internal/artifacts"
	"github.com/qbeam/beamopt/internal/catalog"
	"github.com/qbeam/beamopt/internal/config"
	"github.com/qbeam/beamopt/internal/llmprovider"
	"github.com/qbeam/beamopt/internal/sqlmodel"
)

// Exit codes (spec.md §6).
const (
	ExitSuccess        = 0
	ExitSetupError     = 1
	ExitBaselineFailed = 2
	ExitNoCandidate    = 3
)

var rootCmd = &cobra.Command{
	Use:   "beamopt",
	Short: "Optimize a SQL query against a live DuckDB or Postgres session",
}

func main() {
	rootCmd.AddCommand(auditCmd, optimizeCmd, validateCmd, benchmarkCmd, serveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitSetupError)
	}
}

// loadEnv assembles the process-wide config and catalogs once per
// invocation (spec.md §9: "process-wide read-only state initialized at
// startup from YAML paths declared in config").
func loadEnv() (*config.Config, *catalog.Registry, llmprovider.Provider, sqlmodel.Parser, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	reg, err := catalog.Load(cfg.PathologyProfile, cfg.TransformCatalog)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if cfg.ArtifactsDBPath != "" {
		store, err := artifacts.Open(cfg.ArtifactsDBPath)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		reg.AttachArtifacts(store)
	}
	provider := llmprovider.New(cfg.LLMProviderURL, cfg.LLMAPIKey, cfg.LLMModel)
	return cfg, reg, provider, sqlmodel.NaiveParser{}, nil
}

func dialectFromDSN(dsn string) sqlmodel.Dialect {
	if len(dsn) >= 8 && dsn[:8] == "postgres" {
		return sqlmodel.DialectPostgres
	}
	return sqlmodel.DialectDuckDB
}
