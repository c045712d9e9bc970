package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/qbeam/beamopt/internal/httpapi"
	"github.com/qbeam/beamopt/internal/mission"
)

var serveFlags struct {
	addr string
}

// serveCmd starts the HTTP surface of spec.md §6 (connect/disconnect/
// audit/optimize/mission), the alternative entrypoint to the CLI
// subcommands above, sharing the same process-wide catalog/provider/parser.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP surface (connect/disconnect/audit/optimize/mission)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", ":8080", "address to listen on")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, reg, provider, parser, err := loadEnv()
	if err != nil {
		os.Exit(ExitSetupError)
		return err
	}

	srv := httpapi.New(reg, provider, parser, mission.Config{
		MissionDeadline:   cfg.MissionDeadline,
		EquivMaxRows:      cfg.EquivMaxRows,
		EquivTolerance:    cfg.EquivTolerance,
		BenchRuns:         cfg.BenchRuns,
		BenchWarmup:       cfg.BenchWarmup,
		BenchRace:         cfg.BenchRace,
		LLMMaxConcurrency: cfg.LLMMaxConcurrency,
	})

	httpServer := &http.Server{
		Addr:         serveFlags.addr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	fmt.Fprintf(os.Stderr, "beamopt: listening on %s\n", serveFlags.addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitSetupError)
		return err
	}
	return nil
}
