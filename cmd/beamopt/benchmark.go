package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/qbeam/beamopt/internal/bench"
	"github.com/qbeam/beamopt/internal/planmodel"
	"github.com/qbeam/beamopt/internal/session"
)

var benchmarkFlags struct {
	dsn  string
	runs int
}

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark <sql>",
	Short: "Time a single SQL statement against the live session",
	Args:  cobra.ExactArgs(1),
	RunE:  runBenchmark,
}

func init() {
	benchmarkCmd.Flags().StringVar(&benchmarkFlags.dsn, "dsn", "", "database connection string")
	benchmarkCmd.Flags().IntVar(&benchmarkFlags.runs, "runs", 2, "number of timed runs")
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	sql := args[0]

	dialect := dialectFromDSN(benchmarkFlags.dsn)
	ctx := context.Background()
	sess, err := session.Connect(ctx, planmodel.Dialect(dialect), benchmarkFlags.dsn)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitSetupError)
		return err
	}
	defer sess.Close()

	proto := bench.Protocol{Runs: benchmarkFlags.runs}
	outcome := bench.Run(ctx, sess, sql, 0, 60*time.Second, proto)
	if outcome.Err != nil {
		fmt.Fprintln(os.Stderr, outcome.Err)
		os.Exit(ExitBaselineFailed)
		return outcome.Err
	}
	fmt.Printf("candidate_ms=%.3f\n", outcome.CandidateMs)
	return nil
}
