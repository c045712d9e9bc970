package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qbeam/beamopt/internal/gate"
	"github.com/qbeam/beamopt/internal/planmodel"
	"github.com/qbeam/beamopt/internal/session"
)

var validateFlags struct {
	original  string
	candidate string
	dsn       string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check whether --candidate is equivalent to --original on the live session",
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateFlags.original, "original", "", "original SQL text")
	validateCmd.Flags().StringVar(&validateFlags.candidate, "candidate", "", "candidate SQL text")
	validateCmd.Flags().StringVar(&validateFlags.dsn, "dsn", "", "database connection string")
	validateCmd.MarkFlagRequired("original")
	validateCmd.MarkFlagRequired("candidate")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, _, _, _, err := loadEnv()
	if err != nil {
		os.Exit(ExitSetupError)
		return err
	}

	dialect := dialectFromDSN(validateFlags.dsn)
	ctx := context.Background()
	sess, err := session.Connect(ctx, planmodel.Dialect(dialect), validateFlags.dsn)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitSetupError)
		return err
	}
	defer sess.Close()

	result := gate.Check(ctx, sess, validateFlags.original, validateFlags.candidate, cfg.EquivMaxRows, cfg.EquivTolerance)
	if !result.Passed {
		fmt.Printf("NOT EQUIVALENT: %v\n", result.Err)
		for _, s := range result.SampleMismatch {
			fmt.Println("  " + s)
		}
		os.Exit(ExitNoCandidate)
		return nil
	}
	fmt.Printf("EQUIVALENT: baseline_rows=%d candidate_rows=%d order_sensitive=%v\n",
		result.BaselineRows, result.CandidateRows, result.OrderSensitive)
	return nil
}
