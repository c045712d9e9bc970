package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/qbeam/beamopt/internal/dispatcher"
	"github.com/qbeam/beamopt/internal/mission"
	"github.com/qbeam/beamopt/internal/planmodel"
	"github.com/qbeam/beamopt/internal/report"
	"github.com/qbeam/beamopt/internal/session"
)

var optimizeFlags struct {
	dsn        string
	mode       string
	importance int
	deadline   int
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize <sql>",
	Short: "Run the full beam pipeline and print the fastest correct rewrite",
	Args:  cobra.ExactArgs(1),
	RunE:  runOptimize,
}

func init() {
	optimizeCmd.Flags().StringVar(&optimizeFlags.dsn, "dsn", "", "database connection string")
	optimizeCmd.Flags().StringVar(&optimizeFlags.mode, "mode", string(mission.ModeBeam), "beam|reasoning|oneshot")
	optimizeCmd.Flags().IntVar(&optimizeFlags.importance, "importance", 1, "1|2|3")
	optimizeCmd.Flags().IntVar(&optimizeFlags.deadline, "deadline", 300, "mission deadline in seconds")
}

func runOptimize(cmd *cobra.Command, args []string) error {
	sql := args[0]

	cfg, reg, provider, parser, err := loadEnv()
	if err != nil {
		os.Exit(ExitSetupError)
		return err
	}

	dialect := dialectFromDSN(optimizeFlags.dsn)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(optimizeFlags.deadline)*time.Second)
	defer cancel()

	poolSize := cfg.DBSessionPoolSize
	if poolSize < 1 {
		poolSize = 1
	}
	sessions := make([]session.Session, 0, poolSize)
	for i := 0; i < poolSize; i++ {
		sess, err := session.Connect(ctx, planmodel.Dialect(dialect), optimizeFlags.dsn)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(ExitSetupError)
			return err
		}
		defer sess.Close()
		sessions = append(sessions, sess)
	}

	m := mission.New(sql, dialect, mission.Mode(optimizeFlags.mode), dispatcher.Importance(optimizeFlags.importance))
	deps := mission.Deps{
		Sessions: sessions,
		Catalog:  reg,
		Provider: provider,
		Parser:   parser,
		Config: mission.Config{
			MissionDeadline:   time.Duration(optimizeFlags.deadline) * time.Second,
			EquivMaxRows:      cfg.EquivMaxRows,
			EquivTolerance:    cfg.EquivTolerance,
			BenchRuns:         cfg.BenchRuns,
			BenchWarmup:       cfg.BenchWarmup,
			BenchRace:         cfg.BenchRace,
			LLMMaxConcurrency: cfg.LLMMaxConcurrency,
		},
	}

	mission.Run(ctx, m, deps)

	summary := report.FromMission(m)
	fmt.Print(summary.Text())

	if m.State == mission.StateFailed {
		os.Exit(ExitBaselineFailed)
		return nil
	}
	if m.Final == nil || m.Final.Speedup < 1.0 {
		os.Exit(ExitNoCandidate)
		return nil
	}
	os.Exit(ExitSuccess)
	return nil
}
