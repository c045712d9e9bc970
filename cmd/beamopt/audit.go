package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qbeam/beamopt/internal/errorsx"
	"github.com/qbeam/beamopt/internal/pathology"
	"github.com/qbeam/beamopt/internal/planmodel"
	"github.com/qbeam/beamopt/internal/session"
)

var auditFlags struct {
	dsn string
}

var auditCmd = &cobra.Command{
	Use:   "audit <sql>",
	Short: "Diagnose a query's pathologies without rewriting it",
	Args:  cobra.ExactArgs(1),
	RunE:  runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditFlags.dsn, "dsn", "", "database connection string")
}

func runAudit(cmd *cobra.Command, args []string) error {
	sql := args[0]

	_, reg, _, parser, err := loadEnv()
	if err != nil {
		os.Exit(ExitSetupError)
		return err
	}

	dialect := dialectFromDSN(auditFlags.dsn)
	ctx := context.Background()
	sess, err := session.Connect(ctx, planmodel.Dialect(dialect), auditFlags.dsn)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitSetupError)
		return err
	}
	defer sess.Close()

	plan, err := sess.Explain(ctx, sql, true)
	if err != nil && !errorsx.PlanParseFailed.Is(err) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitBaselineFailed)
		return err
	}

	stmt, err := parser.Parse(sql, dialect)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitBaselineFailed)
		return err
	}

	var derived planmodel.Derived
	if plan != nil {
		derived = planmodel.Derive(plan)
	}
	registry := pathology.NewRegistry(reg)
	matches := registry.Detect(pathology.Query{Statement: stmt}, plan, derived)

	if len(matches) == 0 {
		fmt.Println("no pathologies detected")
		return nil
	}
	for _, m := range matches {
		fmt.Printf("%s: %d candidate transform(s)\n", m.PathologyID, len(m.Candidates))
		for _, c := range m.Candidates {
			fmt.Printf("  - %s (win_count=%d mean_speedup=%.2fx)\n", c.Transform, c.WinCount, c.MeanSpeedup)
		}
	}
	return nil
}
