package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/smallbiznis/cartera/internal/clock"
	"github.com/smallbiznis/cartera/internal/config"
	"github.com/smallbiznis/cartera/internal/consistency"
	"github.com/smallbiznis/cartera/internal/migration"
	"github.com/smallbiznis/cartera/internal/reconciliation/domain"
	refdomain "github.com/smallbiznis/cartera/internal/reference/domain"
	"github.com/smallbiznis/cartera/internal/seed"
	"github.com/smallbiznis/cartera/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cartera",
		Short: "Insurer receivables reconciliation service",
		Long: `Cartera ingests aging, cash flow and capitation spreadsheets per insurer
and period, keeps one active record per key, and serves status grids and
analytics over the result.

Examples:
  cartera serve
  cartera migrate
  cartera consistency validate --dataset aging
  cartera seed periods --from 2020 --to 2026`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newMigrateCmd(), newConsistencyCmd(), newSeedCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				coreModules(),
				withZapLogger(),
				migration.Module,
				server.Module,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and seed periods",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var conn *gorm.DB
			var cfg config.Config
			var reference refdomain.Service
			var clk clock.Clock
			return runOnce(func(ctx context.Context) error {
				if err := migration.Apply(conn); err != nil {
					return err
				}
				created, err := seed.EnsurePeriods(ctx, reference, cfg.Seed, clk.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema up to date, %d periods created\n", created)
				return nil
			}, fx.Populate(&conn, &cfg, &reference, &clk))
		},
	}
}

func newConsistencyCmd() *cobra.Command {
	var datasetFlag string

	datasets := func() ([]domain.Dataset, error) {
		if datasetFlag == "" {
			return domain.Datasets(), nil
		}
		d, err := domain.ParseDataset(datasetFlag)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, datasetFlag)
		}
		return []domain.Dataset{d}, nil
	}

	cmd := &cobra.Command{
		Use:   "consistency",
		Short: "Audit or repair duplicate active records",
	}
	cmd.PersistentFlags().StringVar(&datasetFlag, "dataset", "", "aging, cashflow or capitation (default all)")

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Keep one record per key and remove the duplicates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := datasets()
			if err != nil {
				return err
			}
			var svc *consistency.Service
			return runOnce(func(ctx context.Context) error {
				results := make([]consistency.MigrationResult, 0, len(targets))
				for _, d := range targets {
					result, err := svc.Migrate(ctx, d)
					if err != nil {
						return fmt.Errorf("migrate %s: %w", d, err)
					}
					results = append(results, result)
				}
				return writeJSON(cmd.OutOrStdout(), results)
			}, fx.Populate(&svc))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Report duplicates, zero-valued and orphaned records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := datasets()
			if err != nil {
				return err
			}
			var svc *consistency.Service
			return runOnce(func(ctx context.Context) error {
				reports := make([]consistency.ValidationReport, 0, len(targets))
				valid := true
				for _, d := range targets {
					report, err := svc.Validate(ctx, d)
					if err != nil {
						return fmt.Errorf("validate %s: %w", d, err)
					}
					valid = valid && report.IsValid
					reports = append(reports, report)
				}
				if err := writeJSON(cmd.OutOrStdout(), reports); err != nil {
					return err
				}
				if !valid {
					return fmt.Errorf("consistency check failed")
				}
				return nil
			}, fx.Populate(&svc))
		},
	})

	return cmd
}

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed reference data",
	}

	var from, to int
	periods := &cobra.Command{
		Use:   "periods",
		Short: "Create the monthly periods of a year range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var reference refdomain.Service
			var clk clock.Clock
			return runOnce(func(ctx context.Context) error {
				created, err := seed.EnsurePeriods(ctx, reference, config.SeedConfig{PeriodsFromYear: from, PeriodsToYear: to}, clk.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d periods created\n", created)
				return nil
			}, fx.Populate(&reference, &clk))
		},
	}
	periods.Flags().IntVar(&from, "from", 2020, "first year")
	periods.Flags().IntVar(&to, "to", 0, "last year (default current year)")

	cmd.AddCommand(periods)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
