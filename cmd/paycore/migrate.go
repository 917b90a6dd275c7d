package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/platinummonkey/paycore/pkg/config"
	"github.com/platinummonkey/paycore/pkg/observability"
	"github.com/platinummonkey/paycore/pkg/storage/postgres"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		Long: `Apply pending schema migrations to PAYCORE_POSTGRES_URL.

Applied versions are recorded in schema_migrations, so running migrate twice
is a no-op.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the embedded migrations without connecting")

	return cmd
}

func runMigrate(ctx context.Context, out io.Writer, dryRun bool) error {
	if dryRun {
		migrations, err := postgres.Migrations()
		if err != nil {
			return err
		}
		for _, m := range migrations {
			fmt.Fprintln(out, m.Version)
		}
		return nil
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Backend != "postgres" {
		return errors.New("migrate requires PAYCORE_STORAGE_BACKEND=postgres")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stderr)
	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfigFrom(cfg.Storage), logger)
	if err != nil {
		return err
	}
	defer cm.Close()

	applied, err := postgres.Migrate(ctx, cm.Primary())
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "schema is up to date")
		return nil
	}
	for _, v := range applied {
		fmt.Fprintf(out, "applied %s\n", v)
	}
	return nil
}
