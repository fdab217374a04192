package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"secure-qr-service/config"
	"secure-qr-service/internal/domain"
	"secure-qr-service/internal/infra"
	"secure-qr-service/internal/repository"
	"secure-qr-service/internal/usecase"
	"secure-qr-service/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Manage database migrations for the secure QR service",
	}
	cmd.AddCommand(migrateUpCmd(), migrateStatusCmd())
	return cmd
}

// openMigrationService はschema_migrationsを用意してMigrationServiceを初期化する。
// MIGRATIONS_DIRが未設定ならバイナリに埋め込まれたSQLを使う。
func openMigrationService(ctx context.Context, cfg *config.Config, db *gorm.DB) (*usecase.MigrationService, error) {
	repo := repository.NewMigrationRepository(db)
	if err := repo.EnsureTable(ctx); err != nil {
		return nil, err
	}

	var fsys fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		fsys = os.DirFS(cfg.MigrationsDir)
	}
	return usecase.NewMigrationService(repo, db, fsys), nil
}

func connect() (*config.Config, *gorm.DB, error) {
	cfg := config.Load()
	db, err := infra.NewDB(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return cfg, db, nil
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long:  "Apply all pending migrations to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, db, err := connect()
			if err != nil {
				return err
			}

			// SQLiteではMySQL向けDDLを使わずスキーマを直接作成する
			if cfg.DatabaseDriver == "sqlite" {
				if err := repository.AutoMigrate(ctx, db); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "SQLite schema is up to date.")
				return nil
			}

			svc, err := openMigrationService(ctx, cfg, db)
			if err != nil {
				return err
			}
			appliedCount, err := svc.ApplyMigrations(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			if appliedCount == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", appliedCount)
			}
			return nil
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the status of all migrations (applied/pending)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, db, err := connect()
			if err != nil {
				return err
			}
			svc, err := openMigrationService(ctx, cfg, db)
			if err != nil {
				return err
			}
			list, err := svc.GetMigrationStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			return printMigrationStatus(cmd, list)
		},
	}
}

func printMigrationStatus(cmd *cobra.Command, list []*domain.Migration) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	fmt.Fprintln(w, "-------\t----\t------\t----------")

	for _, m := range list {
		appliedAt := "-"
		if m.AppliedAt != nil {
			appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Version, m.Name, m.Status, appliedAt)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}
