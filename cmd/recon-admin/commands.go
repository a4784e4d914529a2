package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/ingest"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/mmdatafocus/recon_backend/workflow"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// connect is swapped by tests.
var connect = func() (*gorm.DB, error) {
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		return nil, fmt.Errorf("database not initialized; set DB_* env vars")
	}
	return db, nil
}

func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "recon-admin",
		Short:         "Reconciliation engine maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(NewMigrateCommand())
	cmd.AddCommand(NewSeedCommand())
	cmd.AddCommand(NewRerunCommand())
	cmd.AddCommand(NewProcessCommand())
	cmd.AddCommand(NewOutboxReplayCommand())
	cmd.AddCommand(NewTokenCommand())
	return cmd
}

func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}
			if err := models.MigrateTable(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func NewSeedCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Replace matching rules and reference records from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			seed, err := LoadSeed(f)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			db, err := connect()
			if err != nil {
				return err
			}
			if err := seed.Apply(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d rule(s) and %d reference record(s)\n", len(seed.Rules), len(seed.References))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "seed.yaml", "seed file")
	return cmd
}

func NewRerunCommand() *cobra.Command {
	var batchId int
	cmd := &cobra.Command{
		Use:   "rerun",
		Short: "Enqueue a reconcile-only run for a batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}
			job, err := models.RequestBatchReconcile(cmd.Context(), db, batchId, "recon-admin")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %d: reconcile job %d enqueued\n", batchId, job.ID)
			return nil
		},
	}
	cmd.Flags().IntVar(&batchId, "batch", 0, "batch id")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func NewProcessCommand() *cobra.Command {
	var (
		batchId int
		mode    string
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run a batch job synchronously, bypassing the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode = strings.ToUpper(strings.TrimSpace(mode))
			if mode != config.BatchJobModeIngest && mode != config.BatchJobModeReconcile {
				return fmt.Errorf("invalid mode %q: must be %s or %s", mode, config.BatchJobModeIngest, config.BatchJobModeReconcile)
			}
			db, err := connect()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			files, err := ingest.NewFileStoreFromEnv(ctx)
			if err != nil {
				return err
			}
			engine := workflow.NewEngine(db, config.GetLogger(), nil, nil, files)
			defer engine.Close()
			if err := engine.ProcessNow(ctx, batchId, mode); err != nil {
				return err
			}
			batch, err := models.GetBatch(ctx, db, batchId)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %d: %s (%d records, %d skipped rows, %d failed)\n",
				batch.ID, batch.Status, batch.RecordCount, batch.SkippedRows, batch.FailedRecords)
			return nil
		},
	}
	cmd.Flags().IntVar(&batchId, "batch", 0, "batch id")
	cmd.Flags().StringVar(&mode, "mode", config.BatchJobModeReconcile, "INGEST or RECONCILE")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func NewOutboxReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "outbox-replay",
		Short: "Move DEAD batch jobs back to PENDING",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect()
			if err != nil {
				return err
			}
			n, err := models.ResetDeadBatchJobs(cmd.Context(), db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d job(s) requeued\n", n)
			return nil
		},
	}
}

func NewTokenCommand() *cobra.Command {
	var (
		userId int
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch models.UserRole(role) {
			case models.UserRoleAdmin, models.UserRoleAnalyst, models.UserRoleViewer:
			default:
				return fmt.Errorf("invalid role %q", role)
			}
			tok, err := utils.JwtGenerate(userId, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().IntVar(&userId, "user", 1, "user id")
	cmd.Flags().StringVar(&role, "role", string(models.UserRoleAdmin), "Admin, Analyst or Viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
