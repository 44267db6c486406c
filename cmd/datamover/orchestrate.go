package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/datamover/internal/opstore"
	"github.com/jfoltran/datamover/internal/orchestrator"
	"github.com/jfoltran/datamover/internal/server"
	"github.com/jfoltran/datamover/internal/supervisor"
)

var registrySeedPath string

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Run the orchestrator service",
	Long: `Orchestrate runs the control plane: it stores operations in Postgres,
claims due ones on a scheduler tick, keeps a migration worker alive, and
serves the HTTP API for creating, executing and watching operations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		db, err := opstore.Open(ctx, cfg.Orchestrator.DBURL, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		store := opstore.NewStore(db.Pool)

		if registrySeedPath != "" {
			n, err := store.Seed(ctx, registrySeedPath)
			if err != nil {
				return err
			}
			logger.Info().Int("endpoints", n).Str("file", registrySeedPath).Msg("registry seeded")
		}

		sup := supervisor.New(supervisor.Config{
			Endpoint:       cfg.Worker.BaseURL(),
			LaunchCommand:  cfg.Worker.LaunchCommand,
			StartupTimeout: cfg.Worker.StartupTimeout.Duration,
		}, logger)
		defer sup.Stop()

		worker := orchestrator.NewWorkerClient(cfg.Worker.BaseURL(), cfg.Orchestrator.MigrateTimeout.Duration)
		orch := orchestrator.New(ctx, store, sup, worker, logger)

		// Operations left running by a previous orchestrator crash are
		// unrecoverable; fail them before the scheduler starts.
		if err := orch.RecoverStale(ctx); err != nil {
			return err
		}

		srv := server.New(store, orch, logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Start(gctx, cfg.Orchestrator.Listen, cfg.Orchestrator.Port)
		})
		g.Go(func() error {
			return orch.RunScheduler(gctx, cfg.Orchestrator.SchedulerInterval.Duration)
		})
		return g.Wait()
	},
}

func init() {
	orchestrateCmd.Flags().StringVar(&registrySeedPath, "registry-seed", "", "YAML file of registry endpoints to upsert at startup")
	rootCmd.AddCommand(orchestrateCmd)
}
