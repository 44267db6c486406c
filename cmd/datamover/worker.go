package main

import (
	"github.com/spf13/cobra"

	"github.com/jfoltran/datamover/internal/adapter/builtin"
	"github.com/jfoltran/datamover/internal/pipeline"
	"github.com/jfoltran/datamover/internal/workerserver"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the migration worker",
	Long: `Worker runs the stateless migration engine. It accepts jobs over HTTP
from the orchestrator, streams tables from the source adapter to the
destination adapter, and reports a per-table result. It holds no state
between jobs, so it can be restarted at any time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		builtin.Register(logger)
		engine := pipeline.NewEngine(logger)
		srv := workerserver.New(engine, logger)
		return srv.Start(cmd.Context(), cfg.Worker.Host, cfg.Worker.Port)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
