package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/datamover/internal/tui"
)

var (
	watchAPIAddr  string
	watchInterval time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Launch the terminal operations dashboard",
	Long: `Watch starts a Bubble Tea dashboard that polls the orchestrator API
and shows operation counts and the live operations table.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return tui.Run(watchAPIAddr, watchInterval)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchAPIAddr, "api-addr", "http://localhost:8040", "Address of the orchestrator API")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Poll interval")
	rootCmd.AddCommand(watchCmd)
}
