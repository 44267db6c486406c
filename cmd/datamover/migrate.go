package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/jfoltran/datamover/internal/adapter"
	"github.com/jfoltran/datamover/internal/adapter/builtin"
	"github.com/jfoltran/datamover/internal/pipeline"
)

// jobFile is the TOML shape for a one-shot migration.
type jobFile struct {
	SourceType    string         `toml:"source_type"`
	DestType      string         `toml:"dest_type"`
	OperationType string         `toml:"operation_type"`
	LastSyncTime  time.Time      `toml:"last_sync_time"`
	Source        map[string]any `toml:"source"`
	Destination   map[string]any `toml:"destination"`
}

var migrateJobPath string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run one migration locally from a job file",
	Long: `Migrate runs the pipeline engine once, in-process, from a TOML job
file. No orchestrator or worker is needed; the result is printed as JSON.
Useful for trying out adapter configs before scheduling operations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := loadJob(migrateJobPath)
		if err != nil {
			return err
		}

		builtin.Register(logger)
		engine := pipeline.NewEngine(logger)

		result, runErr := engine.Run(cmd.Context(), job)

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))

		if runErr != nil {
			return runErr
		}
		if !result.Success {
			return errors.New("migration completed with table failures")
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateJobPath, "job", "", "Path to TOML job file (required)")
	migrateCmd.MarkFlagRequired("job")
	rootCmd.AddCommand(migrateCmd)
}

func loadJob(path string) (pipeline.Job, error) {
	var f jobFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return pipeline.Job{}, fmt.Errorf("parse job file %s: %w", path, err)
	}

	if f.SourceType == "" || f.DestType == "" {
		return pipeline.Job{}, errors.New("job file needs source_type and dest_type")
	}

	if f.OperationType == "" {
		f.OperationType = string(pipeline.OperationFull)
	}
	op, err := pipeline.ParseOperationType(f.OperationType)
	if err != nil {
		return pipeline.Job{}, err
	}

	return pipeline.Job{
		SourceKey: f.SourceType,
		SourceCfg: adapter.Config(f.Source),
		DestKey:   f.DestType,
		DestCfg:   adapter.Config(f.Destination),
		Operation: op,
		Since:     f.LastSyncTime,
	}, nil
}
