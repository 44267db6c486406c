package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/datamover/internal/server"
)

var statusAPIAddr string

var statusCmd = &cobra.Command{
	Use:   "status [operation-id]",
	Short: "Show operation status from a running orchestrator",
	Long: `Status asks the orchestrator API for one operation, or for the overall
summary when no id is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := server.NewClient(statusAPIAddr)

		if len(args) == 1 {
			return printOperation(client, args[0])
		}
		return printSummary(client)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAPIAddr, "api-addr", "http://localhost:8040", "Address of the orchestrator API")
	rootCmd.AddCommand(statusCmd)
}

func printOperation(client *server.Client, id string) error {
	op, err := client.Operation(id)
	if err != nil {
		return err
	}

	fmt.Printf("Operation:  %s\n", op.ID)
	fmt.Printf("Status:     %s\n", op.Status)
	fmt.Printf("Type:       %s\n", op.OperationType)
	fmt.Printf("Route:      %s -> %s\n", op.Config.SourceType, op.Config.DestType)
	fmt.Printf("Scheduled:  %s\n", op.ScheduledAt.Format(time.RFC3339))
	if op.StartedAt != nil {
		fmt.Printf("Started:    %s\n", op.StartedAt.Format(time.RFC3339))
	}
	if op.CompletedAt != nil {
		fmt.Printf("Completed:  %s\n", op.CompletedAt.Format(time.RFC3339))
		if op.StartedAt != nil {
			fmt.Printf("Duration:   %s\n", op.CompletedAt.Sub(*op.StartedAt).Truncate(time.Second))
		}
	}
	if op.ErrorMessage != "" {
		fmt.Printf("Error:      %s\n", op.ErrorMessage)
	}
	if len(op.Result) > 0 {
		fmt.Printf("Result:     %s\n", string(op.Result))
	}
	return nil
}

func printSummary(client *server.Client) error {
	sum, err := client.Summary("", 10)
	if err != nil {
		return err
	}

	fmt.Printf("Operations: %d total\n", sum.Total)
	for _, status := range []string{"pending", "running", "completed", "failed", "cancelled"} {
		if n := sum.ByStatus[status]; n > 0 {
			fmt.Printf("  %-11s %d\n", status+":", n)
		}
	}

	if len(sum.Recent) > 0 {
		fmt.Println("\nRecent:")
		for _, op := range sum.Recent {
			route := op.Config.SourceType + " -> " + op.Config.DestType
			fmt.Printf("  %-36s %-12s %-10s %s\n", op.ID, op.OperationType, op.Status, route)
		}
	}
	return nil
}
