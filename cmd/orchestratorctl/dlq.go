package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"review-orchestrator/internal/broker"
)

var dlqLimit int64

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead-letter queue commands",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists the oldest dead-lettered deliveries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		e, cleanup, err := connect(ctx, false)
		if err != nil {
			return err
		}
		defer cleanup()

		items, err := e.gateway.DLQPeek(ctx, dlqLimit)
		if err != nil {
			return err
		}
		if outputJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}
		if len(items) == 0 {
			fmt.Println("dead-letter queue is empty")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "DELIVERY\tQUEUE\tROUTING KEY\tATTEMPTS\tDEAD AT\tERROR")
		for _, d := range items {
			deadAt := ""
			if d.DeadAt != nil {
				deadAt = d.DeadAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", d.ID, d.Queue, d.RoutingKey, d.Attempt, deadAt, d.LastError)
		}
		return w.Flush()
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <deliveryId>",
	Short: "Moves a dead-lettered delivery back onto its queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, cleanup, err := connect(ctx, false)
		if err != nil {
			return err
		}
		defer cleanup()

		d, err := e.gateway.DLQReplay(ctx, args[0])
		if err != nil {
			return err
		}
		e.log.Info("delivery replayed", "delivery_id", d.ID, "queue", d.Queue, "message_id", d.MessageID(),
			"correlation_id", d.Header(broker.HeaderCorrelationID))
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	dlqListCmd.Flags().Int64Var(&dlqLimit, "limit", 20, "Maximum number of deliveries to show")
	dlqCmd.AddCommand(dlqListCmd, dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)
}
