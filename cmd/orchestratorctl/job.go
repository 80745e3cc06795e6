package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Workflow job commands",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Shows one workflow job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, cleanup, err := connect(ctx, true)
		if err != nil {
			return err
		}
		defer cleanup()

		job, err := e.stores.Jobs.GetJob(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get job %s: %w", args[0], err)
		}
		if outputJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintf(w, "ID\t%s\n", job.ID)
		fmt.Fprintf(w, "TYPE\t%s\n", job.WorkflowType)
		fmt.Fprintf(w, "STATUS\t%s\n", job.Status)
		fmt.Fprintf(w, "CORRELATION\t%s\n", job.CorrelationID)
		if job.WaitingForEvent != nil {
			fmt.Fprintf(w, "WAITING FOR\t%s/%s\n", job.WaitingForEvent.EventType, job.WaitingForEvent.EventKey)
		}
		if job.ErrorClassification != nil {
			fmt.Fprintf(w, "CLASSIFICATION\t%s\n", *job.ErrorClassification)
		}
		if job.LastError != nil {
			fmt.Fprintf(w, "LAST ERROR\t%s\n", *job.LastError)
		}
		fmt.Fprintf(w, "VERSION\t%d\n", job.Version)
		fmt.Fprintf(w, "UPDATED\t%s\n", job.UpdatedAt.Format(time.RFC3339))
		return w.Flush()
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	jobCmd.AddCommand(jobShowCmd)
	rootCmd.AddCommand(jobCmd)
}
