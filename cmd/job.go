package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/websets/internal/model"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and cancel enrichment jobs",
}

// -- job show --

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show an enrichment job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Enrich.GetStatus(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "job show")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, job)
		}
		formatJob(os.Stdout, job)
		return nil
	},
}

// -- job list --

var jobListCmd = &cobra.Command{
	Use:   "list <webset-id>",
	Short: "List enrichment jobs for a webset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Enrich.ListJobs(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "job list")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}
		formatJobList(os.Stdout, jobs)
		return nil
	},
}

// -- job cancel --

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel an enrichment job",
	Long:  "Marks a job canceled. A job left non-terminal by a stopped process is closed out as canceled.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Enrich.Cancel(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "job cancel")
		}
		formatJob(os.Stdout, job)
		return nil
	},
}

func formatJobList(out io.Writer, jobs []model.EnrichmentJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOLUMN\tSTATUS\tROWS\tFAILED\tCOST\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t----\t------\t----\t-------")

	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t$%.4f\t%s\n",
			truncateID(j.ID),
			j.ColumnID,
			j.Status,
			j.CompletedRows,
			j.TotalRows,
			len(j.Failures),
			j.CostUSD,
			j.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func init() {
	jobShowCmd.Flags().Bool("json", false, "print the job as JSON")
	jobCmd.AddCommand(jobShowCmd, jobListCmd, jobCancelCmd)
	rootCmd.AddCommand(jobCmd)
}
