package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/websets/internal/enrich"
	"github.com/sells-group/websets/internal/model"
)

var enrichCmd = &cobra.Command{
	Use:   "enrich <webset-id>",
	Short: "Enrich one column of a webset and wait for the job to finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		column, _ := cmd.Flags().GetString("column")
		rows, _ := cmd.Flags().GetIntSlice("rows")
		prompt, _ := cmd.Flags().GetString("prompt")
		llm, _ := cmd.Flags().GetString("llm")
		search, _ := cmd.Flags().GetString("search")
		user, _ := cmd.Flags().GetString("user")

		if len(rows) == 0 {
			ws, err := env.Data.GetWebset(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "enrich: load webset")
			}
			rows = allRows(ws.RowCount)
		}

		job, err := env.Enrich.Submit(ctx, enrich.Request{
			WebsetID:         args[0],
			Column:           column,
			Rows:             rows,
			Prompt:           prompt,
			LLMProviderID:    llm,
			SearchProviderID: search,
			UserID:           user,
		})
		if err != nil {
			return eris.Wrap(err, "enrich: submit")
		}
		zap.L().Info("enrichment job submitted",
			zap.String("job_id", job.ID),
			zap.Int("rows", job.TotalRows),
		)

		// Interrupts cancel in-flight rows through shutdown.
		go func() {
			<-ctx.Done()
			_ = env.Enrich.Shutdown(context.Background())
		}()
		env.Enrich.Wait()

		final, err := env.Enrich.GetStatus(context.Background(), job.ID)
		if err != nil {
			return eris.Wrap(err, "enrich: job status")
		}
		formatJob(os.Stdout, final)
		if final.Status == model.JobStatusFailed {
			return eris.Errorf("enrich: job failed: %s", final.Error)
		}
		return nil
	},
}

func allRows(n int) []int {
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	return rows
}

func formatJob(out io.Writer, j *model.EnrichmentJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Job:\t%s\n", j.ID)
	_, _ = fmt.Fprintf(w, "Webset:\t%s\n", j.WebsetID)
	_, _ = fmt.Fprintf(w, "Column:\t%s\n", j.ColumnID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", j.Status)
	_, _ = fmt.Fprintf(w, "Progress:\t%d%% (%d/%d rows)\n", j.Progress, j.CompletedRows, j.TotalRows)
	_, _ = fmt.Fprintf(w, "Cost:\t$%.4f\n", j.CostUSD)
	if j.LLMProviderID != "" {
		_, _ = fmt.Fprintf(w, "LLM:\t%s\n", j.LLMProviderID)
	}
	if j.SearchProviderID != "" {
		_, _ = fmt.Fprintf(w, "Search:\t%s\n", j.SearchProviderID)
	}
	if j.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", j.Error)
	}
	_ = w.Flush()

	if len(j.Failures) == 0 {
		return
	}
	_, _ = fmt.Fprintf(out, "\nFailures (%d):\n", len(j.Failures))
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ROW\tCLASS\tMESSAGE")
	for _, f := range j.Failures {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", f.Row, f.Class, f.Message)
	}
	_ = w.Flush()
}

func init() {
	enrichCmd.Flags().String("column", "", "target column id or name")
	enrichCmd.Flags().IntSlice("rows", nil, "row indices to enrich (default all rows)")
	enrichCmd.Flags().String("prompt", "", "instructions for the LLM")
	enrichCmd.Flags().String("llm", "", "LLM provider id (default first active)")
	enrichCmd.Flags().String("search", "", "search provider id (default first active)")
	enrichCmd.Flags().String("user", "cli", "user id recorded on the job and cell versions")
	_ = enrichCmd.MarkFlagRequired("column")
	rootCmd.AddCommand(enrichCmd)
}
