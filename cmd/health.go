package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/websets/internal/monitoring"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print enrichment job health over the monitoring window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		hours, _ := cmd.Flags().GetInt("hours")
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackWindowHours
		}

		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "health")
		}
		alerts := monitoring.NewAlerter(cfg.Monitoring).Evaluate(snap)

		return printJSON(os.Stdout, struct {
			*monitoring.MetricsSnapshot
			Alerts []monitoring.Alert `json:"alerts"`
		}{snap, alerts})
	},
}

func init() {
	healthCmd.Flags().Int("hours", 0, "lookback window in hours (default from config)")
	rootCmd.AddCommand(healthCmd)
}
