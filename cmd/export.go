package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/websets/internal/export"
	"github.com/sells-group/websets/internal/model"
)

var exportCmd = &cobra.Command{
	Use:   "export <webset-id>",
	Short: "Export a webset snapshot as csv, json or xlsx",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		format, _ := cmd.Flags().GetString("format")
		fileName, _ := cmd.Flags().GetString("file")
		version, _ := cmd.Flags().GetInt("version")
		user, _ := cmd.Flags().GetString("user")
		if fileName == "" {
			fileName = args[0] + "." + format
		}

		job, err := env.Exports.StartExport(ctx, export.Request{
			WebsetID:    args[0],
			Version:     version,
			Format:      model.ExportFormat(format),
			FileName:    fileName,
			RequestedBy: user,
		})
		if err != nil {
			return eris.Wrap(err, "export")
		}
		env.Exports.Wait()

		final, err := env.Exports.GetStatus(ctx, job.ID)
		if err != nil {
			return eris.Wrap(err, "export status")
		}
		if final.Status != model.JobStatusCompleted {
			return eris.Errorf("export %s %s: %s", final.ID, final.Status, final.Error)
		}

		fmt.Fprintf(os.Stdout, "Exported version %d to %s\n", final.Version, final.ExportURL)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("format", string(model.ExportCSV), "artifact format: csv, json or xlsx")
	exportCmd.Flags().String("file", "", "artifact file name (default <webset-id>.<format>)")
	exportCmd.Flags().Int("version", 0, "version to export (default current)")
	exportCmd.Flags().String("user", "cli", "user id recorded on the export job")
	rootCmd.AddCommand(exportCmd)
}
