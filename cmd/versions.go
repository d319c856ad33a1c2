package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/websets/internal/model"
)

var versionsCmd = &cobra.Command{
	Use:   "versions <webset-id>",
	Short: "List the version history of a webset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		versions, err := env.Data.ListVersions(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "versions")
		}
		formatVersions(os.Stdout, versions)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <webset-id> <version-id|version-number>",
	Short: "Restore a webset to an earlier version",
	Long:  "Creates a new version whose snapshot equals the target version. History is never rewritten.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		user, _ := cmd.Flags().GetString("user")

		var v *model.WebsetVersion
		if n, convErr := strconv.Atoi(args[1]); convErr == nil {
			v, err = env.Data.RestoreVersion(ctx, args[0], n, user)
		} else {
			v, err = env.Data.Restore(ctx, args[0], args[1], user)
		}
		if err != nil {
			return eris.Wrap(err, "restore")
		}

		fmt.Fprintf(os.Stdout, "Restored as version %d (%s): %s\n", v.Version, v.ID, v.ChangeDescription)
		return nil
	},
}

func formatVersions(out io.Writer, versions []model.WebsetVersion) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tID\tCELLS\tCHANGED_BY\tCREATED\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "-------\t--\t-----\t----------\t-------\t-----------")

	for _, v := range versions {
		desc := v.ChangeDescription
		if len(desc) > 50 {
			desc = desc[:47] + "..."
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
			v.Version,
			truncateID(v.ID),
			len(v.Snapshot.Cells),
			v.ChangedBy,
			v.CreatedAt.Format("2006-01-02 15:04"),
			desc,
		)
	}
	_ = w.Flush()
}

func init() {
	restoreCmd.Flags().String("user", "cli", "user id recorded on the new version")
	rootCmd.AddCommand(versionsCmd, restoreCmd)
}
