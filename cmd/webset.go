package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/websets/internal/dataset"
	"github.com/sells-group/websets/internal/model"
)

var websetCmd = &cobra.Command{
	Use:   "webset",
	Short: "Create and inspect websets",
}

// websetFile is the YAML definition accepted by "webset create".
type websetFile struct {
	Name        string             `yaml:"name"`
	Description string             `yaml:"description"`
	Status      model.WebsetStatus `yaml:"status"`
	Rows        int                `yaml:"rows"`
	Columns     []model.Column     `yaml:"columns"`
}

func parseWebsetFile(data []byte) (dataset.NewWebset, error) {
	var f websetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return dataset.NewWebset{}, eris.Wrap(err, "parse webset definition")
	}
	return dataset.NewWebset{
		Name:        f.Name,
		Description: f.Description,
		Columns:     f.Columns,
		RowCount:    f.Rows,
		Status:      f.Status,
	}, nil
}

// -- webset create --

var websetCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a webset from a YAML definition",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("file")
		user, _ := cmd.Flags().GetString("user")

		data, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrapf(err, "read %s", path)
		}
		in, err := parseWebsetFile(data)
		if err != nil {
			return err
		}
		in.CreatedBy = user

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		ws, err := env.Data.CreateWebset(ctx, in)
		if err != nil {
			return eris.Wrap(err, "webset create")
		}
		fmt.Fprintf(os.Stdout, "Created webset %s (%d columns, %d rows)\n", ws.ID, len(ws.Columns), ws.RowCount)
		return nil
	},
}

// -- webset list --

var websetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List websets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		websets, err := env.Data.ListWebsets(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "webset list")
		}
		if len(websets) == 0 {
			fmt.Fprintln(os.Stderr, "No websets found.")
			return nil
		}
		formatWebsets(os.Stdout, websets)
		return nil
	},
}

// -- webset show --

var websetShowCmd = &cobra.Command{
	Use:   "show <webset-id>",
	Short: "Print a webset snapshot as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		version, _ := cmd.Flags().GetInt("version")
		v, err := env.Data.GetSnapshot(ctx, args[0], version)
		if err != nil {
			return eris.Wrap(err, "webset show")
		}
		return printJSON(os.Stdout, v)
	},
}

// -- webset add-column --

var websetAddColumnCmd = &cobra.Command{
	Use:   "add-column <webset-id>",
	Short: "Add a column as a new version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		name, _ := cmd.Flags().GetString("name")
		typ, _ := cmd.Flags().GetString("type")
		required, _ := cmd.Flags().GetBool("required")
		user, _ := cmd.Flags().GetString("user")

		v, err := env.Data.AddColumn(ctx, args[0], model.Column{
			Name:     name,
			Type:     model.ColumnType(typ),
			Required: required,
		}, user)
		if err != nil {
			return eris.Wrap(err, "webset add-column")
		}
		fmt.Fprintf(os.Stdout, "Version %d: %s\n", v.Version, v.ChangeDescription)
		return nil
	},
}

// -- webset add-rows --

var websetAddRowsCmd = &cobra.Command{
	Use:   "add-rows <webset-id> <count>",
	Short: "Append empty rows as a new version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		n, err := strconv.Atoi(args[1])
		if err != nil {
			return eris.Errorf("invalid row count %q", args[1])
		}

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		user, _ := cmd.Flags().GetString("user")
		v, err := env.Data.AddRows(ctx, args[0], n, user)
		if err != nil {
			return eris.Wrap(err, "webset add-rows")
		}
		fmt.Fprintf(os.Stdout, "Version %d: %d rows\n", v.Version, v.Snapshot.RowCount)
		return nil
	},
}

// -- webset archive --

var websetArchiveCmd = &cobra.Command{
	Use:   "archive <webset-id>",
	Short: "Archive a webset so it rejects further writes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Data.SetStatus(ctx, args[0], model.WebsetStatusArchived); err != nil {
			return eris.Wrap(err, "webset archive")
		}
		fmt.Fprintf(os.Stdout, "Archived webset %s\n", args[0])
		return nil
	},
}

func formatWebsets(out io.Writer, websets []model.Webset) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tVERSION\tCOLUMNS\tROWS\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-------\t-------\t----\t-------")

	for _, ws := range websets {
		name := ws.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			truncateID(ws.ID),
			name,
			ws.Status,
			ws.CurrentVersion,
			len(ws.Columns),
			ws.RowCount,
			ws.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func init() {
	websetCreateCmd.Flags().StringP("file", "f", "", "YAML webset definition")
	_ = websetCreateCmd.MarkFlagRequired("file")
	websetListCmd.Flags().Int("limit", 50, "maximum websets to list")
	websetShowCmd.Flags().Int("version", 0, "version to show (default current)")
	websetAddColumnCmd.Flags().String("name", "", "column name")
	websetAddColumnCmd.Flags().String("type", string(model.ColumnText), "column type")
	websetAddColumnCmd.Flags().Bool("required", false, "mark the column required")
	_ = websetAddColumnCmd.MarkFlagRequired("name")

	for _, c := range []*cobra.Command{websetCreateCmd, websetAddColumnCmd, websetAddRowsCmd} {
		c.Flags().String("user", "cli", "user id recorded on the version")
	}

	websetCmd.AddCommand(websetCreateCmd, websetListCmd, websetShowCmd, websetAddColumnCmd, websetAddRowsCmd, websetArchiveCmd)
	rootCmd.AddCommand(websetCmd)
}
