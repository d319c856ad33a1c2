package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/websets/internal/config"
)

var (
	cfg *config.Config

	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "websets",
	Short:         "Versioned webset datasets with LLM enrichment",
	Long:          "Stores versioned tabular websets, fills columns with search-grounded LLM answers, and exports snapshots as CSV, JSON or XLSX.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = c
		return config.InitLogger(cfg.Log)
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = zap.L().Sync()
	},
}

// loadConfig reads the config file and environment, then applies flag
// overrides.
func loadConfig() (*config.Config, error) {
	c, err := config.LoadFile(configPath)
	if err != nil {
		return nil, eris.Wrap(err, "load config")
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	return c, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncateID shortens a UUID for table output.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
