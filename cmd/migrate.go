package main

import (
	"net/url"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		log := zap.L().With(
			zap.String("driver", cfg.Store.Driver),
			zap.String("database", redactDSN(cfg.Store.DatabaseURL)),
		)

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		log.Info("applying schema")
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}
		log.Info("schema up to date")
		return nil
	},
}

// redactDSN masks the password of a URL-style DSN. File paths and
// unparseable values are returned as given.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
