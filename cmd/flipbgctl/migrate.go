package main

import (
	"github.com/spf13/cobra"

	"github.com/flipbg/service/internal/db"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return db.Migrate(a.cfg.DatabaseURL, a.log)
		},
	}
}
