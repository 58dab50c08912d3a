package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/flipbg/service/internal/config"
	"github.com/flipbg/service/internal/logger"
)

// app carries what every subcommand needs once config is loaded.
type app struct {
	cfg *config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "flipbgctl",
		Short:        "Operate a FlipBG deployment",
		Long:         "flipbgctl issues development tokens, applies database migrations and sweeps orphaned blobs.\nConfiguration is read from the environment and an optional .env file, like the API server.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = log
			return nil
		},
	}

	root.AddCommand(newTokenCmd(a))
	root.AddCommand(newMigrateCmd(a))
	root.AddCommand(newSweepCmd(a))
	return root
}
