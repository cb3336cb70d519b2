package main

import (
	"github.com/3rs4lg4d0/goevents/config"
	"github.com/3rs4lg4d0/goevents/internal/app"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	cfgFile string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "goevents",
		Short: "Marketplace event pipeline",
		Long: `goevents ingests listing and transaction events over HTTP, carries them
through a message broker, persists them and keeps running totals.

Every service can run in its own process or all of them in one with "all".`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default: ./goevents.yaml or /etc/goevents/goevents.yaml)")

	root.AddCommand(
		newServeCmd(opts, "receiver", "Accept event submissions and publish them", app.Services{Receiver: true}),
		newServeCmd(opts, "storage", "Persist published events and serve queries", app.Services{Storage: true}),
		newServeCmd(opts, "processing", "Aggregate persisted events periodically", app.Services{Processing: true}),
		newServeCmd(opts, "all", "Run every service in a single process",
			app.Services{Receiver: true, Storage: true, Processing: true}),
		newMigrateCmd(opts),
		newSeedCmd(opts),
	)
	return root
}
