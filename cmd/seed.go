package main

import (
	"fmt"
	"os"
	"time"

	"github.com/3rs4lg4d0/goevents/internal/app"
	"github.com/3rs4lg4d0/goevents/internal/seed"
	"github.com/spf13/cobra"
)

func newSeedCmd(opts *rootOptions) *cobra.Command {
	var (
		count  int
		spread time.Duration
		seedN  int64
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Submit fake events to a receiver",
		Long: `Submit random listing and transaction events to a running receiver.

Examples:
  # 100 events at the configured rate
  goevents seed

  # 1000 events spread over the last day
  goevents seed --count 1000 --spread 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			a, err := app.New(cfg, os.Stderr)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("count") {
				count = cfg.Seed.Count
			}
			var interval time.Duration
			if cfg.Seed.Rate > 0 {
				interval = time.Duration(float64(time.Second) / cfg.Seed.Rate)
			}

			s := seed.New(seed.Settings{
				ReceiverURL:  cfg.Seed.ReceiverURL,
				Count:        count,
				Interval:     interval,
				Transactions: cfg.Seed.Transactions,
				Spread:       spread,
				Seed:         seedN,
			}, nil)
			s.SetLogger(a.Logger("seed"))

			res, err := s.Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "listings=%d transactions=%d failed=%d\n", res.Listings, res.Transactions, res.Failed)
			return err
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "number of events (default seed.count)")
	cmd.Flags().DurationVar(&spread, "spread", 0, "spread event timestamps over this period before now")
	cmd.Flags().Int64Var(&seedN, "seed", 0, "faker seed, 0 for a random one")
	return cmd
}
