package main

import (
	"os"

	"github.com/3rs4lg4d0/goevents/internal/app"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions, name, short string, svc app.Services) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(opts.cfg, os.Stdout)
			if err != nil {
				return err
			}
			log := a.Logger("main")

			rt, err := a.Build(cmd.Context(), svc)
			if err != nil {
				log.Error("could not start "+name, err)
				return err
			}
			return rt.Run(cmd.Context())
		},
	}
}
