package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMaintenanceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Storage housekeeping",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired authorization codes and cached client metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			srv, cleanup, err := openServer(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := srv.RunMaintenance(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(opts.out, "removed %d expired codes, %d expired metadata entries\n",
				result.ExpiredCodes, result.ExpiredMetadata)
			return err
		},
	})
	return cmd
}
