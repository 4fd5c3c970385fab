package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newClientsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage statically registered clients",
		Long: `Manage the static client registry. Clients identified by an HTTPS
client metadata URL need no registration.

These commands operate on the configured storage backend; with the memory
driver changes are lost when the command exits.`,
	}
	cmd.AddCommand(newClientsAddCmd(opts), newClientsListCmd(opts), newClientsDeleteCmd(opts))
	return cmd
}

func newClientsAddCmd(opts *rootOptions) *cobra.Command {
	var (
		name         string
		redirectURIs []string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a static client and print its client_id",
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

			client, err := srv.Clients.RegisterClient(cmd.Context(), name, redirectURIs)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(opts.out, client.ID)
			return err
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Human-readable client name")
	cmd.Flags().StringArrayVar(&redirectURIs, "redirect-uri", nil, "Allowed redirect URI (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("redirect-uri")
	return cmd
}

func newClientsListCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List static clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "table" && output != "json" {
				return fmt.Errorf("unknown output format %q (want table or json)", output)
			}
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			srv, cleanup, err := openServer(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			clients, err := srv.Clients.ListClients(cmd.Context())
			if err != nil {
				return err
			}

			if output == "json" {
				return writeJSON(opts.out, clients)
			}

			tw := tabwriter.NewWriter(opts.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CLIENT ID\tNAME\tREDIRECT URIS\tCREATED")
			for _, c := range clients {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Name, strings.Join(c.RedirectURIs, ","), c.CreatedAt.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json")
	return cmd
}

func newClientsDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete CLIENT_ID",
		Short: "Delete a static client and its outstanding authorization codes",
		Args:  cobra.ExactArgs(1),
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

			if err := srv.Clients.DeleteClient(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(opts.out, "deleted %s\n", args[0])
			return err
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
