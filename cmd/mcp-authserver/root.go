package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-authserver/internal/config"
)

// rootOptions holds the persistent flags shared by every subcommand
type rootOptions struct {
	configPath string
	envFile    string
	out        io.Writer
}

// newRootCmd builds the command tree. Output of listing commands goes to out.
func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{out: out}

	cmd := &cobra.Command{
		Use:   "mcp-authserver",
		Short: "OAuth 2.0 authorization server for MCP clients",
		Long: `mcp-authserver issues RS256 access tokens through the authorization code
flow with mandatory PKCE (S256). Clients are either registered statically or
identified by an HTTPS URL pointing at a client metadata document.

Configuration is read from --config (YAML), then overridden by MCP_AUTH_*
environment variables. A .env file is loaded first when present.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(opts.envFile)
		},
	}
	cmd.SetOut(out)
	cmd.SetVersionTemplate(`{{printf "mcp-authserver version %s\n" .Version}}`)

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Path to a .env file (default: ./.env if present)")

	cmd.AddCommand(
		newServeCmd(opts),
		newClientsCmd(opts),
		newKeysCmd(opts),
		newMaintenanceCmd(opts),
	)
	return cmd
}

// load reads the configuration and builds the process logger
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cfg.NewLogger(), nil
}
