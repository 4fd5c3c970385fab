package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-authserver/security"
)

func newKeysCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect the signing key and generate encryption keys",
	}
	cmd.AddCommand(newKeysJWKSCmd(opts), newKeysGenerateEncryptionKeyCmd(opts))
	return cmd
}

func newKeysJWKSCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "jwks",
		Short: "Print the public JWKS, generating the signing key if none is stored",
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

			jwks, err := srv.Keys.JWKS(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(opts.out, jwks)
		},
	}
}

func newKeysGenerateEncryptionKeyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "generate-encryption-key",
		Short: "Print a random base64 AES-256 key for security.encryption_key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(opts.out, security.KeyToBase64(key))
			return err
		},
	}
}
