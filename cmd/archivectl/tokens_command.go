package main

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/vod-archiver/crypto"
	"github.com/onnwee/vod-archiver/db"
)

func newTokensCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage stored OAuth tokens",
	}
	var dryRun bool
	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt plaintext OAuth tokens with ENCRYPTION_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.EncryptionKey == "" {
				return errors.New("ENCRYPTION_KEY is required")
			}
			enc, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
			if err != nil {
				return err
			}
			return ctx.withDB(cmd.Context(), func(database *sql.DB) error {
				if err := db.EnsureSchema(cmd.Context(), database); err != nil {
					return err
				}
				store := db.New(database)
				store.Cipher = enc
				n, err := store.EncryptStoredTokens(cmd.Context(), dryRun)
				if err != nil {
					return err
				}
				if dryRun {
					fmt.Fprintf(cmd.OutOrStdout(), "%d plaintext tokens would be encrypted\n", n)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Encrypted %d tokens\n", n)
				}
				return nil
			})
		},
	}
	encrypt.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be encrypted without writing")
	cmd.AddCommand(encrypt)
	return cmd
}
