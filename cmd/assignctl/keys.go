package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matt-riley/assignz/internal/middleware"
)

func newKeysCmd() *cobra.Command {
	var payload payloadFlags

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List the bandit keys a configuration references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := payload.client(cmd)
			if err != nil {
				return err
			}
			for _, key := range c.BanditKeys() {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	}
	payload.register(cmd)
	return cmd
}

func newHashKeyCmd() *cobra.Command {
	var keyID string

	cmd := &cobra.Command{
		Use:   "hash-key",
		Short: "Hash an admin API key secret read from stdin",
		Long: `Read a secret from stdin and print a bcrypt hash for ADMIN_API_KEYS.

With --id the output is a complete "id:hash" entry. Clients then
authenticate with "Authorization: Bearer <id>.<secret>".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.Contains(keyID, ".") || strings.Contains(keyID, ":") || strings.Contains(keyID, ",") {
				return errors.New("--id must not contain '.', ':' or ','")
			}
			secret, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			secret = strings.TrimRight(secret, "\r\n")
			if secret == "" {
				if err != nil {
					return fmt.Errorf("read secret: %w", err)
				}
				return errors.New("secret is empty")
			}
			hash, err := middleware.HashAPIKey(secret)
			if err != nil {
				return err
			}
			if keyID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", keyID, hash)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "id", "", "key id to prefix the hash with")
	return cmd
}
