package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkeye/WatchRoom/internal/auth"
	"github.com/dkeye/WatchRoom/internal/domain"
)

var (
	tokenSub   string
	tokenName  string
	tokenGuest bool
	tokenTTL   time.Duration
)

// tokenCmd mints a client credential with the configured secret. Production
// credentials come from the identity provider; this is for local testing.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development client credential",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Mode == "release" {
			return errors.New("token minting is disabled in release mode")
		}
		id, err := domain.NewIdentity(tokenSub, tokenName, tokenGuest)
		if err != nil {
			return err
		}
		tok, err := auth.Signer{Secret: cfg.Auth.Secret, Issuer: cfg.Auth.Issuer}.Sign(id, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSub, "sub", "", "user identifier")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name")
	tokenCmd.Flags().BoolVar(&tokenGuest, "guest", false, "mark the identity as a guest")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "credential lifetime")
	_ = tokenCmd.MarkFlagRequired("sub")
}
