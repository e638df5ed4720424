package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dkeye/WatchRoom/internal/apikeys"
	"github.com/dkeye/WatchRoom/internal/db"
	"github.com/dkeye/WatchRoom/internal/domain"
)

var (
	keyOwner  string
	keyName   string
	keyScopes []string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage scoped API keys",
}

func keyService() (*apikeys.Service, error) {
	gdb, err := db.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, err
	}
	return apikeys.NewService(gdb), nil
}

var keysIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a key; the full key is printed once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := keyService()
		if err != nil {
			return err
		}
		raw, key, err := svc.Issue(cmd.Context(), domain.UserID(keyOwner), keyName, keyScopes)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), raw)
		fmt.Fprintf(cmd.ErrOrStderr(), "issued %s for %s (%s); store it now, it cannot be shown again\n", key.Prefix, key.Owner, key.Scopes)
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <prefix>",
	Short: "Revoke a key by its prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := keyService()
		if err != nil {
			return err
		}
		if err := svc.Revoke(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys (prefix, owner, scopes, state)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := keyService()
		if err != nil {
			return err
		}
		keys, err := svc.List(cmd.Context(), domain.UserID(keyOwner))
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PREFIX\tOWNER\tNAME\tSCOPES\tSTATE")
		for _, k := range keys {
			state := "active"
			if k.RevokedAt != nil {
				state = "revoked"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", k.Prefix, k.Owner, k.Name, strings.ReplaceAll(k.Scopes, ",", " "), state)
		}
		return w.Flush()
	},
}

func init() {
	keysIssueCmd.Flags().StringVar(&keyOwner, "owner", "", "identity that owns the key")
	keysIssueCmd.Flags().StringVar(&keyName, "name", "", "human readable label")
	keysIssueCmd.Flags().StringSliceVar(&keyScopes, "scope", []string{apikeys.ScopeTelemetryRead}, "scopes granted to the key")
	_ = keysIssueCmd.MarkFlagRequired("owner")

	keysListCmd.Flags().StringVar(&keyOwner, "owner", "", "only list keys of this identity")

	keysCmd.AddCommand(keysIssueCmd, keysRevokeCmd, keysListCmd)
}
