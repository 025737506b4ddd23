package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/quotewatch/quotewatch/internal/oauth"
)

var authForce bool

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize the configured mail account",
	Long: `Runs the OAuth browser flow for the account configured under [oauth]
and caches the token locally. Re-run with --force to replace an existing
token, for example after changing scopes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.OAuth.ClientSecrets == "" {
			return errOAuthNotConfigured()
		}
		account := cfg.OAuth.Account
		if account == "" {
			return fmt.Errorf("no account configured; set [oauth] account in %s", configFilePath())
		}

		mgr, err := oauth.NewManager(cfg.OAuth.ClientSecrets, cfg.TokensDir(), logger)
		if err != nil {
			return err
		}

		if mgr.HasToken(account) && !authForce {
			fmt.Printf("Account %s is already authorized. Use --force to re-authorize.\n", account)
			return nil
		}

		if err := mgr.Authorize(cmd.Context(), account); err != nil {
			return fmt.Errorf("authorize %s: %w", account, err)
		}

		fmt.Printf("Authorized %s\n", account)
		if !mgr.HasScope(account, "https://www.googleapis.com/auth/gmail.send") {
			fmt.Println("Warning: token lacks the send scope; 'quotewatch send' will fail.")
		}
		return nil
	},
}

func init() {
	authCmd.Flags().BoolVar(&authForce, "force", false, "re-authorize even if a token exists")
	rootCmd.AddCommand(authCmd)
}
