package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nkkko/remotesync/internal/engine"
	"github.com/nkkko/remotesync/pkg/proto"
)

var (
	username string
	password string
	provider string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize a session with the remote server",
	Long: `Open a session with the remote server and authorize it, either with
htpasswd credentials or, given --provider, by printing the OAuth URL to visit
and waiting until the server grants the session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
			ds := e.DataSource()
			address := cfg.Remote.Address

			if provider != "" {
				url, err := ds.OAuthURL(ctx, address, provider)
				if err != nil {
					return err
				}
				cmd.PrintErrf("Visit %s to authorize this session\n", url)
				if err := ds.RequestAuthentication(ctx, address); err != nil {
					return err
				}
			} else {
				if username == "" {
					return fmt.Errorf("--user or --provider is required")
				}
				err := ds.Authenticate(ctx, address, proto.Credentials{Username: username, Password: password})
				if err != nil {
					return err
				}
			}
			return printJSON(cmd, ds.Sessions().Sessions())
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session with the remote server and purge its cached data",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
			return e.DataSource().EndSession(ctx, cfg.Remote.Address)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sessions and recent activity after an optional warm-up query",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
			ds := e.DataSource()
			if len(args) == 1 {
				if _, err := ds.Find(ctx, proto.Query{Location: e.Location(args[0])}); err != nil {
					return err
				}
			}
			return printJSON(cmd, map[string]interface{}{
				"sessions":   ds.Sessions().Sessions(),
				"searches":   ds.RecentSearches(),
				"operations": ds.RecentOperations(),
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	loginCmd.Flags().StringVarP(&username, "user", "u", "", "htpasswd user name")
	loginCmd.Flags().StringVarP(&password, "password", "p", "", "htpasswd password")
	loginCmd.Flags().StringVar(&provider, "provider", "", "OAuth provider to authorize with")
}
