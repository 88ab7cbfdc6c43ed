package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nkkko/remotesync/internal/testserver"
)

var (
	listenAddr string
	serveUsers []string
	latency    time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory reference server",
	Long: `Run an in-memory server speaking the data, session and push protocol,
for local experiments. Without --user every session is authorized at once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config := testserver.DefaultConfig()
		config.Latency = latency
		config.AutoAuthorize = len(serveUsers) == 0

		srv := testserver.New(config)
		for i, user := range serveUsers {
			name, pass, ok := strings.Cut(user, ":")
			if !ok {
				return fmt.Errorf("invalid user %q, expected name:password", user)
			}
			srv.AddUser(name, pass, int64(i+1))
		}

		server := &http.Server{
			Addr:              listenAddr,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()
		cmd.PrintErrf("Serving on %s\n", listenAddr)

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.DropConnections()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8080", "Address to listen on")
	serveCmd.Flags().StringArrayVar(&serveUsers, "user", nil, "htpasswd user as name:password, repeatable")
	serveCmd.Flags().DurationVar(&latency, "latency", 0, "Artificial latency of data requests")
}
