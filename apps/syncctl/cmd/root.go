package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nkkko/remotesync/internal/config"
	"github.com/nkkko/remotesync/internal/engine"
	"github.com/nkkko/remotesync/internal/logging"
)

var (
	configFile string
	dataDir    string
	address    string
	logLevel   string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "syncctl reads and writes remote tables through a synchronized local cache",
	Long: `syncctl talks to a remote data server using the discovery/retrieval/storage
protocol. Reads are answered from the local cache and revalidated against the
server; writes are queued, merged and committed in the background.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configFile, dataDir, address, logLevel)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return logging.Setup(cfg.ToLoggingConfig())
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory of the persistent cache")
	rootCmd.PersistentFlags().StringVarP(&address, "address", "a", "", "Remote server address")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// signalContext is canceled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// withEngine runs fn against a started engine and shuts it down afterwards
func withEngine(ctx context.Context, fn func(ctx context.Context, e *engine.Engine) error) error {
	e, err := engine.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	runErr := fn(ctx, e)

	cancel()
	if err := <-done; err != nil && runErr == nil {
		runErr = err
	}
	if err := e.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
