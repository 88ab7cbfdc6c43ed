package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/nkkko/remotesync/internal/engine"
	"github.com/nkkko/remotesync/pkg/proto"
)

var watchCmd = &cobra.Command{
	Use:   "watch <table>",
	Short: "Print the contents of a table whenever it changes",
	Long: `Print the contents of a table, then follow the server's push channel and
print the table again after every change until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
			ds := e.DataSource()
			q := proto.Query{Location: e.Location(args[0]), Prefetch: true, By: "syncctl-watch"}

			sub := ds.Subscribe(proto.EventChange, proto.EventViolation, proto.EventExpiration)
			defer ds.RemoveListener(sub.ID)

			results, err := ds.Find(ctx, q)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, results); err != nil {
				return err
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case evt, ok := <-sub.Events:
					if !ok {
						return nil
					}
					if evt.Type != proto.EventChange {
						cmd.PrintErrf("%s event from %s\n", evt.Type, evt.Address)
						continue
					}
					if evt.Location == nil || *evt.Location != q.Location {
						continue
					}
					results, err := ds.Find(ctx, q)
					if err != nil {
						cmd.PrintErrf("refresh failed: %v\n", err)
						continue
					}
					if err := printJSON(cmd, results); err != nil {
						return err
					}
				}
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
