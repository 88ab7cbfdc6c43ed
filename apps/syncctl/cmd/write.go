package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nkkko/remotesync/internal/change"
	"github.com/nkkko/remotesync/internal/datasource"
	"github.com/nkkko/remotesync/internal/engine"
	"github.com/nkkko/remotesync/pkg/proto"
)

var (
	saveData  string
	removeIDs []int64
	keepLocal bool
)

var saveCmd = &cobra.Command{
	Use:   "save <table>",
	Short: "Store objects in a table",
	Long: `Store one object or an array of objects given as JSON with --data, or on
stdin. Objects without an id are created. The command returns once the server
has committed the change and prints the stored copies.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data := []byte(saveData)
		if saveData == "" || saveData == "-" {
			var err error
			data, err = io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read objects: %w", err)
			}
		}
		objects, err := parseObjects(data)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
			saved, err := e.DataSource().Save(ctx, e.Location(args[0]), objects,
				datasource.WithConflictHandler(conflictHandler(cmd)))
			if err != nil {
				return err
			}
			return printJSON(cmd, saved)
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <table>",
	Short: "Remove objects from a table by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(removeIDs) == 0 {
			return fmt.Errorf("at least one --id is required")
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
			loc := e.Location(args[0])
			current, err := e.DataSource().Find(ctx, proto.Query{
				Location: loc,
				Criteria: proto.Criteria{"id": removeIDs},
				Blocking: proto.BlockExpired,
			})
			if err != nil {
				return err
			}
			if len(current) == 0 {
				return fmt.Errorf("no objects with ids %v in %s", removeIDs, args[0])
			}
			removed, err := e.DataSource().Remove(ctx, loc, current,
				datasource.WithConflictHandler(conflictHandler(cmd)))
			if err != nil {
				return err
			}
			return printJSON(cmd, removed)
		})
	},
}

func init() {
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(removeCmd)
	saveCmd.Flags().StringVarP(&saveData, "data", "d", "", "JSON object or array; - or empty reads stdin")
	removeCmd.Flags().Int64SliceVar(&removeIDs, "id", nil, "Ids of the objects to remove")
	for _, c := range []*cobra.Command{saveCmd, removeCmd} {
		c.Flags().BoolVar(&keepLocal, "keep-local", false, "Keep local edits that conflict with newer remote copies")
	}
}

// conflictHandler reports conflicts on stderr and applies --keep-local
func conflictHandler(cmd *cobra.Command) change.ConflictHandler {
	return func(c *change.Conflict) {
		fmt.Fprintf(cmd.ErrOrStderr(), "conflict on %s id %d: local gn %d, remote gn %d\n",
			c.Location, c.Local.ID(), c.Local.GN(), c.Remote.GN())
		if keepLocal {
			c.Preserve()
		}
	}
}

func parseObjects(data []byte) ([]proto.Object, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no objects given")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if data[0] == '[' {
		var objects []proto.Object
		if err := dec.Decode(&objects); err != nil {
			return nil, fmt.Errorf("failed to parse objects: %w", err)
		}
		return objects, nil
	}
	var object proto.Object
	if err := dec.Decode(&object); err != nil {
		return nil, fmt.Errorf("failed to parse object: %w", err)
	}
	return []proto.Object{object}, nil
}
