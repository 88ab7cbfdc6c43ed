package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nkkko/remotesync/internal/engine"
	"github.com/nkkko/remotesync/pkg/proto"
)

var (
	findWhere     []string
	findIDs       []int64
	findExpected  int
	findMinimum   int
	findRequired  bool
	findBlocking  string
	findCommitted bool
)

var findCmd = &cobra.Command{
	Use:   "find <table>",
	Short: "Query a table",
	Long: `Query a table of the configured schema. Criteria are given as key=value
pairs; a comma separated value matches any of its elements.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		criteria, err := parseCriteria(findWhere)
		if err != nil {
			return err
		}
		if len(findIDs) > 0 {
			criteria["id"] = findIDs
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
			results, err := e.DataSource().Find(ctx, proto.Query{
				Location:  e.Location(args[0]),
				Criteria:  criteria,
				Expected:  findExpected,
				Minimum:   findMinimum,
				Required:  findRequired,
				Blocking:  proto.Blocking(findBlocking),
				Committed: findCommitted,
				By:        "syncctl",
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, results)
		})
	},
}

func init() {
	rootCmd.AddCommand(findCmd)
	findCmd.Flags().StringArrayVarP(&findWhere, "where", "w", nil, "Criterion as key=value, repeatable")
	findCmd.Flags().Int64SliceVar(&findIDs, "id", nil, "Object ids to fetch")
	findCmd.Flags().IntVar(&findExpected, "expected", 0, "Number of results that makes a cached answer complete")
	findCmd.Flags().IntVar(&findMinimum, "minimum", 0, "Number of results below which cached data is unusable")
	findCmd.Flags().BoolVar(&findRequired, "required", false, "Fail when fewer results than expected exist")
	findCmd.Flags().StringVar(&findBlocking, "blocking", string(proto.BlockExpired), "When to wait for the server: never, insufficient, incomplete, expired")
	findCmd.Flags().BoolVar(&findCommitted, "committed", false, "Ignore uncommitted local changes")
}

// parseCriteria turns key=value pairs into criteria. Values are decoded as
// JSON when possible, so numbers and booleans compare as such.
func parseCriteria(pairs []string) (proto.Criteria, error) {
	criteria := proto.Criteria{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid criterion %q, expected key=value", pair)
		}
		if strings.Contains(value, ",") {
			parts := strings.Split(value, ",")
			list := make([]interface{}, len(parts))
			for i, part := range parts {
				list[i] = parseValue(part)
			}
			criteria[key] = list
			continue
		}
		criteria[key] = parseValue(value)
	}
	return criteria, nil
}

func parseValue(s string) interface{} {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
