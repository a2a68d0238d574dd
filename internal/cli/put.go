package cli

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jacentio/autoinc/sequence"
)

// allocationFlags are the per-call overrides shared by put and history put.
type allocationFlags struct {
	start       int64
	step        int64
	maxAttempts int
}

func (f *allocationFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.start, "start", 0, "first value when the counter does not exist")
	cmd.Flags().Int64Var(&f.step, "step", 0, "increment (default from config: 1)")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "attempts before giving up (default from config)")
}

func (f *allocationFlags) options(cmd *cobra.Command) []sequence.Option {
	var opts []sequence.Option
	if cmd.Flags().Changed("start") {
		opts = append(opts, sequence.WithStartValue(f.start))
	}
	if cmd.Flags().Changed("step") {
		opts = append(opts, sequence.WithStep(f.step))
	}
	if cmd.Flags().Changed("max-attempts") {
		opts = append(opts, sequence.WithMaxAttempts(f.maxAttempts))
	}
	return opts
}

var putFlags struct {
	allocationFlags
	table   string
	keyAttr string
	uuids   []string
}

var putCmd = &cobra.Command{
	Use:   "put <sequence-key> <attribute> [item-json]",
	Short: "Insert an item with the next value of a sequence",
	Long: `Insert an item into the sequence's table with <attribute> set to the next ` +
		`value of the sequence. The item is a JSON object; the allocated value replaces ` +
		`any <attribute> field it contains.`,
	Example: `  autoinc put widgets widgetID '{"widgetName":"runcible spoon"}'
  autoinc put order-numbers orderNumber --table orders --key-attribute orderID --uuid orderID`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		sequenceKey, attr := args[0], args[1]

		var raw string
		if len(args) == 3 {
			raw = args[2]
		}
		item, err := parseItem(raw)
		if err != nil {
			return err
		}
		for _, field := range putFlags.uuids {
			item[field] = &types.AttributeValueMemberS{Value: uuid.NewString()}
		}

		opts := putFlags.options(cmd)
		if putFlags.table != "" {
			opts = append(opts, sequence.WithTable(putFlags.table))
		}
		if putFlags.keyAttr != "" {
			opts = append(opts, sequence.WithKeyAttribute(putFlags.keyAttr))
		}

		store, err := newStore()
		if err != nil {
			return err
		}
		res, err := store.Put(cmd.Context(), sequenceKey, attr, item, opts...)
		if err != nil {
			return commandError("put", err)
		}
		return printResult(cmd, res)
	},
}

func printResult(cmd *cobra.Command, res *sequence.PutResult) error {
	item, err := itemJSON(res.Item)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"attribute": res.Name,
		"value":     res.Value,
		"attempts":  res.Attempts,
		"item":      item,
	})
}

var currentCmd = &cobra.Command{
	Use:   "current <sequence-key> <attribute>",
	Short: "Print the last value issued by a sequence",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newStore()
		if err != nil {
			return err
		}
		v, err := store.Current(cmd.Context(), args[0], args[1])
		if err != nil {
			return commandError("current", err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), v)
		return err
	},
}

func init() {
	putFlags.register(putCmd)
	putCmd.Flags().StringVar(&putFlags.table, "table", "", "table to insert into (default: the sequence key)")
	putCmd.Flags().StringVar(&putFlags.keyAttr, "key-attribute", "", "hash key of the table (default: the attribute)")
	putCmd.Flags().StringSliceVar(&putFlags.uuids, "uuid", nil, "set these fields to new random UUIDs")

	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(currentCmd)
}
