package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/spf13/cobra"

	"github.com/jacentio/autoinc/sequence"
)

var provisionWait time.Duration

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the tables used by autoinc",
}

var provisionCounterCmd = &cobra.Command{
	Use:   "counter",
	Short: "Create the counter table named in the config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return createTable(cmd, sequence.CounterTableInput(cfg.Counter.Table, cfg.Counter.KeyAttribute))
	},
}

var provisionItemsCmd = &cobra.Command{
	Use:   "items <table> <key-attribute>",
	Short: "Create a table keyed by an allocated number",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return createTable(cmd, sequence.ItemTableInput(args[0], args[1]))
	},
}

var provisionHistoryCmd = &cobra.Command{
	Use:   "history <table> <key-attribute> <S|N|B> [version-attribute]",
	Short: "Create a history table for versioned items",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyType, err := scalarType(args[2])
		if err != nil {
			return err
		}
		versionAttr := "version"
		if len(args) == 4 {
			versionAttr = args[3]
		}
		return createTable(cmd, sequence.HistoryTableInput(args[0], args[1], keyType, versionAttr))
	},
}

func scalarType(s string) (types.ScalarAttributeType, error) {
	t := types.ScalarAttributeType(strings.ToUpper(s))
	for _, v := range t.Values() {
		if t == v {
			return t, nil
		}
	}
	return "", fmt.Errorf("key type must be one of S, N or B, got %q", s)
}

// createTable creates a table and waits until it is active. A table that
// already exists is not an error.
func createTable(cmd *cobra.Command, in *dynamodb.CreateTableInput) error {
	ctx := cmd.Context()
	name := aws.ToString(in.TableName)

	_, err := client.CreateTable(ctx, in)
	switch {
	case err == nil:
		logger.Info("creating table", "table", name)
	case apiErrorCode(err) == "ResourceInUseException":
		logger.Info("table already exists", "table", name)
	default:
		return commandError("create table "+name, err)
	}

	if provisionWait > 0 {
		if err := waitForTable(ctx, client, name, provisionWait); err != nil {
			return commandError("wait for table "+name, err)
		}
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), name)
	return err
}

func waitForTable(ctx context.Context, api dynamodb.DescribeTableAPIClient, name string, timeout time.Duration) error {
	waiter := dynamodb.NewTableExistsWaiter(api, func(o *dynamodb.TableExistsWaiterOptions) {
		o.MinDelay = 100 * time.Millisecond
		o.MaxDelay = 5 * time.Second
	})
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, timeout)
}

func init() {
	provisionCmd.PersistentFlags().DurationVar(&provisionWait, "wait", 2*time.Minute, "how long to wait for the table to become active (0 to skip)")
	provisionCmd.AddCommand(provisionCounterCmd, provisionItemsCmd, provisionHistoryCmd)
	rootCmd.AddCommand(provisionCmd)
}
