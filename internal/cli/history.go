package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jacentio/autoinc/sequence"
)

var historyFlags struct {
	allocationFlags
	currentTable string
	historyTable string
	key          string
	versionAttr  string
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Store and read versioned items",
	Long: `Keep the latest version of one item in a current table and every ` +
		`superseded version in a history table.`,
}

var historyPutCmd = &cobra.Command{
	Use:   "put [item-json]",
	Short: "Store a new version of the item",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw string
		if len(args) == 1 {
			raw = args[0]
		}
		item, err := parseItem(raw)
		if err != nil {
			return err
		}

		h, err := newHistory(cmd)
		if err != nil {
			return err
		}
		res, err := h.Put(cmd.Context(), item)
		if err != nil {
			return commandError("history put", err)
		}
		return printResult(cmd, res)
	},
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		h, err := newHistory(cmd)
		if err != nil {
			return err
		}
		versions, err := h.List(cmd.Context())
		if err != nil {
			return commandError("history list", err)
		}
		for _, v := range versions {
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), v); err != nil {
				return err
			}
		}
		return nil
	},
}

var historyGetCmd = &cobra.Command{
	Use:   "get [version]",
	Short: "Print the latest item or an archived version",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newHistory(cmd)
		if err != nil {
			return err
		}

		var item map[string]any
		if len(args) == 0 {
			latest, err := h.Latest(cmd.Context())
			if err != nil {
				return commandError("history get", err)
			}
			item, err = itemJSON(latest)
			if err != nil {
				return err
			}
		} else {
			v, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("version must be an integer: %w", err)
			}
			archived, err := h.Version(cmd.Context(), v)
			if err != nil {
				return commandError("history get", err)
			}
			item, err = itemJSON(archived)
			if err != nil {
				return err
			}
		}
		return printJSON(cmd.OutOrStdout(), item)
	},
}

func newHistory(cmd *cobra.Command) (*sequence.History, error) {
	key, err := parseItem(historyFlags.key)
	if err != nil {
		return nil, fmt.Errorf("--key: %w", err)
	}
	sc, err := cfg.storeConfig(logger)
	if err != nil {
		return nil, err
	}

	hc := sequence.HistoryConfig{
		CurrentTable:     historyFlags.currentTable,
		HistoryTable:     historyFlags.historyTable,
		Key:              key,
		VersionAttribute: historyFlags.versionAttr,
		MaxAttempts:      sc.MaxAttempts,
		AttemptTimeout:   sc.AttemptTimeout,
		Backoff:          sc.Backoff,
		Logger:           logger,
	}
	if cmd.Flags().Changed("start") {
		hc.StartValue = historyFlags.start
	}
	if cmd.Flags().Changed("step") {
		hc.Step = historyFlags.step
	}
	if cmd.Flags().Changed("max-attempts") {
		hc.MaxAttempts = historyFlags.maxAttempts
	}
	return sequence.NewHistory(client, hc), nil
}

func init() {
	pf := historyCmd.PersistentFlags()
	pf.StringVar(&historyFlags.currentTable, "current-table", "", "table holding the latest version")
	pf.StringVar(&historyFlags.historyTable, "history-table", "", "table holding superseded versions")
	pf.StringVar(&historyFlags.key, "key", "", `key of the item as JSON, e.g. '{"widgetID":1}'`)
	pf.StringVar(&historyFlags.versionAttr, "version-attribute", "version", "number attribute holding the version")
	_ = historyCmd.MarkPersistentFlagRequired("current-table")
	_ = historyCmd.MarkPersistentFlagRequired("history-table")
	_ = historyCmd.MarkPersistentFlagRequired("key")

	historyFlags.register(historyPutCmd)

	historyCmd.AddCommand(historyPutCmd, historyListCmd, historyGetCmd)
	rootCmd.AddCommand(historyCmd)
}
