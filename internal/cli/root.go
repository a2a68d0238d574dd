// Package cli provides the command-line interface for autoinc.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	"github.com/jacentio/autoinc/sequence"
)

// API is the part of *dynamodb.Client used by the CLI.
type API interface {
	sequence.DynamoDBAPI
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// newClient creates the DynamoDB client for a command. Tests replace it.
var newClient = func(ctx context.Context, cfg AWSConfig) (API, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

var (
	configPath   string
	flagRegion   string
	flagProfile  string
	flagEndpoint string
	flagLogLevel string

	cfg    Config
	logger *slog.Logger
	client API
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "autoinc",
	Short: "Allocate auto-increment values from DynamoDB counters.",
	Long: `autoinc inserts items into DynamoDB tables with a numeric attribute taken ` +
		`from a per-sequence counter. Counter and item are written in one transaction, ` +
		`so values are unique and issued in increasing order.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "autoinc.yaml", "path to the YAML config file")
	pf.StringVar(&flagRegion, "region", "", "AWS region")
	pf.StringVar(&flagProfile, "profile", "", "AWS shared config profile")
	pf.StringVar(&flagEndpoint, "endpoint", "", "DynamoDB endpoint override, e.g. http://localhost:8000")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn or error")
}

func setup(cmd *cobra.Command, _ []string) error {
	if err := loadEnv(".env"); err != nil {
		return err
	}

	var err error
	if cfg, err = initConfig(configPath); err != nil {
		return err
	}
	cfg.applyEnv()
	if flagRegion != "" {
		cfg.AWS.Region = flagRegion
	}
	if flagProfile != "" {
		cfg.AWS.Profile = flagProfile
	}
	if flagEndpoint != "" {
		cfg.AWS.Endpoint = flagEndpoint
	}
	if flagLogLevel != "" {
		cfg.Logger.Level = flagLogLevel
	}

	logger = initLogger(cfg.Logger, cmd.ErrOrStderr())

	client, err = newClient(cmd.Context(), cfg.AWS)
	if err != nil {
		return err
	}
	logger.Debug("client initialized",
		"region", cfg.AWS.Region,
		"endpoint", cfg.AWS.Endpoint,
		"counterTable", cfg.Counter.Table,
	)
	return nil
}

// newStore builds a sequence.Store from the loaded configuration.
func newStore() (*sequence.Store, error) {
	sc, err := cfg.storeConfig(logger)
	if err != nil {
		return nil, err
	}
	return sequence.New(client, sc), nil
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute(ctx context.Context) {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		os.Exit(1)
	}
}
