package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "imagemeta",
	Short: "Image metadata pipeline",
	Long: `Extracts format, dimensions and size from images uploaded to a blob
container and stores them in a metadata table. Each upload runs as a durable
workflow that resumes from its last completed step after a restart.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flags.String("sqlite-path", ".artifacts/images.db", "SQLite database path")
	flags.String("engine-db-path", ".artifacts/instances.db", "Workflow instance BoltDB path")
	flags.String("sink-driver", "sqlite", "Metadata sink (sqlite or postgres)")
	flags.String("postgres-dsn", "", "Postgres connection string for the postgres sink")
	flags.String("s3-bucket", "images", "S3 bucket name")
	flags.String("s3-region", "us-east-1", "S3 region")
	flags.String("s3-endpoint", "", "S3-compatible endpoint URL")
	flags.Bool("s3-anonymous", false, "Use anonymous S3 credentials")
	flags.String("container", "images-input", "Key prefix images are uploaded under")
	flags.Uint64("download-retries", 3, "Retries for a failed blob download")
	flags.Int64("max-file-size", 50*1024*1024, "Max image size in bytes")
	flags.Int64("max-pixels", 100_000_000, "Max image width*height")
	flags.Int("workers", 4, "Concurrent workflow steps")

	for _, name := range []string{
		"sqlite-path", "engine-db-path", "sink-driver", "postgres-dsn",
		"s3-bucket", "s3-region", "s3-endpoint", "s3-anonymous", "container",
		"download-retries", "max-file-size", "max-pixels", "workers",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}
