package main

import (
	"log/slog"
	"nxcache/internal/core"
	"nxcache/internal/storage"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// options holds every setting the CLI understands. Each flag falls back to
// the environment variable named in the matching *Env table.
type options struct {
	port            int
	serviceTokens   string
	debug           bool
	metrics         bool
	existsCacheTTL  time.Duration
	existsCacheSize int

	s3      storage.S3Options
	gcs     storage.GCSOptions
	dataDir string
}

var serverEnv = map[string]string{
	"port":                 "PORT",
	"service-access-token": "SERVICE_ACCESS_TOKEN",
	"debug":                "DEBUG",
	"metrics":              "METRICS",
	"exists-cache-ttl":     "EXISTS_CACHE_TTL",
}

var s3Env = map[string]string{
	"bucket":            "S3_BUCKET_NAME",
	"region":            "AWS_REGION",
	"endpoint-url":      "S3_ENDPOINT_URL",
	"access-key-id":     "AWS_ACCESS_KEY_ID",
	"secret-access-key": "AWS_SECRET_ACCESS_KEY",
	"session-token":     "AWS_SESSION_TOKEN",
	"timeout":           "S3_TIMEOUT",
	"conditional-put":   "S3_CONDITIONAL_PUT",
}

var gcsEnv = map[string]string{
	"bucket":  "GCS_BUCKET_NAME",
	"timeout": "GCS_TIMEOUT",
}

var fsEnv = map[string]string{
	"data-dir": "CACHE_DATA_DIR",
}

// bindEnv copies environment values into flags the user did not set on the
// command line. Duration flags also accept a bare number of seconds.
func bindEnv(flags *pflag.FlagSet, bindings map[string]string) error {
	for name, env := range bindings {
		flag := flags.Lookup(name)
		if flag == nil || flag.Changed {
			continue
		}

		value, ok := os.LookupEnv(env)
		if !ok || value == "" {
			continue
		}

		if flag.Value.Type() == "duration" && strings.Trim(value, "0123456789") == "" {
			value += "s"
		}

		if err := flags.Set(name, value); err != nil {
			return core.InvalidField(env, err.Error())
		}
	}
	return nil
}

func setupLogging(debug bool) {
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.InfoLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})
	if debug {
		handler.SetLevel(log.DebugLevel)
	}

	slog.SetDefault(slog.New(handler))
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "nx-cache",
		Short: "Remote build artifact cache server",
		Long: "nx-cache stores and serves content-addressed build artifacts over HTTP.\n" +
			"Running it without a subcommand uses the S3 backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindEnv(cmd.Flags(), serverEnv); err != nil {
				return err
			}
			setupLogging(opts.debug)
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.IntVar(&opts.port, "port", core.DefaultPort, "HTTP listen port [$PORT]")
	flags.StringVar(&opts.serviceTokens, "service-access-token", "", "comma-separated access tokens, each name:secret or secret [$SERVICE_ACCESS_TOKEN]")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging [$DEBUG]")
	flags.BoolVar(&opts.metrics, "metrics", false, "serve Prometheus metrics on /metrics [$METRICS]")
	flags.DurationVar(&opts.existsCacheTTL, "exists-cache-ttl", 0, "remember existing keys for this long, 0 disables [$EXISTS_CACHE_TTL]")
	flags.IntVar(&opts.existsCacheSize, "exists-cache-size", storage.DefaultExistsCacheCapacity, "maximum number of keys remembered by the exists cache")

	s3Cmd := newS3Command(opts)
	rootCmd.AddCommand(s3Cmd, newGCSCommand(opts), newFSCommand(opts), newMemoryCommand(opts))

	// The bare command behaves like "nx-cache s3".
	rootCmd.Flags().AddFlagSet(s3Cmd.Flags())
	rootCmd.RunE = s3Cmd.RunE

	return rootCmd
}
