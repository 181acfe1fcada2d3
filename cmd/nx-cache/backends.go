package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"nxcache/internal/auth"
	"nxcache/internal/core"
	"nxcache/internal/storage"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// pinger is implemented by backends that can verify connectivity up front.
type pinger interface {
	Ping(ctx context.Context) error
}

// validateServer checks the settings shared by every backend and returns the
// parsed token registry.
func (o *options) validateServer() (*auth.TokenRegistry, error) {
	if o.port <= 0 || o.port > 65535 {
		return nil, core.InvalidField("PORT", fmt.Sprintf("%d is not a valid port", o.port),
			"Provide a port between 1 and 65535 via --port or the PORT environment variable.",
		)
	}

	if o.serviceTokens == "" {
		return nil, core.MissingField("SERVICE_ACCESS_TOKEN",
			"Service access tokens are required for client authentication.",
			"Provide them via --service-access-token or the SERVICE_ACCESS_TOKEN environment variable,",
			"as a comma-separated list of name:secret or bare secret entries.",
		)
	}

	tokens, err := auth.ParseTokens(o.serviceTokens)
	if err != nil {
		return nil, core.InvalidField("SERVICE_ACCESS_TOKEN", err.Error(),
			"Expected a comma-separated list such as ci:secret1,local:secret2.",
		)
	}

	return tokens, nil
}

func (o *options) validateS3() error {
	if o.s3.Bucket == "" {
		return core.MissingField("S3_BUCKET_NAME",
			"The S3 bucket that stores cached artifacts.",
			"Provide it via --bucket or the S3_BUCKET_NAME environment variable.",
		)
	}

	if o.s3.Endpoint != "" {
		u, err := url.Parse(o.s3.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return core.InvalidField("S3_ENDPOINT_URL", "endpoint must start with http:// or https://",
				"Omit it to use AWS S3, or set it to the URL of an S3 compatible service.",
			)
		}
	}

	switch {
	case o.s3.AccessKeyID != "" && o.s3.SecretAccessKey == "":
		return core.MissingField("AWS_SECRET_ACCESS_KEY",
			"AWS_ACCESS_KEY_ID was provided without its secret.",
			"Provide it via --secret-access-key or the AWS_SECRET_ACCESS_KEY environment variable.",
		)
	case o.s3.AccessKeyID == "" && o.s3.SecretAccessKey != "":
		return core.MissingField("AWS_ACCESS_KEY_ID",
			"AWS_SECRET_ACCESS_KEY was provided without its key ID.",
			"Provide it via --access-key-id or the AWS_ACCESS_KEY_ID environment variable.",
		)
	}

	if o.s3.Region == "" {
		return core.MissingField("AWS_REGION",
			"The AWS region of the bucket, for example us-east-1.",
			"Provide it via --region or the AWS_REGION environment variable.",
			"Regions from AWS profiles or instance metadata are not looked up.",
		)
	}

	if o.s3.Timeout <= 0 {
		return core.InvalidField("S3_TIMEOUT", "timeout must be positive")
	}

	return nil
}

func (o *options) validateGCS() error {
	if o.gcs.Bucket == "" {
		return core.MissingField("GCS_BUCKET_NAME",
			"The Cloud Storage bucket that stores cached artifacts.",
			"Provide it via --bucket or the GCS_BUCKET_NAME environment variable.",
		)
	}

	if o.gcs.Timeout <= 0 {
		return core.InvalidField("GCS_TIMEOUT", "timeout must be positive")
	}

	return nil
}

func newS3Command(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "s3",
		Short: "Store artifacts in an S3 compatible bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindEnv(cmd.Flags(), s3Env); err != nil {
				return err
			}

			tokens, err := opts.validateServer()
			if err != nil {
				return err
			}
			if err := opts.validateS3(); err != nil {
				return err
			}

			engine, err := storage.NewS3Storage(opts.s3)
			if err != nil {
				return err
			}

			endpoint := opts.s3.Endpoint
			if endpoint == "" {
				endpoint = storage.DefaultS3Endpoint
			}
			slog.Info("Using S3 storage", "bucket", opts.s3.Bucket, "region", opts.s3.Region, "endpoint", endpoint, "timeout", opts.s3.Timeout)

			return serve(cmd.Context(), opts, tokens, engine)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.s3.Bucket, "bucket", "", "S3 bucket name [$S3_BUCKET_NAME]")
	flags.StringVar(&opts.s3.Region, "region", "", "AWS region [$AWS_REGION]")
	flags.StringVar(&opts.s3.Endpoint, "endpoint-url", "", "custom S3 endpoint, e.g. http://localhost:9000 [$S3_ENDPOINT_URL]")
	flags.StringVar(&opts.s3.AccessKeyID, "access-key-id", "", "AWS access key ID [$AWS_ACCESS_KEY_ID]")
	flags.StringVar(&opts.s3.SecretAccessKey, "secret-access-key", "", "AWS secret access key [$AWS_SECRET_ACCESS_KEY]")
	flags.StringVar(&opts.s3.SessionToken, "session-token", "", "AWS session token [$AWS_SESSION_TOKEN]")
	flags.DurationVar(&opts.s3.Timeout, "timeout", storage.DefaultS3Timeout, "S3 operation timeout, seconds or a duration [$S3_TIMEOUT]")
	flags.BoolVar(&opts.s3.ConditionalPut, "conditional-put", false, "send If-None-Match on uploads so the bucket refuses overwrites [$S3_CONDITIONAL_PUT]")

	return cmd
}

func newGCSCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gcs",
		Short: "Store artifacts in a Google Cloud Storage bucket",
		Long:  "Store artifacts in a Google Cloud Storage bucket using application default credentials.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindEnv(cmd.Flags(), gcsEnv); err != nil {
				return err
			}

			tokens, err := opts.validateServer()
			if err != nil {
				return err
			}
			if err := opts.validateGCS(); err != nil {
				return err
			}

			engine, err := storage.NewGCSStorage(cmd.Context(), opts.gcs)
			if err != nil {
				return fmt.Errorf("failed to create GCS client: %w", err)
			}
			defer engine.Close()

			slog.Info("Using GCS storage", "bucket", opts.gcs.Bucket, "timeout", opts.gcs.Timeout)
			return serve(cmd.Context(), opts, tokens, engine)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.gcs.Bucket, "bucket", "", "Cloud Storage bucket name [$GCS_BUCKET_NAME]")
	flags.DurationVar(&opts.gcs.Timeout, "timeout", storage.DefaultGCSTimeout, "GCS operation timeout, seconds or a duration [$GCS_TIMEOUT]")

	return cmd
}

func newFSCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fs",
		Short: "Store artifacts in a local directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindEnv(cmd.Flags(), fsEnv); err != nil {
				return err
			}

			tokens, err := opts.validateServer()
			if err != nil {
				return err
			}
			if opts.dataDir == "" {
				return core.MissingField("CACHE_DATA_DIR",
					"Provide it via --data-dir or the CACHE_DATA_DIR environment variable.",
				)
			}

			// Ensure data directory is absolute for easier debugging.
			absDataDir, err := filepath.Abs(opts.dataDir)
			if err != nil {
				return fmt.Errorf("failed to resolve data directory: %w", err)
			}

			if err := os.MkdirAll(absDataDir, 0o755); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}

			slog.Info("Using filesystem storage", "data_dir", absDataDir)
			return serve(cmd.Context(), opts, tokens, storage.NewLocalFileStorage(absDataDir))
		},
	}

	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "./data", "directory to store artifacts in [$CACHE_DATA_DIR]")

	return cmd
}

func newMemoryCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "memory",
		Short: "Keep artifacts in memory, for development only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := opts.validateServer()
			if err != nil {
				return err
			}

			slog.Warn("Using in-memory storage, artifacts are lost on exit")
			return serve(cmd.Context(), opts, tokens, storage.NewMemoryStorage())
		},
	}
}

// serve wires engine into a server and runs it until ctx is cancelled.
func serve(ctx context.Context, opts *options, tokens *auth.TokenRegistry, engine storage.Storage) error {
	if p, ok := engine.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("storage backend is not reachable: %w", err)
		}
	}

	if opts.existsCacheTTL > 0 {
		slog.Info("Caching known artifacts", "ttl", opts.existsCacheTTL, "capacity", opts.existsCacheSize)
		engine = storage.NewExistsCache(engine, opts.existsCacheSize, opts.existsCacheTTL)
	}

	server, err := core.NewServer(core.NewConfig(
		core.WithStorageEngine(engine),
		core.WithTokens(tokens),
		core.WithPort(opts.port),
		core.WithDebug(opts.debug),
		core.WithMetrics(nil, opts.metrics),
	))
	if err != nil {
		return fmt.Errorf("failed to create nx-cache server: %w", err)
	}

	slog.Info("Loaded access tokens", "count", tokens.Len(), "names", tokens.Names())

	return Run(ctx, server)
}
