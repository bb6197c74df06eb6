// Package main is the target-redshift entrypoint: a Singer target that
// reads newline-delimited tap-to-target protocol messages from stdin
// and loads them into Redshift/Postgres. A single cobra root command
// with no subcommands — one process, one job: drain stdin until EOF
// or a fatal error.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"target-redshift/internal/config"
	"target-redshift/internal/engine"
	"target-redshift/internal/objectstore"
	"target-redshift/internal/report"
	"target-redshift/internal/stage"
	"target-redshift/internal/warehouse"
)

type rootFlags struct {
	configPath         string
	schemaOverridePath string
	dryRun             bool
	format             string
}

func main() {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "target-redshift",
		Short: "Singer target that loads tap-to-target records into Redshift",
		Long: `target-redshift reads a newline-delimited stream of SCHEMA, RECORD,
STATE, and ACTIVATE_VERSION messages on stdin, stages and loads records
into a Redshift (or Postgres-compatible) warehouse, and echoes each
STATE message to stdout once every flush it depends on has succeeded.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := run(cmd.Context(), flags)
			if err != nil {
				return err
			}
			os.Exit(code)
			return nil
		},
	}

	rootCmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to the JSON config file (required)")
	rootCmd.Flags().StringVar(&flags.schemaOverridePath, "schema-overrides", "", "Path to an optional TOML schema-overrides file")
	rootCmd.Flags().BoolVarP(&flags.dryRun, "dry-run", "d", false, "Print DDL/DML without executing it")
	rootCmd.Flags().StringVarP(&flags.format, "format", "f", "human", "Flush-summary format: human or json")
	_ = rootCmd.MarkFlagRequired("config")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "target-redshift: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, flags *rootFlags) (int, error) {
	cfg, err := config.LoadFile(flags.configPath)
	if err != nil {
		return 1, err
	}
	cfg.DryRun = flags.dryRun

	if flags.schemaOverridePath != "" {
		overrides, err := config.LoadSchemaOverridesFile(flags.schemaOverridePath)
		if err != nil {
			return 1, err
		}
		cfg.ApplyOverrides(overrides)
	}

	reporter, err := report.NewReporter(os.Stderr, flags.format)
	if err != nil {
		return 1, err
	}

	loader, cleanup, err := buildLoader(ctx, cfg, reporter)
	if err != nil {
		return 1, err
	}
	defer cleanup()

	eng := engine.New(cfg, loader, os.Stdout, reporter)
	return eng.Run(ctx, os.Stdin), nil
}

// buildLoader wires the warehouse connection, object store, and
// catalog cache that back the engine's Loader, returning a cleanup
// func that closes the database connection.
func buildLoader(ctx context.Context, cfg *config.Config, reporter *report.Reporter) (engine.Loader, func(), error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=require",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("target-redshift: opening warehouse connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("target-redshift: connecting to warehouse: %w", err)
	}

	store, err := buildObjectStore(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	cache := warehouse.NewCatalogCache(db, cfg.DisableTableCache)
	if err := cache.Warm(ctx, warmSchemas(cfg)); err != nil {
		db.Close()
		return nil, nil, err
	}

	opts := warehouse.Options{
		Copy: warehouse.CopyOptions{
			Credentials: warehouse.CopyCredentials{
				RoleARN:         cfg.AWSRedshiftCopyRoleARN,
				AccessKeyID:     cfg.AWSAccessKeyID,
				SecretAccessKey: cfg.AWSSecretAccessKey,
				SessionToken:    cfg.AWSSessionToken,
			},
			Compression:  stage.Compression(cfg.Compression),
			ExtraOptions: cfg.CopyOptions,
		},
		Slices:      cfg.Slices,
		SkipUpdates: cfg.SkipUpdates,
		HardDelete:  cfg.HardDelete,
		DryRun:      cfg.DryRun,
	}

	syncer := warehouse.NewSyncer(db, store, cache, opts, os.Stderr)
	cleanup := func() { db.Close() }
	return syncer, cleanup, nil
}

func buildObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, error) {
	if cfg.DryRun {
		return objectstore.NewLocalStore(cfg.TempDir), nil
	}
	return objectstore.NewS3Store(ctx, objectstore.S3Options{
		Bucket: cfg.S3Bucket,
		Prefix: cfg.S3KeyPrefix,
		ACL:    cfg.S3ACL,
		Region: cfg.AWSRegion,
	})
}

// warmSchemas collects every target schema name config can route a
// stream into, so the catalog cache is pre-populated before the first
// flush.
func warmSchemas(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var schemas []string
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		schemas = append(schemas, s)
	}
	add(cfg.DefaultTargetSchema)
	for _, mapping := range cfg.SchemaMapping {
		add(mapping.TargetSchema)
	}
	return schemas
}
