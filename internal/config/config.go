// Package config loads and validates the target's JSON configuration
// document. The knobs arrive as one document rather than flags,
// because a Singer target is invoked with `--config config.json`,
// not a set of subcommand flags.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
)

// SchemaMapping overrides the target schema and grant list for one
// source schema (the schema_mapping key).
type SchemaMapping struct {
	TargetSchema      string   `json:"target_schema"`
	SelectPermissions []string `json:"target_schema_select_permissions"`
}

// Config is the fully-resolved set of recognized options, after JSON
// decoding, schema-overrides merge, and SetDefaults/Validate.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`

	AWSProfile             string `json:"aws_profile"`
	AWSAccessKeyID         string `json:"aws_access_key_id"`
	AWSSecretAccessKey     string `json:"aws_secret_access_key"`
	AWSSessionToken        string `json:"aws_session_token"`
	AWSRedshiftCopyRoleARN string `json:"aws_redshift_copy_role_arn"`
	AWSRegion              string `json:"aws_region"`

	S3Bucket    string `json:"s3_bucket"`
	S3KeyPrefix string `json:"s3_key_prefix"`
	S3ACL       string `json:"s3_acl"`

	DefaultTargetSchema                  string                   `json:"default_target_schema"`
	DefaultTargetSchemaSelectPermissions []string                 `json:"default_target_schema_select_permissions"`
	SchemaMapping                        map[string]SchemaMapping `json:"schema_mapping"`

	BatchSizeRows   int64 `json:"batch_size_rows"`
	FlushAllStreams bool  `json:"flush_all_streams"`

	Parallelism    int `json:"parallelism"`
	MaxParallelism int `json:"max_parallelism"`

	Compression string `json:"compression"`
	Slices      int    `json:"slices"`

	CopyOptions string `json:"copy_options"`

	AddMetadataColumns bool `json:"add_metadata_columns"`
	HardDelete         bool `json:"hard_delete"`

	DataFlatteningMaxLevel int `json:"data_flattening_max_level"`

	PrimaryKeyRequired bool `json:"primary_key_required"`
	ValidateRecords    bool `json:"validate_records"`
	SkipUpdates        bool `json:"skip_updates"`

	DisableTableCache bool `json:"disable_table_cache"`

	TempDir string `json:"temp_dir"`

	VarcharLength int `json:"varchar_length"`

	// DryRun is set only from the CLI's --dry-run flag, never from
	// the JSON config file.
	DryRun bool `json:"-"`
}

// rawConfig mirrors Config but with a nullable PrimaryKeyRequired, so
// Load can tell "absent from the JSON" (default true)
// apart from "explicitly false".
type rawConfig struct {
	Config
	PrimaryKeyRequired *bool `json:"primary_key_required"`
}

// Load decodes a JSON config document from r. Unrecognized fields
// are ignored by encoding/json, matching Singer's convention
// of tolerant config readers.
func Load(r io.Reader) (*Config, error) {
	var raw rawConfig
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg := raw.Config
	if raw.PrimaryKeyRequired == nil {
		cfg.PrimaryKeyRequired = true
	} else {
		cfg.PrimaryKeyRequired = *raw.PrimaryKeyRequired
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile opens path and decodes it with Load.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Defaults for the options that have one.
const (
	defaultBatchSizeRows  = 100000
	defaultMaxParallelism = 16
	defaultCopyOptions    = `EMPTYASNULL BLANKSASNULL TRIMBLANKS TRUNCATECOLUMNS TIMEFORMAT 'auto' COMPUPDATE OFF STATUPDATE OFF`
	defaultPort           = 5439
)

// SetDefaults fills in every zero-valued field that has a
// default, other than primary_key_required (resolved separately in
// Load, since its default is non-zero and a decoded bool can't
// distinguish "absent" from "false").
func (c *Config) SetDefaults() {
	if c.BatchSizeRows == 0 {
		c.BatchSizeRows = defaultBatchSizeRows
	}
	if c.MaxParallelism == 0 {
		c.MaxParallelism = defaultMaxParallelism
	}
	if c.CopyOptions == "" {
		c.CopyOptions = defaultCopyOptions
	}
	if c.Slices == 0 {
		c.Slices = 1
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
}

// ValidationError reports a config field that failed a sanity check.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Validate rejects configs with missing required fields or
// nonsensical combinations.
func (c *Config) Validate() error {
	if c.Host == "" {
		return &ValidationError{Field: "host", Reason: "required"}
	}
	if c.DBName == "" {
		return &ValidationError{Field: "dbname", Reason: "required"}
	}
	if c.S3Bucket == "" {
		return &ValidationError{Field: "s3_bucket", Reason: "required"}
	}
	if c.DefaultTargetSchema == "" && len(c.SchemaMapping) == 0 {
		return &ValidationError{Field: "default_target_schema", Reason: "required unless schema_mapping covers every source schema"}
	}
	switch c.Compression {
	case "", "gzip", "bzip2":
	default:
		return &ValidationError{Field: "compression", Reason: `must be "", "gzip", or "bzip2"`}
	}
	if c.Parallelism < -1 {
		return &ValidationError{Field: "parallelism", Reason: "must be >= -1"}
	}
	if c.MaxParallelism < 1 {
		return &ValidationError{Field: "max_parallelism", Reason: "must be >= 1"}
	}
	if c.Slices < 1 {
		return &ValidationError{Field: "slices", Reason: "must be >= 1"}
	}
	if c.BatchSizeRows < 1 {
		return &ValidationError{Field: "batch_size_rows", Reason: "must be >= 1"}
	}
	if c.HardDelete {
		c.AddMetadataColumns = true
	}
	return nil
}

// TargetSchemaFor resolves the warehouse schema a source schema name
// maps to, honoring schema_mapping before falling back to
// default_target_schema.
func (c *Config) TargetSchemaFor(sourceSchema string) string {
	if m, ok := c.SchemaMapping[sourceSchema]; ok && m.TargetSchema != "" {
		return m.TargetSchema
	}
	return c.DefaultTargetSchema
}

// GranteesFor resolves the select-grant principal list for a source
// schema, honoring schema_mapping before falling back to
// default_target_schema_select_permissions.
func (c *Config) GranteesFor(sourceSchema string) []string {
	if m, ok := c.SchemaMapping[sourceSchema]; ok && len(m.SelectPermissions) > 0 {
		return m.SelectPermissions
	}
	return c.DefaultTargetSchemaSelectPermissions
}

// ResolveParallelism implements the three-way sizing rule:
// configured value if positive, CPU count if -1, current active
// stream count if 0 — then clamps to max_parallelism.
func (c *Config) ResolveParallelism(activeStreams int) int {
	n := c.Parallelism
	switch {
	case c.Parallelism > 0:
		n = c.Parallelism
	case c.Parallelism == -1:
		n = runtime.NumCPU()
	default:
		n = activeStreams
	}
	if n < 1 {
		n = 1
	}
	if c.MaxParallelism > 0 && n > c.MaxParallelism {
		n = c.MaxParallelism
	}
	return n
}
