package config

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
)

// SchemaOverrides is the optional `--schema-overrides` TOML document:
// an operator overrides file layered over the JSON config, for
// per-source-schema routing that is awkward to express inline.
// Decoded with BurntSushi/toml into a typed struct.
type SchemaOverrides struct {
	Defaults struct {
		VarcharLength int `toml:"varchar_length"`
	} `toml:"defaults"`
	SchemaMapping map[string]struct {
		TargetSchema   string   `toml:"target_schema"`
		SelectGrantees []string `toml:"select_grantees"`
	} `toml:"schema_mapping"`
}

// LoadSchemaOverrides parses a TOML overrides document from r.
func LoadSchemaOverrides(r io.Reader) (*SchemaOverrides, error) {
	var o SchemaOverrides
	if _, err := toml.NewDecoder(r).Decode(&o); err != nil {
		return nil, fmt.Errorf("config: decode schema overrides: %w", err)
	}
	return &o, nil
}

// LoadSchemaOverridesFile opens path and decodes it with
// LoadSchemaOverrides.
func LoadSchemaOverridesFile(path string) (*SchemaOverrides, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open schema overrides %s: %w", path, err)
	}
	defer f.Close()
	return LoadSchemaOverrides(f)
}

// ApplyOverrides merges o into c, additive-only: the JSON config
// remains authoritative when a key is set in both places, overrides
// only fill gaps.
func (c *Config) ApplyOverrides(o *SchemaOverrides) {
	if o == nil {
		return
	}
	if c.VarcharLength == 0 && o.Defaults.VarcharLength > 0 {
		c.VarcharLength = o.Defaults.VarcharLength
	}
	if c.SchemaMapping == nil {
		c.SchemaMapping = make(map[string]SchemaMapping)
	}
	for source, override := range o.SchemaMapping {
		existing, ok := c.SchemaMapping[source]
		if !ok {
			c.SchemaMapping[source] = SchemaMapping{
				TargetSchema:      override.TargetSchema,
				SelectPermissions: override.SelectGrantees,
			}
			continue
		}
		if existing.TargetSchema == "" {
			existing.TargetSchema = override.TargetSchema
		}
		if len(existing.SelectPermissions) == 0 {
			existing.SelectPermissions = override.SelectGrantees
		}
		c.SchemaMapping[source] = existing
	}
}
