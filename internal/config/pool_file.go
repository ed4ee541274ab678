package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// PoolTarget declares how many warm namespaces to keep for one template.
type PoolTarget struct {
	// TemplateSchema is the template namespace entries are cloned from.
	TemplateSchema string `yaml:"template_schema"`

	// Target is the number of ready+refreshing entries to maintain.
	Target int `yaml:"target"`
}

// PoolFile is the on-disk pool configuration.
//
//	schema_version: v1
//	targets:
//	  - template_schema: slack_default
//	    target: 4
type PoolFile struct {
	SchemaVersion string       `yaml:"schema_version"`
	Targets       []PoolTarget `yaml:"targets"`
}

// Validate checks schema version, duplicates, and target bounds.
func (f *PoolFile) Validate() error {
	if f.SchemaVersion != "v1" {
		return fmt.Errorf("unsupported schema_version %q (expected v1)", f.SchemaVersion)
	}
	seen := make(map[string]bool, len(f.Targets))
	for i, t := range f.Targets {
		if t.TemplateSchema == "" {
			return fmt.Errorf("targets[%d]: template_schema must not be empty", i)
		}
		if t.Target < 0 {
			return fmt.Errorf("targets[%d] (%s): target must not be negative", i, t.TemplateSchema)
		}
		if seen[t.TemplateSchema] {
			return fmt.Errorf("duplicate template_schema %q", t.TemplateSchema)
		}
		seen[t.TemplateSchema] = true
	}
	return nil
}

// LoadPoolFile loads and validates the pool-targets configuration file.
func LoadPoolFile(filepath string) (*PoolFile, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(filepath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load pool config from %q: %w", filepath, err)
	}

	var cfg PoolFile
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to parse pool config from %q: %w", filepath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool config validation failed for %q: %w", filepath, err)
	}

	return &cfg, nil
}
