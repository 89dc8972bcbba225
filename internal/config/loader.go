package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoadProfilesFile loads and validates a profiles file using Koanf.
//
// Error cases:
//   - File not found or cannot be read
//   - Invalid YAML syntax
//   - Validation failure (unsupported version, missing fields, dangling references)
func LoadProfilesFile(filepath string) (*ProfilesFile, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(filepath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load profiles from %q: %w", filepath, err)
	}

	var profiles ProfilesFile
	if err := k.UnmarshalWithConf("", &profiles, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to parse profiles from %q: %w", filepath, err)
	}

	if err := profiles.Validate(); err != nil {
		return nil, fmt.Errorf("profiles validation failed for %q: %w", filepath, err)
	}

	return &profiles, nil
}
