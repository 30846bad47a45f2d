package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SettingsFromFile loads pipeline settings from a YAML or JSON file and
// applies defaults for anything the file leaves unset. Read errors wrap
// the underlying error, so callers can test os.ErrNotExist and fall
// back to Defaults.
func SettingsFromFile(path string) (Settings, error) {
	c, err := FromFile(path)
	if err != nil {
		return Settings{}, err
	}
	return Resolve(c), nil
}

// FromFile loads a raw Config from a file, picking the parser by
// extension (.yaml, .yml, .json).
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var unmarshal func([]byte, any) error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		unmarshal = yaml.Unmarshal
	case ".json":
		unmarshal = json.Unmarshal
	default:
		return Config{}, fmt.Errorf("unsupported config file extension %q", ext)
	}
	return parse(data, unmarshal)
}

// FromYAML parses YAML data into a Config.
func FromYAML(data []byte) (Config, error) {
	return parse(data, yaml.Unmarshal)
}

// FromJSON parses JSON data into a Config.
func FromJSON(data []byte) (Config, error) {
	return parse(data, json.Unmarshal)
}

func parse(data []byte, unmarshal func([]byte, any) error) (Config, error) {
	var m map[string]any
	if err := unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return New(m), nil
}
