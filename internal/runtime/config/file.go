package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout: one entry per bus, keyed by Config.Key.
type File struct {
	Buses []Config `yaml:"buses"`
}

// LoadFile reads and parses a YAML bus file. ${VAR} references are expanded
// from the environment before parsing.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML bus file. Unknown keys are rejected.
func Parse(raw []byte) (*File, error) {
	expanded := os.ExpandEnv(string(raw))

	dec := yaml.NewDecoder(bytes.NewBufferString(expanded))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := f.validateKeys(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validateKeys() error {
	if len(f.Buses) == 0 {
		return errors.New("parse config: no buses defined")
	}
	seen := make(map[string]struct{}, len(f.Buses))
	for i, bus := range f.Buses {
		if bus.Key == "" {
			return fmt.Errorf("parse config: bus #%d has no key", i)
		}
		if _, dup := seen[bus.Key]; dup {
			return fmt.Errorf("parse config: duplicate bus key %q", bus.Key)
		}
		seen[bus.Key] = struct{}{}
	}
	return nil
}

// Get returns the bus configured under key.
func (f *File) Get(key string) (Config, bool) {
	for _, bus := range f.Buses {
		if bus.Key == key {
			return bus, true
		}
	}
	return Config{}, false
}

// Keys lists the configured bus keys in file order.
func (f *File) Keys() []string {
	keys := make([]string, 0, len(f.Buses))
	for _, bus := range f.Buses {
		keys = append(keys, bus.Key)
	}
	return keys
}
