package roster

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileFormat is the on-disk roster document.
type fileFormat struct {
	Roles []Role `yaml:"roles"`
}

// Parse decodes and validates a roster payload.
func Parse(data []byte) (*Template, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("roster: file is empty")
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("roster: decode: %w", err)
	}
	return New(f.Roles)
}

// Load reads a roster file from disk.
func Load(path string) (*Template, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("roster: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("roster: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roster: read %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("roster: %s: %w", path, err)
	}
	return t, nil
}
