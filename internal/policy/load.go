package policy

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML policy document layered over DefaultConfig. Rules in the
// document add to or replace the default rule of the same name; a threshold
// table in the document replaces the default table. Unknown keys are errors.
func Load(r io.Reader) (*Policy, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidPolicy, err)
	}
	return New(cfg)
}

// LoadFile is Load for a file path. An empty path returns Default.
func LoadFile(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("open policy file: %w", err)
	}
	defer func() { _ = f.Close() }()

	p, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}
