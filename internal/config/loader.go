package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultDefinitionFile is the definition file looked up when none is given.
const DefaultDefinitionFile = "pipechain.yaml"

// LoadDefinition loads and validates a pipeline definition from a YAML file.
// If the file does not exist, it returns ErrDefinitionNotFound.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-provided definition path is intentional
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, path)
		}
		return nil, err
	}

	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	def.Path = path
	return def, nil
}

// ParseDefinition decodes and validates a definition. Unknown keys are
// rejected so that typos do not silently drop options.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// FindDefinitionFile searches for a definition file in the following order:
// 1. If path is specified, use it directly
// 2. Look for pipechain.yaml in the current directory
// 3. Look for pipechain.yaml in the XDG config directory
//
// Returns the path to the definition file if found, or empty string if not found.
func FindDefinitionFile(path string) string {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err == nil {
		cwdDef := filepath.Join(cwd, DefaultDefinitionFile)
		if _, err := os.Stat(cwdDef); err == nil {
			return cwdDef
		}
	}

	xdgDef := filepath.Join(XDGConfigDir(), DefaultDefinitionFile)
	if _, err := os.Stat(xdgDef); err == nil {
		return xdgDef
	}

	return ""
}
