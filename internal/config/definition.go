package config

import (
	"fmt"
	"strings"
)

// Pipeline modes.
const (
	// ModeChain runs the top-level stages as a dependent chain.
	ModeChain = "chain"

	// ModeMerge runs the top-level stages concurrently and merges their output.
	ModeMerge = "merge"
)

// Composite stage types. Their sub-stages are listed under "stages".
const (
	StageTypeChain = "chain"
	StageTypeMerge = "merge"
)

// StageConfig describes one stage of a definition.
type StageConfig struct {
	// Name identifies the stage. Downstream stages refer to its current
	// item as ${name} in their options.
	Name string `yaml:"name"`

	// Type selects the stage implementation (values, files, query, ...).
	Type string `yaml:"type"`

	// Options are type specific. Values may contain ${name} and
	// ${name.attr} references.
	Options map[string]string `yaml:"options,omitempty"`

	// Stages are the sub-stages of a chain or merge stage.
	Stages []StageConfig `yaml:"stages,omitempty"`
}

// IsComposite reports whether the stage owns sub-stages.
func (s StageConfig) IsComposite() bool {
	return s.Type == StageTypeChain || s.Type == StageTypeMerge
}

// Option returns the named option or def when it is not set.
func (s StageConfig) Option(name, def string) string {
	if v, ok := s.Options[name]; ok && v != "" {
		return v
	}
	return def
}

// Definition is a pipeline definition file.
//
//	name: nightly-digest
//	mode: chain
//	engine:
//	  workers: 8
//	stages:
//	  - name: file
//	    type: files
//	    options: {root: ./data, pattern: "*.txt"}
//	  - name: sum
//	    type: digest
type Definition struct {
	// Name labels the run in reports and history.
	Name string `yaml:"name"`

	// Description is free text shown by the init template.
	Description string `yaml:"description,omitempty"`

	// Mode is "chain" or "merge". Defaults to chain.
	Mode string `yaml:"mode,omitempty"`

	// Engine overrides the tunables given on the command line.
	Engine Engine `yaml:"engine,omitempty"`

	// MaxItems stops the run after this many items. Zero keeps the
	// command-line value.
	MaxItems int `yaml:"maxItems,omitempty"`

	// Stages are the top-level stages.
	Stages []StageConfig `yaml:"stages"`

	// Path is the file the definition was loaded from.
	Path string `yaml:"-"`
}

// Validate checks the definition structure. Stage types and options are
// checked when the stages are built.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return ErrNoPipelineName
	}
	switch d.Mode {
	case "", ModeChain, ModeMerge:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, d.Mode)
	}
	if err := d.Engine.validatePartial(); err != nil {
		return err
	}
	if d.MaxItems < 0 {
		return ErrInvalidMaxItems
	}
	return validateStages(d.Stages, d.Name)
}

// RunMode returns the mode, defaulting to chain.
func (d *Definition) RunMode() string {
	if d.Mode == "" {
		return ModeChain
	}
	return d.Mode
}

func validateStages(stages []StageConfig, parent string) error {
	if len(stages) == 0 {
		return fmt.Errorf("%s: %w", parent, ErrNoStages)
	}
	seen := make(map[string]struct{}, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return fmt.Errorf("%s: stage %d: %w", parent, i, ErrStageNameRequired)
		}
		if s.Type == "" {
			return fmt.Errorf("%s: stage %q: %w", parent, s.Name, ErrStageTypeRequired)
		}
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("%s: %w: %q", parent, ErrDuplicateStageName, s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.IsComposite() {
			if err := validateStages(s.Stages, parent+"/"+s.Name); err != nil {
				return err
			}
		}
	}
	return nil
}
