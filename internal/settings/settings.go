// Package settings decides which default parameters belong to which event
// category.
//
// A settings file maps category names to parameter defaults:
//
//	categories:
//	  all:
//	    app_version: "2.3.0"
//	  commerce:
//	    currency: USD
//
// The reserved "all" category applies to every record. YAML (.yaml, .yml)
// and CUE (.cue) files are accepted.
package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/lytics/internal/event"
)

// Provider returns default parameters for a record's categories.
type Provider interface {
	// Defaults returns the layers to merge for the given categories, the
	// "all" layer first and then each named category in order. Callers
	// merge their own parameters on top.
	Defaults(categories []string) []map[string]any
}

// File is the on-disk settings shape.
type File struct {
	Categories map[string]map[string]any `yaml:"categories" json:"categories"`
}

// Static is an in-memory Provider.
type Static struct {
	categories map[string]event.Parameters
}

// NewStatic validates categories and returns a Provider over them.
func NewStatic(categories map[string]map[string]any) (*Static, error) {
	s := &Static{categories: make(map[string]event.Parameters, len(categories))}
	for name, params := range categories {
		key := event.NormalizeName(name)
		if key == "" {
			return nil, fmt.Errorf("settings: blank category name")
		}
		norm, err := event.NormalizeParameters(params)
		if err != nil {
			return nil, fmt.Errorf("settings: category %q: %w", key, err)
		}
		s.categories[key] = norm
	}
	return s, nil
}

// Empty returns a Provider with no defaults.
func Empty() *Static {
	return &Static{categories: map[string]event.Parameters{}}
}

// Defaults implements Provider.
func (s *Static) Defaults(categories []string) []map[string]any {
	layers := make([]map[string]any, 0, len(categories)+1)
	if all, ok := s.categories[event.AllCategory]; ok {
		layers = append(layers, all.Clone())
	}
	for _, c := range categories {
		if c == event.AllCategory {
			continue
		}
		if params, ok := s.categories[c]; ok {
			layers = append(layers, params.Clone())
		}
	}
	return layers
}

// Categories returns the configured category names, sorted.
func (s *Static) Categories() []string {
	return slices.Sorted(maps.Keys(s.categories))
}

// Load reads a settings file. An empty path returns Empty().
func Load(path string) (*Static, error) {
	if path == "" {
		return Empty(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}

	var file File
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("settings: parse %s: %w", path, err)
		}
	case ".cue":
		if err := decodeCUE(path, data, &file); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("settings: unsupported file type %q", ext)
	}

	return NewStatic(file.Categories)
}

// decodeCUE evaluates a CUE settings file and decodes its concrete value.
// The value goes through JSON with UseNumber so integers stay integers.
func decodeCUE(path string, data []byte, file *File) error {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return fmt.Errorf("settings: compile %s: %w", path, err)
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("settings: %s is not concrete: %w", path, err)
	}

	raw, err := value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("settings: export %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(file); err != nil {
		return fmt.Errorf("settings: decode %s: %w", path, err)
	}
	return nil
}
