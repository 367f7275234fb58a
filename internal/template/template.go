// Package template defines the per-artifact-kind document templates that
// drive plan construction: which sections a document has, which subagents
// write and assemble them, and the prompt guidance handed to the generation
// client. Defaults are embedded; a directory of YAML files can override them.
package template

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var embedded embed.FS

// Section is one named part of a document and the guidance its writer
// receives
type Section struct {
	ID       string `yaml:"id"`
	Title    string `yaml:"title"`
	Guidance string `yaml:"guidance"`
}

// Definition describes how one artifact kind is produced
type Definition struct {
	// Kind is the artifact kind this template produces
	Kind string `yaml:"kind"`

	// Title is the human-readable document name
	Title string `yaml:"title"`

	// SystemPrompt primes the generation client for every step of this kind
	SystemPrompt string `yaml:"systemPrompt"`

	// Writer is the subagent id that writes individual sections
	Writer string `yaml:"writer"`

	// Assembler is the subagent id that merges section outputs or revises
	// an existing artifact
	Assembler string `yaml:"assembler"`

	// Researcher, when set, inserts a research sub-agent step between
	// analysis and assembly
	Researcher string `yaml:"researcher"`

	// ResearchApproval marks the research step as an approval checkpoint
	ResearchApproval bool `yaml:"researchApproval"`

	// Sections lists the document sections in order
	Sections []Section `yaml:"sections"`
}

// Validate checks a definition for the fields plan construction depends on
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Kind) == "" {
		return errors.New("template: kind cannot be empty")
	}
	seen := make(map[string]bool, len(d.Sections))
	for _, section := range d.Sections {
		if strings.TrimSpace(section.ID) == "" {
			return fmt.Errorf("template %s: section id cannot be empty", d.Kind)
		}
		if seen[section.ID] {
			return fmt.Errorf("template %s: duplicate section id %q", d.Kind, section.ID)
		}
		seen[section.ID] = true
	}
	if len(d.Sections) == 0 && d.Researcher == "" {
		return fmt.Errorf("template %s: needs sections or a researcher", d.Kind)
	}
	return nil
}

// Normalized fills defaulted subagent references
func (d *Definition) Normalized() *Definition {
	def := *d
	def.Kind = strings.TrimSpace(def.Kind)
	if def.Writer == "" {
		def.Writer = "section-writer"
	}
	if def.Assembler == "" {
		def.Assembler = "assembler"
	}
	return &def
}

// Section returns the section with the given id, if present
func (d *Definition) Section(id string) (Section, bool) {
	for _, section := range d.Sections {
		if section.ID == id {
			return section, true
		}
	}
	return Section{}, false
}

// SectionIDs returns the section ids in template order
func (d *Definition) SectionIDs() []string {
	ids := make([]string, 0, len(d.Sections))
	for _, section := range d.Sections {
		ids = append(ids, section.ID)
	}
	return ids
}

// ParseDefinitionYAML decodes and validates a single template payload
func ParseDefinitionYAML(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("template: definition payload is empty")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("template: decode definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def.Normalized(), nil
}

// Registry holds the loaded definitions keyed by artifact kind
type Registry struct {
	defs map[string]*Definition
}

// Get returns the definition for an artifact kind
func (r *Registry) Get(kind string) (*Definition, bool) {
	def, ok := r.defs[kind]
	return def, ok
}

// Kinds returns the known artifact kinds, sorted
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.defs))
	for kind := range r.defs {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Load builds a registry from the embedded defaults, then applies any *.yaml
// definitions found in dir on top (same-kind definitions replace the
// embedded ones). An empty or missing dir means embedded defaults only.
func Load(dir string) (*Registry, error) {
	registry := &Registry{defs: make(map[string]*Definition)}

	entries, err := fs.ReadDir(embedded, "templates")
	if err != nil {
		return nil, fmt.Errorf("template: read embedded templates: %w", err)
	}
	for _, entry := range entries {
		data, err := embedded.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("template: read embedded %s: %w", entry.Name(), err)
		}
		def, err := ParseDefinitionYAML(data)
		if err != nil {
			return nil, fmt.Errorf("template: embedded %s: %w", entry.Name(), err)
		}
		registry.defs[def.Kind] = def
	}

	if strings.TrimSpace(dir) == "" {
		return registry, nil
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return registry, nil
		}
		return nil, fmt.Errorf("template: read %s: %w", dir, err)
	}
	for _, entry := range dirEntries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("template: read %s: %w", path, err)
		}
		def, err := ParseDefinitionYAML(data)
		if err != nil {
			return nil, fmt.Errorf("template: %s: %w", path, err)
		}
		registry.defs[def.Kind] = def
	}

	return registry, nil
}

// MustLoadEmbedded returns the embedded defaults and panics on a broken
// build. Only init-time callers with no error path use this.
func MustLoadEmbedded() *Registry {
	registry, err := Load("")
	if err != nil {
		panic(err)
	}
	return registry
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
