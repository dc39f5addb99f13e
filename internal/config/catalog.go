package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk model capability catalog.
type Catalog struct {
	Defaults CatalogDefaults `yaml:"defaults"`
	Models   []CatalogModel  `yaml:"models"`
}

// CatalogDefaults fill omitted per-model limits.
type CatalogDefaults struct {
	ContextWindow   int `yaml:"context_window"`
	MaxOutputTokens int `yaml:"max_output_tokens"`
}

// CatalogModel is one catalog entry. ID uses the provider/model form,
// e.g. "openai/gpt-4o"; Provider may be omitted and is then derived
// from the ID prefix.
type CatalogModel struct {
	ID              string   `yaml:"id"`
	Provider        string   `yaml:"provider"`
	Name            string   `yaml:"name"`
	ContextWindow   int      `yaml:"context_window"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
	Capabilities    []string `yaml:"capabilities"`
}

var knownCapabilities = map[string]bool{
	"text":              true,
	"structured_output": true,
	"image_input":       true,
	"streaming":         true,
}

// LoadCatalog reads, defaults and validates the catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML, applies defaults and validates.
func ParseCatalog(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	catalog.applyDefaults()
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

func (c *Catalog) applyDefaults() {
	if c.Defaults.ContextWindow == 0 {
		c.Defaults.ContextWindow = 8192
	}
	if c.Defaults.MaxOutputTokens == 0 {
		c.Defaults.MaxOutputTokens = 4096
	}

	for i := range c.Models {
		m := &c.Models[i]
		if m.Provider == "" {
			if idx := strings.IndexByte(m.ID, '/'); idx > 0 {
				m.Provider = m.ID[:idx]
			}
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		if m.ContextWindow == 0 {
			m.ContextWindow = c.Defaults.ContextWindow
		}
		if m.MaxOutputTokens == 0 {
			m.MaxOutputTokens = c.Defaults.MaxOutputTokens
		}
		if len(m.Capabilities) == 0 {
			m.Capabilities = []string{"text"}
		}
	}
}

// Validate rejects structurally broken catalogs so a bad reload never
// replaces a good snapshot.
func (c *Catalog) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("catalog contains no models")
	}

	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("catalog entry with empty id")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true

		if m.Provider == "" {
			return fmt.Errorf("model %q has no provider and no provider/ prefix", m.ID)
		}
		for _, cap := range m.Capabilities {
			if !knownCapabilities[cap] {
				return fmt.Errorf("model %q declares unknown capability %q", m.ID, cap)
			}
		}
	}
	return nil
}
