// Package registry maps model identifiers to their capability sets and
// catalog metadata. Lookups are lock-free reads against an immutable
// snapshot; Reload replaces the whole table atomically so readers never
// observe a partially updated view.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"dev.sprung.conductor/internal/config"
)

// ErrUnknownModel reports a lookup for a model id absent from the
// current snapshot.
var ErrUnknownModel = errors.New("unknown model")

// Capability names one feature a model backend supports.
type Capability string

const (
	CapabilityText             Capability = "text"
	CapabilityStructuredOutput Capability = "structured_output"
	CapabilityImageInput       Capability = "image_input"
	CapabilityStreaming        Capability = "streaming"
)

// CapabilitySet is the feature set of one model.
type CapabilitySet struct {
	Text             bool `json:"text"`
	StructuredOutput bool `json:"structured_output"`
	ImageInput       bool `json:"image_input"`
	Streaming        bool `json:"streaming"`
}

// Has reports whether the set includes the given capability.
func (s CapabilitySet) Has(c Capability) bool {
	switch c {
	case CapabilityText:
		return s.Text
	case CapabilityStructuredOutput:
		return s.StructuredOutput
	case CapabilityImageInput:
		return s.ImageInput
	case CapabilityStreaming:
		return s.Streaming
	default:
		return false
	}
}

// List returns the enabled capabilities in declaration order.
func (s CapabilitySet) List() []Capability {
	var caps []Capability
	if s.Text {
		caps = append(caps, CapabilityText)
	}
	if s.StructuredOutput {
		caps = append(caps, CapabilityStructuredOutput)
	}
	if s.ImageInput {
		caps = append(caps, CapabilityImageInput)
	}
	if s.Streaming {
		caps = append(caps, CapabilityStreaming)
	}
	return caps
}

// ModelInfo is one registry entry.
type ModelInfo struct {
	ID              string        `json:"id"`
	Provider        string        `json:"provider"`
	Name            string        `json:"name"`
	Capabilities    CapabilitySet `json:"capabilities"`
	ContextWindow   int           `json:"context_window"`
	MaxOutputTokens int           `json:"max_output_tokens"`
}

// Loader produces a fresh model table, typically from the YAML catalog.
type Loader func() ([]ModelInfo, error)

type snapshot struct {
	models   map[string]ModelInfo
	loadedAt time.Time
}

// Registry holds the current capability snapshot.
type Registry struct {
	loader  Loader
	logger  *logrus.Logger
	snap    atomic.Pointer[snapshot]
	version atomic.Uint64
}

// New builds a Registry from loader, performing the initial load.
func New(loader Loader, logger *logrus.Logger) (*Registry, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Registry{loader: loader, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStatic builds a Registry over a fixed model table.
func NewStatic(models []ModelInfo, logger *logrus.Logger) *Registry {
	r, _ := New(func() ([]ModelInfo, error) { return models, nil }, logger)
	return r
}

// CatalogLoader returns a Loader reading the YAML catalog at path.
func CatalogLoader(path string) Loader {
	return func() ([]ModelInfo, error) {
		catalog, err := config.LoadCatalog(path)
		if err != nil {
			return nil, err
		}
		return FromCatalog(catalog), nil
	}
}

// FromCatalog converts catalog entries to registry entries.
func FromCatalog(catalog *config.Catalog) []ModelInfo {
	models := make([]ModelInfo, 0, len(catalog.Models))
	for _, m := range catalog.Models {
		info := ModelInfo{
			ID:              m.ID,
			Provider:        m.Provider,
			Name:            m.Name,
			ContextWindow:   m.ContextWindow,
			MaxOutputTokens: m.MaxOutputTokens,
		}
		for _, c := range m.Capabilities {
			switch Capability(c) {
			case CapabilityText:
				info.Capabilities.Text = true
			case CapabilityStructuredOutput:
				info.Capabilities.StructuredOutput = true
			case CapabilityImageInput:
				info.Capabilities.ImageInput = true
			case CapabilityStreaming:
				info.Capabilities.Streaming = true
			}
		}
		models = append(models, info)
	}
	return models
}

// Reload invokes the loader and atomically swaps in the new table. On
// loader failure the previous snapshot stays in place.
func (r *Registry) Reload() error {
	models, err := r.loader()
	if err != nil {
		return fmt.Errorf("registry reload failed: %w", err)
	}

	table := make(map[string]ModelInfo, len(models))
	for _, m := range models {
		table[m.ID] = m
	}

	r.snap.Store(&snapshot{models: table, loadedAt: time.Now()})
	version := r.version.Add(1)
	r.logger.WithFields(logrus.Fields{
		"models":  len(table),
		"version": version,
	}).Info("Model registry loaded")
	return nil
}

// Model returns the entry for id.
func (r *Registry) Model(id string) (ModelInfo, error) {
	snap := r.snap.Load()
	info, ok := snap.models[id]
	if !ok {
		return ModelInfo{}, fmt.Errorf("%w %q", ErrUnknownModel, id)
	}
	return info, nil
}

// Capabilities returns the capability set for id.
func (r *Registry) Capabilities(id string) (CapabilitySet, error) {
	info, err := r.Model(id)
	if err != nil {
		return CapabilitySet{}, err
	}
	return info.Capabilities, nil
}

// Models returns all entries sorted by id.
func (r *Registry) Models() []ModelInfo {
	snap := r.snap.Load()
	models := make([]ModelInfo, 0, len(snap.models))
	for _, m := range snap.models {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models
}

// ModelsSupporting returns the ids of all models with capability c,
// sorted.
func (r *Registry) ModelsSupporting(c Capability) []string {
	snap := r.snap.Load()
	var ids []string
	for id, m := range snap.models {
		if m.Capabilities.Has(c) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// LoadedAt returns when the current snapshot was installed.
func (r *Registry) LoadedAt() time.Time {
	return r.snap.Load().loadedAt
}

// Version returns the snapshot generation counter, starting at 1 after
// the initial load.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}
