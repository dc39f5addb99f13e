package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
defaults:
  context_window: 16000
  max_output_tokens: 2000

models:
  - id: openai/gpt-4o
    name: GPT-4o
    context_window: 128000
    max_output_tokens: 16384
    capabilities: [text, structured_output, image_input, streaming]

  - id: anthropic/claude-sonnet
    capabilities: [text, structured_output, streaming]

  - id: ollama/llama3
    provider: ollama
`

func TestParseCatalog(t *testing.T) {
	catalog, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)
	require.Len(t, catalog.Models, 3)

	gpt := catalog.Models[0]
	assert.Equal(t, "openai", gpt.Provider)
	assert.Equal(t, "GPT-4o", gpt.Name)
	assert.Equal(t, 128000, gpt.ContextWindow)

	claude := catalog.Models[1]
	assert.Equal(t, "anthropic", claude.Provider)
	assert.Equal(t, "anthropic/claude-sonnet", claude.Name)
	// Defaults applied to omitted limits.
	assert.Equal(t, 16000, claude.ContextWindow)
	assert.Equal(t, 2000, claude.MaxOutputTokens)

	llama := catalog.Models[2]
	assert.Equal(t, "ollama", llama.Provider)
	// Bare entries still support text.
	assert.Equal(t, []string{"text"}, llama.Capabilities)
}

func TestParseCatalogErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"empty", "models: []", "no models"},
		{"bad yaml", ":\n  - broken", "parse"},
		{"missing id", "models:\n  - name: x", "empty id"},
		{
			"duplicate id",
			"models:\n  - id: a/b\n  - id: a/b",
			"duplicate",
		},
		{"no provider", "models:\n  - id: bare-name", "no provider"},
		{
			"unknown capability",
			"models:\n  - id: a/b\n    capabilities: [telepathy]",
			"unknown capability",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, catalog.Models, 3)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
