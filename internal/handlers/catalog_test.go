package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.sprung.conductor/internal/registry"
)

func TestListModels(t *testing.T) {
	r := newRig(t, &mockProvider{completeFn: reply("ok")})

	w := r.get(t, "/v1/models")
	require.Equal(t, http.StatusOK, w.Code)

	list := decodeJSON[struct {
		Models         []registry.ModelInfo `json:"models"`
		Count          int                  `json:"count"`
		CatalogVersion uint64               `json:"catalog_version"`
	}](t, w)
	assert.Equal(t, 3, list.Count)
	require.Len(t, list.Models, 3)
	assert.Equal(t, uint64(1), list.CatalogVersion)

	// Sorted by id.
	assert.Equal(t, "mock-alt", list.Models[0].ID)
	assert.Equal(t, "mock-basic", list.Models[1].ID)
	assert.Equal(t, "mock-chat", list.Models[2].ID)
}

func TestListModels_CapabilityFilter(t *testing.T) {
	r := newRig(t, &mockProvider{completeFn: reply("ok")})

	w := r.get(t, "/v1/models?capability=streaming")
	require.Equal(t, http.StatusOK, w.Code)

	list := decodeJSON[struct {
		Models []registry.ModelInfo `json:"models"`
		Count  int                  `json:"count"`
	}](t, w)
	assert.Equal(t, 2, list.Count)
	for _, m := range list.Models {
		assert.True(t, m.Capabilities.Streaming)
	}
}

func TestListModels_UnknownCapability(t *testing.T) {
	r := newRig(t, &mockProvider{completeFn: reply("ok")})

	w := r.get(t, "/v1/models?capability=telepathy")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", errorKindOf(t, w))
}

func TestGetModel(t *testing.T) {
	r := newRig(t, &mockProvider{completeFn: reply("ok")})

	w := r.get(t, "/v1/models/mock-chat")
	require.Equal(t, http.StatusOK, w.Code)

	info := decodeJSON[registry.ModelInfo](t, w)
	assert.Equal(t, "mock-chat", info.ID)
	assert.Equal(t, "mock", info.Provider)
	assert.True(t, info.Capabilities.StructuredOutput)
	assert.Equal(t, 128000, info.ContextWindow)
}

func TestGetModel_Unknown(t *testing.T) {
	r := newRig(t, &mockProvider{completeFn: reply("ok")})

	w := r.get(t, "/v1/models/ghost")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "unknown_model", errorKindOf(t, w))
}
