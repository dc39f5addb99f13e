package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"dev.sprung.conductor/internal/registry"
)

// CatalogHandler exposes the model capability catalog.
type CatalogHandler struct {
	registry *registry.Registry
}

// NewCatalogHandler builds a CatalogHandler.
func NewCatalogHandler(reg *registry.Registry) *CatalogHandler {
	return &CatalogHandler{registry: reg}
}

// ListModels handles GET /v1/models. An optional capability query
// parameter filters to models supporting that feature.
func (h *CatalogHandler) ListModels(c *gin.Context) {
	infos := h.registry.Models()

	if capName := c.Query("capability"); capName != "" {
		capability := registry.Capability(capName)
		switch capability {
		case registry.CapabilityText, registry.CapabilityStructuredOutput,
			registry.CapabilityImageInput, registry.CapabilityStreaming:
		default:
			writeBindError(c, fmt.Errorf("unknown capability %q", capName))
			return
		}

		filtered := infos[:0]
		for _, info := range infos {
			if info.Capabilities.Has(capability) {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"models":          infos,
		"count":           len(infos),
		"catalog_version": h.registry.Version(),
		"loaded_at":       h.registry.LoadedAt(),
	})
}

// GetModel handles GET /v1/models/:id.
func (h *CatalogHandler) GetModel(c *gin.Context) {
	info, err := h.registry.Model(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
