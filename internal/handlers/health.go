package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dev.sprung.conductor/internal/llm"
	"dev.sprung.conductor/internal/registry"
	"dev.sprung.conductor/internal/version"
)

// HealthHandler reports process liveness plus cheap in-memory signals:
// build metadata, catalog state, and circuit breaker snapshots. It
// never probes providers over the network; that is what the breakers
// already summarize.
type HealthHandler struct {
	client    *llm.Client
	registry  *registry.Registry
	startedAt time.Time
}

// NewHealthHandler builds a HealthHandler.
func NewHealthHandler(client *llm.Client, reg *registry.Registry) *HealthHandler {
	return &HealthHandler{
		client:    client,
		registry:  reg,
		startedAt: time.Now(),
	}
}

// ProviderStatus is one provider's breaker snapshot on the health
// response.
type ProviderStatus struct {
	State    llm.CircuitState `json:"state"`
	Requests int64            `json:"requests"`
	Failures int64            `json:"failures"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                    `json:"status"`
	Version   version.Info              `json:"version"`
	UptimeSec int64                     `json:"uptime_seconds"`
	Catalog   CatalogStatus             `json:"catalog"`
	Providers map[string]ProviderStatus `json:"providers,omitempty"`
}

// CatalogStatus summarizes the loaded model catalog.
type CatalogStatus struct {
	Models   int       `json:"models"`
	Version  uint64    `json:"version"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Health handles GET /health. Status degrades to "degraded" while any
// provider breaker is open.
func (h *HealthHandler) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   version.Get(),
		UptimeSec: int64(time.Since(h.startedAt).Seconds()),
		Catalog: CatalogStatus{
			Models:   len(h.registry.Models()),
			Version:  h.registry.Version(),
			LoadedAt: h.registry.LoadedAt(),
		},
	}

	if h.client != nil {
		stats := h.client.BreakerStats()
		if len(stats) > 0 {
			resp.Providers = make(map[string]ProviderStatus, len(stats))
			for name, s := range stats {
				resp.Providers[name] = ProviderStatus{
					State:    s.State,
					Requests: s.TotalRequests,
					Failures: s.TotalFailures,
				}
				if s.State == llm.CircuitOpen {
					resp.Status = "degraded"
				}
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}
