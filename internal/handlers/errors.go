package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"dev.sprung.conductor/internal/conversation"
	"dev.sprung.conductor/internal/ensemble"
	"dev.sprung.conductor/internal/llm"
	"dev.sprung.conductor/internal/registry"
)

// statusClientClosedRequest mirrors nginx's code for a request the
// client abandoned before the response was ready.
const statusClientClosedRequest = 499

// ErrorBody is the JSON error payload: a stable machine-readable kind,
// a human-readable message, and, for fan-out failures, the per-model
// breakdown.
type ErrorBody struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Models  map[string]string `json:"models,omitempty"`
}

// ErrorResponse wraps ErrorBody under an "error" key.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// classify maps a pipeline error to an HTTP status and wire body.
func classify(err error) (int, ErrorBody) {
	var allFailed *ensemble.AllModelsFailedError
	if errors.As(err, &allFailed) {
		perModel := make(map[string]string, len(allFailed.Errors))
		for id, modelErr := range allFailed.Errors {
			perModel[id] = modelErr.Error()
		}
		return http.StatusBadGateway, ErrorBody{
			Kind:    "all_models_failed",
			Message: "no model produced a usable answer",
			Models:  perModel,
		}
	}

	var exhausted *llm.RetryExhaustedError
	if errors.As(err, &exhausted) {
		return http.StatusBadGateway, ErrorBody{
			Kind:    "retry_exhausted",
			Message: exhausted.Error(),
		}
	}

	switch {
	case errors.Is(err, registry.ErrUnknownModel):
		return http.StatusNotFound, ErrorBody{Kind: "unknown_model", Message: err.Error()}
	case errors.Is(err, conversation.ErrUnknownConversation):
		return http.StatusNotFound, ErrorBody{Kind: "unknown_conversation", Message: err.Error()}
	case errors.Is(err, conversation.ErrConversationClosed):
		return http.StatusConflict, ErrorBody{Kind: "conversation_closed", Message: err.Error()}
	case errors.Is(err, llm.ErrCapabilityMismatch):
		return http.StatusBadRequest, ErrorBody{Kind: "capability_mismatch", Message: err.Error()}
	case errors.Is(err, llm.ErrCircuitOpen):
		return http.StatusServiceUnavailable, ErrorBody{Kind: "circuit_open", Message: err.Error()}
	case errors.Is(err, llm.ErrProviderNotConfigured), errors.Is(err, llm.ErrMissingCredentials):
		return http.StatusServiceUnavailable, ErrorBody{Kind: "provider_unavailable", Message: err.Error()}
	case llm.IsCancelled(err):
		return statusClientClosedRequest, ErrorBody{Kind: "cancelled", Message: err.Error()}
	}

	var transport *llm.TransportError
	if errors.As(err, &transport) {
		return http.StatusBadGateway, ErrorBody{Kind: "upstream_error", Message: transport.Error()}
	}

	return http.StatusInternalServerError, ErrorBody{Kind: "internal_error", Message: err.Error()}
}

// writeError renders err as the canonical JSON error body. Provider
// rate limits propagate their suggested wait via Retry-After.
func writeError(c *gin.Context, err error) {
	status, body := classify(err)
	if wait, ok := llm.RetryAfter(err); ok {
		c.Header("Retry-After", fmt.Sprintf("%d", int(wait.Seconds())))
	}
	c.JSON(status, ErrorResponse{Error: body})
}

// writeBindError renders a request-decoding failure.
func writeBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorBody{
		Kind:    "invalid_request",
		Message: err.Error(),
	}})
}
