// Package handlers implements the HTTP request handlers of the REST
// API. Handlers translate between wire DTOs and the orchestrator
// facade; they hold no pipeline logic of their own.
//
// # Endpoints
//
//	POST   /v1/complete                      - One-shot completion
//	POST   /v1/complete/stream               - Completion as SSE stream
//	GET    /v1/complete/ws                   - Completion over WebSocket
//	POST   /v1/parallel                      - Fan-out round with voting
//	POST   /v1/conversations                 - Create a conversation
//	GET    /v1/conversations                 - List conversations
//	GET    /v1/conversations/:id             - Full transcript
//	POST   /v1/conversations/:id/messages    - Run the next turn
//	POST   /v1/conversations/:id/close       - Close the transcript
//	DELETE /v1/conversations/:id             - Delete the transcript
//	GET    /v1/models                        - Capability catalog
//	GET    /v1/models/:id                    - One catalog entry
//	GET    /health                           - Liveness plus breaker state
//
// # Errors
//
// Every error body has the shape
//
//	{"error": {"kind": "...", "message": "...", "models": {...}}}
//
// where kind is a stable machine-readable tag (unknown_model,
// conversation_closed, retry_exhausted, all_models_failed, ...) and
// models carries the per-model breakdown of fan-out failures.
package handlers
