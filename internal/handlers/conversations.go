package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dev.sprung.conductor/internal/conversation"
	"dev.sprung.conductor/internal/observability"
	"dev.sprung.conductor/internal/orchestrator"
	"dev.sprung.conductor/internal/structured"
)

// ConversationHandler serves the conversation lifecycle: create, read,
// close, delete, and running the next turn.
type ConversationHandler struct {
	orch          *orchestrator.Orchestrator
	conversations *conversation.Manager
	metrics       *observability.Collector
	log           *logrus.Logger
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(orch *orchestrator.Orchestrator, manager *conversation.Manager, metrics *observability.Collector, log *logrus.Logger) *ConversationHandler {
	if metrics == nil {
		metrics = observability.NewCollector(nil)
	}
	if log == nil {
		log = logrus.New()
	}
	return &ConversationHandler{orch: orch, conversations: manager, metrics: metrics, log: log}
}

// CreateConversationRequest is the body of POST /v1/conversations.
type CreateConversationRequest struct {
	Title        string `json:"title"`
	SystemPrompt string `json:"system_prompt"`
}

// ConversationSummary is one list entry: the transcript metadata
// without the messages themselves.
type ConversationSummary struct {
	ID           string             `json:"id"`
	Title        string             `json:"title,omitempty"`
	State        conversation.State `json:"state"`
	MessageCount int                `json:"message_count"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func summarize(conv *conversation.Conversation) ConversationSummary {
	return ConversationSummary{
		ID:           conv.ID,
		Title:        conv.Title,
		State:        conv.State,
		MessageCount: len(conv.Messages),
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
	}
}

// Create handles POST /v1/conversations.
func (h *ConversationHandler) Create(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	conv, err := h.conversations.Start(c.Request.Context(), req.Title, req.SystemPrompt)
	if err != nil {
		writeError(c, err)
		return
	}

	h.log.WithField("conversation_id", conv.ID).Info("Conversation created")
	c.JSON(http.StatusCreated, conv)
}

// Get handles GET /v1/conversations/:id, returning the full transcript.
func (h *ConversationHandler) Get(c *gin.Context) {
	conv, err := h.conversations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// List handles GET /v1/conversations.
func (h *ConversationHandler) List(c *gin.Context) {
	convs, err := h.conversations.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	summaries := make([]ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summaries = append(summaries, summarize(conv))
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": summaries,
		"count":         len(summaries),
	})
}

// SendMessageRequest is the body of POST /v1/conversations/:id/messages.
type SendMessageRequest struct {
	Message string                   `json:"message" binding:"required"`
	Model   string                   `json:"model" binding:"required"`
	Schema  *structured.Schema       `json:"schema"`
	Params  *GenerationParamsRequest `json:"params"`
	Stream  bool                     `json:"stream"`
}

// SendMessage handles POST /v1/conversations/:id/messages: the message
// becomes the next turn and the model's structured result is returned.
// With stream set, chunks are sent as server-sent events instead.
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	execReq := orchestrator.ExecuteRequest{
		ConversationID: c.Param("id"),
		Prompt:         req.Message,
		ModelID:        req.Model,
		Schema:         req.Schema,
		Params:         req.Params.toParams(),
	}

	if req.Stream {
		h.streamTurn(c, execReq)
		return
	}

	result, err := h.orch.Execute(c.Request.Context(), execReq)
	if err != nil {
		writeError(c, err)
		return
	}

	h.metrics.ObserveResult(result)
	c.JSON(http.StatusOK, result)
}

func (h *ConversationHandler) streamTurn(c *gin.Context, req orchestrator.ExecuteRequest) {
	ctx := c.Request.Context()
	stream, err := h.orch.ExecuteStream(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, errStreamingUnsupported)
		return
	}

	h.metrics.StreamStarted()
	defer h.metrics.StreamEnded()

StreamLoop:
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, open := <-stream:
			if !open {
				break StreamLoop
			}
			if chunk.Done && chunk.Result != nil {
				h.metrics.ObserveResult(chunk.Result)
			}
			if !writeSSE(c, flusher, frameFor(chunk)) {
				return
			}
			if chunk.Done {
				break StreamLoop
			}
		}
	}

	c.Writer.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// Close handles POST /v1/conversations/:id/close. Closing is
// idempotent; further appends fail until the conversation is deleted.
func (h *ConversationHandler) Close(c *gin.Context) {
	id := c.Param("id")
	if err := h.conversations.Close(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":    id,
		"state": conversation.StateClosed,
	})
}

// Delete handles DELETE /v1/conversations/:id.
func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.conversations.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
