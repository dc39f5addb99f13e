package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dev.sprung.conductor/internal/ensemble"
	"dev.sprung.conductor/internal/models"
	"dev.sprung.conductor/internal/observability"
	"dev.sprung.conductor/internal/orchestrator"
	"dev.sprung.conductor/internal/structured"
)

// CompletionHandler serves single-model completions, their streaming
// variants, and parallel fan-out rounds.
type CompletionHandler struct {
	orch    *orchestrator.Orchestrator
	metrics *observability.Collector
	log     *logrus.Logger
}

// NewCompletionHandler builds a CompletionHandler. A nil collector gets
// a private registry; a nil logger gets a default one.
func NewCompletionHandler(orch *orchestrator.Orchestrator, metrics *observability.Collector, log *logrus.Logger) *CompletionHandler {
	if metrics == nil {
		metrics = observability.NewCollector(nil)
	}
	if log == nil {
		log = logrus.New()
	}
	return &CompletionHandler{orch: orch, metrics: metrics, log: log}
}

// GenerationParamsRequest carries the optional sampling overrides of a
// request. Nil fields fall back to the configured defaults.
type GenerationParamsRequest struct {
	Temperature   *float64 `json:"temperature"`
	TopP          *float64 `json:"top_p"`
	MaxTokens     *int     `json:"max_tokens"`
	StopSequences []string `json:"stop_sequences"`
}

func (p *GenerationParamsRequest) toParams() models.GenerationParams {
	if p == nil {
		return models.GenerationParams{}
	}
	return models.GenerationParams{
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		MaxTokens:     p.MaxTokens,
		StopSequences: p.StopSequences,
	}
}

// AttachmentRequest is one binary payload on a completion request.
type AttachmentRequest struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// CompleteRequest is the body of POST /v1/complete and its streaming
// variants. A non-empty conversation_id runs the prompt as the next
// turn of that transcript.
type CompleteRequest struct {
	ConversationID string                   `json:"conversation_id"`
	Prompt         string                   `json:"prompt" binding:"required"`
	Model          string                   `json:"model" binding:"required"`
	Schema         *structured.Schema       `json:"schema"`
	Params         *GenerationParamsRequest `json:"params"`
	Attachments    []AttachmentRequest      `json:"attachments"`
}

func (r *CompleteRequest) toExecuteRequest() orchestrator.ExecuteRequest {
	var attachments []models.Attachment
	for _, a := range r.Attachments {
		attachments = append(attachments, models.Attachment{MIMEType: a.MIMEType, Data: a.Data})
	}
	return orchestrator.ExecuteRequest{
		ConversationID: r.ConversationID,
		Prompt:         r.Prompt,
		ModelID:        r.Model,
		Schema:         r.Schema,
		Params:         r.Params.toParams(),
		Attachments:    attachments,
	}
}

// ParallelRequest is the body of POST /v1/parallel. An empty scheme
// selects the configured default.
type ParallelRequest struct {
	Prompt string                   `json:"prompt" binding:"required"`
	Models []string                 `json:"models" binding:"required"`
	Schema *structured.Schema       `json:"schema"`
	Params *GenerationParamsRequest `json:"params"`
	Scheme string                   `json:"scheme"`
}

// Complete handles POST /v1/complete.
func (h *CompletionHandler) Complete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	result, err := h.orch.Execute(c.Request.Context(), req.toExecuteRequest())
	if err != nil {
		h.log.WithError(err).WithField("model", req.Model).Warn("Completion failed")
		writeError(c, err)
		return
	}

	h.metrics.ObserveResult(result)
	c.JSON(http.StatusOK, result)
}

// Parallel handles POST /v1/parallel.
func (h *CompletionHandler) Parallel(c *gin.Context) {
	var req ParallelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	start := time.Now()
	result, err := h.orch.ExecuteParallel(c.Request.Context(), orchestrator.ParallelRequest{
		Prompt:   req.Prompt,
		ModelIDs: req.Models,
		Schema:   req.Schema,
		Params:   req.Params.toParams(),
		Scheme:   ensemble.Scheme(req.Scheme),
	})
	if err != nil {
		h.log.WithError(err).WithField("models", req.Models).Warn("Parallel round failed")
		writeError(c, err)
		return
	}

	winner := ""
	if result.Winner != nil {
		winner = result.Winner.ModelID
		h.metrics.ObserveResult(result.Winner)
	}
	h.metrics.ObserveRound(string(result.Scheme), winner, time.Since(start))
	c.JSON(http.StatusOK, result)
}

// streamFrame is one SSE or WebSocket message of a streaming
// completion. Delta frames carry incremental text; the terminal frame
// has done set and either the result or the error.
type streamFrame struct {
	Delta  string                   `json:"delta,omitempty"`
	Done   bool                     `json:"done"`
	Result *models.StructuredResult `json:"result,omitempty"`
	Error  *ErrorBody               `json:"error,omitempty"`
}

func frameFor(chunk models.StreamChunk) streamFrame {
	frame := streamFrame{Delta: chunk.Delta, Done: chunk.Done, Result: chunk.Result}
	if chunk.Err != nil {
		_, body := classify(chunk.Err)
		frame.Error = &body
	}
	return frame
}

// CompleteStream handles POST /v1/complete/stream. Chunks are sent as
// server-sent events, one JSON frame per event, closed by a [DONE]
// sentinel.
func (h *CompletionHandler) CompleteStream(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	ctx := c.Request.Context()
	stream, err := h.orch.ExecuteStream(ctx, req.toExecuteRequest())
	if err != nil {
		h.log.WithError(err).WithField("model", req.Model).Warn("Stream setup failed")
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // disable nginx buffering

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
			// Client went away; the orchestrator unwinds on the same ctx.
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

// writeSSE emits one frame as an SSE data event. Returns false if the
// connection is no longer writable.
func writeSSE(c *gin.Context, flusher http.Flusher, frame streamFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return true // skip malformed frame
	}
	if _, err := c.Writer.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := c.Writer.Write(data); err != nil {
		return false
	}
	if _, err := c.Writer.Write([]byte("\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

var errStreamingUnsupported = errors.New("streaming not supported by this connection")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// CompleteWS handles GET /v1/complete/ws. The client sends one
// CompleteRequest as a JSON text message and receives one JSON frame
// per chunk, the last one carrying the result or error.
func (h *CompletionHandler) CompleteWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	var req CompleteRequest
	if err := conn.ReadJSON(&req); err != nil {
		h.writeWSError(conn, ErrorBody{Kind: "invalid_request", Message: err.Error()})
		return
	}
	if req.Prompt == "" || req.Model == "" {
		h.writeWSError(conn, ErrorBody{Kind: "invalid_request", Message: "prompt and model are required"})
		return
	}

	ctx := c.Request.Context()
	stream, err := h.orch.ExecuteStream(ctx, req.toExecuteRequest())
	if err != nil {
		_, body := classify(err)
		h.writeWSError(conn, body)
		return
	}

	h.metrics.StreamStarted()
	defer h.metrics.StreamEnded()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, open := <-stream:
			if !open {
				h.closeWS(conn)
				return
			}
			if chunk.Done && chunk.Result != nil {
				h.metrics.ObserveResult(chunk.Result)
			}
			if err := conn.WriteJSON(frameFor(chunk)); err != nil {
				return
			}
			if chunk.Done {
				h.closeWS(conn)
				return
			}
		}
	}
}

func (h *CompletionHandler) writeWSError(conn *websocket.Conn, body ErrorBody) {
	if err := conn.WriteJSON(streamFrame{Done: true, Error: &body}); err != nil {
		return
	}
	h.closeWS(conn)
}

func (h *CompletionHandler) closeWS(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
