package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// ValidationConfig defines validation parameters
type ValidationConfig struct {
	MaxBodySize      int64   // Maximum request body size in bytes
	MaxPromptLength  int     // Maximum prompt length in characters
	MaxTokensLimit   int     // Maximum tokens limit that can be requested
	MinTemperature   float64 // Minimum temperature value
	MaxTemperature   float64 // Maximum temperature value
	MinTopP          float64 // Minimum top_p value
	MaxTopP          float64 // Maximum top_p value
	MaxStopSequences int     // Maximum number of stop sequences
	MaxAttachments   int     // Maximum number of attachments per request
	MaxModelsPerFan  int     // Maximum number of models in a fan-out round
}

// DefaultValidationConfig returns sensible defaults for validation
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxBodySize:      10 * 1024 * 1024, // 10MB
		MaxPromptLength:  100000,           // 100k characters
		MaxTokensLimit:   32000,            // Most models support this
		MinTemperature:   0.0,
		MaxTemperature:   2.0,
		MinTopP:          0.0,
		MaxTopP:          1.0,
		MaxStopSequences: 10,
		MaxAttachments:   8,
		MaxModelsPerFan:  8,
	}
}

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationErrors holds multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	var msgs []string
	for _, err := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	return strings.Join(msgs, "; ")
}

// Add adds a validation error
func (e *ValidationErrors) Add(field, message string, value any) {
	e.Errors = append(e.Errors, ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors returns true if there are validation errors
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validator provides request validation middleware
type Validator struct {
	config ValidationConfig
}

// NewValidator creates a new validator with the given config
func NewValidator(config ValidationConfig) *Validator {
	return &Validator{config: config}
}

// NewDefaultValidator creates a validator with default configuration
func NewDefaultValidator() *Validator {
	return NewValidator(DefaultValidationConfig())
}

// BodySizeMiddleware validates request body size
func (v *Validator) BodySizeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > v.config.MaxBodySize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": gin.H{
					"message": fmt.Sprintf("request body too large: %d bytes exceeds maximum %d bytes",
						c.Request.ContentLength, v.config.MaxBodySize),
					"type": "invalid_request_error",
					"code": "body_too_large",
				},
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// CompletionValidationRequest mirrors the completion request body for
// validation purposes.
type CompletionValidationRequest struct {
	ConversationID string                 `json:"conversation_id"`
	Prompt         string                 `json:"prompt"`
	Model          string                 `json:"model"`
	Params         *ParamsValidation      `json:"params"`
	Attachments    []AttachmentValidation `json:"attachments"`
	Stream         bool                   `json:"stream"`
}

// ParamsValidation mirrors the generation parameters for validation.
type ParamsValidation struct {
	Temperature   *float64 `json:"temperature"`
	TopP          *float64 `json:"top_p"`
	MaxTokens     *int     `json:"max_tokens"`
	StopSequences []string `json:"stop_sequences"`
}

// AttachmentValidation mirrors a request attachment for validation.
type AttachmentValidation struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// FanoutValidationRequest mirrors the parallel fan-out request body for
// validation purposes.
type FanoutValidationRequest struct {
	Prompt string            `json:"prompt"`
	Models []string          `json:"models"`
	Scheme string            `json:"scheme"`
	Params *ParamsValidation `json:"params"`
}

// ValidateCompletionMiddleware validates completion request parameters
func (v *Validator) ValidateCompletionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		bodyBytes, ok := readAndRestoreBody(c)
		if !ok {
			return
		}

		var req CompletionValidationRequest
		if err := json.Unmarshal(bodyBytes, &req); err != nil {
			respondJSONError(c, err)
			return
		}

		validationErrors := v.validateCompletionRequest(&req)
		if validationErrors.HasErrors() {
			respondValidationErrors(c, validationErrors)
			return
		}

		c.Next()
	}
}

// ValidateFanoutMiddleware validates parallel fan-out request parameters
func (v *Validator) ValidateFanoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		bodyBytes, ok := readAndRestoreBody(c)
		if !ok {
			return
		}

		var req FanoutValidationRequest
		if err := json.Unmarshal(bodyBytes, &req); err != nil {
			respondJSONError(c, err)
			return
		}

		validationErrors := v.validateFanoutRequest(&req)
		if validationErrors.HasErrors() {
			respondValidationErrors(c, validationErrors)
			return
		}

		c.Next()
	}
}

// readAndRestoreBody reads the full request body and puts a fresh copy back
// for the handler. Returns false after writing an error response.
func readAndRestoreBody(c *gin.Context) ([]byte, bool) {
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"message": "failed to read request body",
				"type":    "invalid_request_error",
				"code":    "read_error",
			},
		})
		c.Abort()
		return nil, false
	}

	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	return bodyBytes, true
}

func respondJSONError(c *gin.Context, err error) {
	var syntaxErr *json.SyntaxError
	var unmarshalErr *json.UnmarshalTypeError

	switch {
	case errors.As(err, &syntaxErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"message": fmt.Sprintf("JSON syntax error at position %d", syntaxErr.Offset),
				"type":    "invalid_request_error",
				"code":    "json_parse_error",
			},
		})
	case errors.As(err, &unmarshalErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"message": fmt.Sprintf("invalid type for field '%s': expected %s",
					unmarshalErr.Field, unmarshalErr.Type.String()),
				"type": "invalid_request_error",
				"code": "type_error",
			},
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"message": "invalid JSON format",
				"type":    "invalid_request_error",
				"code":    "json_parse_error",
			},
		})
	}
	c.Abort()
}

func respondValidationErrors(c *gin.Context, validationErrors *ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": gin.H{
			"message": validationErrors.Error(),
			"type":    "invalid_request_error",
			"code":    "validation_error",
			"details": validationErrors.Errors,
		},
	})
	c.Abort()
}

// validateCompletionRequest validates the completion request fields
func (v *Validator) validateCompletionRequest(req *CompletionValidationRequest) *ValidationErrors {
	errs := &ValidationErrors{}

	if req.Prompt == "" {
		errs.Add("prompt", "prompt is required", nil)
	}

	if len(req.Prompt) > v.config.MaxPromptLength {
		errs.Add("prompt", fmt.Sprintf("prompt exceeds maximum length of %d characters", v.config.MaxPromptLength), len(req.Prompt))
	}

	v.validateParams(errs, req.Params)

	if len(req.Attachments) > v.config.MaxAttachments {
		errs.Add("attachments", fmt.Sprintf("exceeds maximum of %d attachments", v.config.MaxAttachments), len(req.Attachments))
	}

	for i, att := range req.Attachments {
		if att.MIMEType == "" {
			errs.Add(fmt.Sprintf("attachments[%d].mime_type", i), "mime_type is required", nil)
		}
		if len(att.Data) == 0 {
			errs.Add(fmt.Sprintf("attachments[%d].data", i), "data is required", nil)
		}
	}

	return errs
}

// validateFanoutRequest validates the parallel fan-out request fields
func (v *Validator) validateFanoutRequest(req *FanoutValidationRequest) *ValidationErrors {
	errs := &ValidationErrors{}

	if req.Prompt == "" {
		errs.Add("prompt", "prompt is required", nil)
	}

	if len(req.Prompt) > v.config.MaxPromptLength {
		errs.Add("prompt", fmt.Sprintf("prompt exceeds maximum length of %d characters", v.config.MaxPromptLength), len(req.Prompt))
	}

	if len(req.Models) == 0 {
		errs.Add("models", "at least one model is required", nil)
	}

	if len(req.Models) > v.config.MaxModelsPerFan {
		errs.Add("models", fmt.Sprintf("exceeds maximum of %d models", v.config.MaxModelsPerFan), len(req.Models))
	}

	seen := make(map[string]bool, len(req.Models))
	for i, model := range req.Models {
		if model == "" {
			errs.Add(fmt.Sprintf("models[%d]", i), "model ID must not be empty", nil)
			continue
		}
		if seen[model] {
			errs.Add(fmt.Sprintf("models[%d]", i), fmt.Sprintf("duplicate model '%s'", model), model)
		}
		seen[model] = true
	}

	switch req.Scheme {
	case "", "plurality", "score":
	default:
		errs.Add("scheme", fmt.Sprintf("invalid scheme '%s', must be one of: plurality, score", req.Scheme), req.Scheme)
	}

	v.validateParams(errs, req.Params)

	return errs
}

// validateParams validates shared generation parameters
func (v *Validator) validateParams(errs *ValidationErrors, params *ParamsValidation) {
	if params == nil {
		return
	}

	if params.Temperature != nil {
		if *params.Temperature < v.config.MinTemperature || *params.Temperature > v.config.MaxTemperature {
			errs.Add("params.temperature", fmt.Sprintf("must be between %.1f and %.1f", v.config.MinTemperature, v.config.MaxTemperature), *params.Temperature)
		}
	}

	if params.MaxTokens != nil {
		if *params.MaxTokens <= 0 {
			errs.Add("params.max_tokens", "must be a positive integer", *params.MaxTokens)
		}
		if *params.MaxTokens > v.config.MaxTokensLimit {
			errs.Add("params.max_tokens", fmt.Sprintf("exceeds maximum of %d", v.config.MaxTokensLimit), *params.MaxTokens)
		}
	}

	if params.TopP != nil {
		if *params.TopP < v.config.MinTopP || *params.TopP > v.config.MaxTopP {
			errs.Add("params.top_p", fmt.Sprintf("must be between %.1f and %.1f", v.config.MinTopP, v.config.MaxTopP), *params.TopP)
		}
	}

	if len(params.StopSequences) > v.config.MaxStopSequences {
		errs.Add("params.stop_sequences", fmt.Sprintf("exceeds maximum of %d stop sequences", v.config.MaxStopSequences), len(params.StopSequences))
	}
}

// SanitizeInputMiddleware sanitizes potentially dangerous input
func (v *Validator) SanitizeInputMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Next()
			return
		}

		sanitized := v.sanitizeJSON(bodyBytes)

		c.Request.Body = io.NopCloser(bytes.NewBuffer(sanitized))
		c.Next()
	}
}

// sanitizeJSON removes potentially dangerous content from JSON
func (v *Validator) sanitizeJSON(data []byte) []byte {
	// Remove null bytes
	data = bytes.ReplaceAll(data, []byte{0x00}, []byte{})

	// Remove control characters except for \n, \r, \t
	content := string(data)
	controlCharRegex := regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	content = controlCharRegex.ReplaceAllString(content, "")

	return []byte(content)
}

// RequireContentType requires specific content types
func RequireContentType(contentTypes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ct := c.ContentType()

		// Allow empty content type for GET requests
		if ct == "" && c.Request.Method == http.MethodGet {
			c.Next()
			return
		}

		for _, allowed := range contentTypes {
			if strings.HasPrefix(ct, allowed) {
				c.Next()
				return
			}
		}

		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error": gin.H{
				"message": fmt.Sprintf("unsupported content type '%s', expected one of: %s", ct, strings.Join(contentTypes, ", ")),
				"type":    "invalid_request_error",
				"code":    "unsupported_media_type",
			},
		})
		c.Abort()
	}
}

// RequireJSON requires JSON content type for POST/PUT/PATCH requests
func RequireJSON() gin.HandlerFunc {
	return RequireContentType("application/json")
}

// GetConfig returns the current validation config
func (v *Validator) GetConfig() ValidationConfig {
	return v.config
}
