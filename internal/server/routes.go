package server

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"dev.sprung.conductor/internal/handlers"
	"dev.sprung.conductor/internal/middleware"
	"dev.sprung.conductor/internal/observability"
)

// buildEngine assembles the middleware chain and registers every route.
//
// Chain order matters: recovery wraps everything, metrics see the final
// status, compression is bypassed for streaming routes, and the request
// body is decoded before validation reads it. Auth runs before the rate
// limiter so rejected requests never consume tokens and the limiter can
// key on the API key header.
func (s *Server) buildEngine(deps Deps) (*gin.Engine, error) {
	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())
	engine.Use(s.countRequests())
	engine.Use(requestMetrics(deps.Metrics))

	compression := middleware.DefaultCompressionConfig()
	// Buffering the response body breaks SSE and websocket upgrades, so
	// every route that can stream is excluded. The conversations prefix
	// covers the turn route, which streams when the client asks for it.
	compression.ExcludePaths = append(compression.ExcludePaths,
		"/v1/complete/stream",
		"/v1/complete/ws",
	)
	compression.ExcludePrefixes = append(compression.ExcludePrefixes,
		"/v1/conversations/",
	)
	engine.Use(middleware.CompressionMiddleware(compression))
	engine.Use(middleware.BrotliRequestDecoder())

	validator := middleware.NewDefaultValidator()
	engine.Use(validator.BodySizeMiddleware())

	health := handlers.NewHealthHandler(deps.Client, deps.Registry)
	engine.GET("/health", health.Health)
	engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	completion := handlers.NewCompletionHandler(deps.Orchestrator, deps.Metrics, deps.Logger)
	conversations := handlers.NewConversationHandler(deps.Orchestrator, deps.Conversations, deps.Metrics, deps.Logger)
	catalog := handlers.NewCatalogHandler(deps.Registry)

	v1 := engine.Group("/v1")
	if deps.Config.Auth.Enabled() {
		auth, err := middleware.NewAuthMiddleware(middleware.AuthConfig{
			SecretKey:     deps.Config.Auth.JWTSecret,
			APIKeyDigests: deps.Config.Auth.APIKeyDigests,
		}, deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("configuring auth: %w", err)
		}
		v1.Use(auth.Middleware(nil))
	}
	v1.Use(s.limiter.Middleware())

	v1.POST("/complete", validator.ValidateCompletionMiddleware(), completion.Complete)
	v1.POST("/complete/stream", validator.ValidateCompletionMiddleware(), completion.CompleteStream)
	v1.GET("/complete/ws", completion.CompleteWS)
	v1.POST("/parallel", validator.ValidateFanoutMiddleware(), completion.Parallel)

	v1.POST("/conversations", conversations.Create)
	v1.GET("/conversations", conversations.List)
	v1.GET("/conversations/:id", conversations.Get)
	v1.POST("/conversations/:id/messages", conversations.SendMessage)
	v1.POST("/conversations/:id/close", conversations.Close)
	v1.DELETE("/conversations/:id", conversations.Delete)

	v1.GET("/models", catalog.ListModels)
	v1.GET("/models/:id", catalog.GetModel)

	return engine, nil
}

// requestMetrics records method, matched route and status for every
// request. Unmatched paths collapse into one label to keep the metric
// cardinality bounded.
func requestMetrics(collector *observability.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		collector.ObserveRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
