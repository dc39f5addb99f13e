// Package middleware provides HTTP middleware for the Gin-based API.
//
// It covers the cross-cutting request concerns: authentication,
// per-client rate limiting, request validation, and response
// compression.
//
// # Authentication
//
// AuthMiddleware accepts either a bearer JWT or an X-API-Key header.
// Keys are verified against argon2id digests so the server never holds
// plaintext credentials:
//
//	auth, err := middleware.NewAuthMiddleware(middleware.AuthConfig{
//	    SecretKey:     jwtSecret,
//	    APIKeyDigests: digests,
//	}, logger)
//	router.Use(auth.Middleware(nil))
//
// RequireRole gates individual routes by the role claim; "admin" holds
// every role.
//
// # Rate Limiting
//
// RateLimiter keeps a token bucket per client key, with per-path
// overrides via AddLimit. Call Close when the limiter is discarded to
// stop its cleanup goroutine:
//
//	limiter := middleware.NewRateLimiterWithConfig(&middleware.RateLimitConfig{
//	    Requests: 120,
//	    Window:   time.Minute,
//	    KeyFunc:  middleware.ByAPIKey,
//	})
//	defer limiter.Close()
//	router.Use(limiter.Middleware())
//
// # Validation
//
// Validator checks completion and fan-out request bodies before they
// reach a handler: size bounds, prompt length, sampling parameter
// ranges, attachment and model-list limits. The body is restored after
// inspection so handlers can bind it again.
//
// # Compression
//
// CompressionMiddleware buffers the response and compresses it with
// brotli or gzip per Accept-Encoding, skipping small bodies and
// non-compressible content types. BrotliRequestDecoder transparently
// decompresses brotli- and gzip-encoded request bodies. Do not mount
// the response side on streaming routes; buffering breaks server-sent
// events.
package middleware
