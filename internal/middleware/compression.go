package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// CompressionConfig defines response compression parameters
type CompressionConfig struct {
	BrotliLevel       int      // Brotli quality, 0-11
	GzipLevel         int      // Gzip level, 1-9
	MinSize           int      // Minimum response size in bytes before compressing
	EnableBrotli      bool     // Offer br encoding
	EnableGzip        bool     // Offer gzip encoding
	CompressibleTypes []string // Content-Type prefixes worth compressing
	ExcludePaths      []string // Exact paths never compressed (health checks, streams)
	ExcludePrefixes   []string // Path prefixes never compressed (parameterized stream routes)
}

// DefaultCompressionConfig returns sensible defaults for compression
func DefaultCompressionConfig() *CompressionConfig {
	return &CompressionConfig{
		BrotliLevel:  4,
		GzipLevel:    5,
		MinSize:      1024,
		EnableBrotli: true,
		EnableGzip:   true,
		CompressibleTypes: []string{
			"application/json",
			"application/javascript",
			"application/xml",
			"text/html",
			"text/css",
			"text/plain",
			"image/svg+xml",
		},
		ExcludePaths: []string{
			"/health",
			"/metrics",
		},
	}
}

// CompressData compresses data with the named encoding. Unknown encodings
// pass the data through untouched.
func CompressData(data []byte, encoding string, level int) ([]byte, error) {
	switch encoding {
	case "br":
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, level)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "gzip":
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return data, nil
	}
}

// DecompressData reverses CompressData for the named encoding.
func DecompressData(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return data, nil
	}
}

// EstimateCompressionRatio returns the expected compressed/original size
// ratio for a content type. Used for capacity planning, not enforcement.
func EstimateCompressionRatio(contentType string) float64 {
	ct, _, _ := strings.Cut(contentType, ";")
	switch strings.TrimSpace(ct) {
	case "application/json":
		return 0.15
	case "application/javascript":
		return 0.20
	case "text/html":
		return 0.20
	case "text/css":
		return 0.25
	case "application/xml":
		return 0.20
	case "text/plain":
		return 0.30
	default:
		return 0.50
	}
}

// BrotliMiddleware returns compression middleware with default settings.
func BrotliMiddleware() gin.HandlerFunc {
	return CompressionMiddleware(DefaultCompressionConfig())
}

// BrotliMiddlewareWithLevel returns compression middleware with a custom
// brotli quality level.
func BrotliMiddlewareWithLevel(level int) gin.HandlerFunc {
	config := DefaultCompressionConfig()
	config.BrotliLevel = level
	return CompressionMiddleware(config)
}

// CompressionMiddleware compresses responses when the client accepts it and
// the response is large enough to be worth the CPU. The whole body is
// buffered so the size check happens before any bytes reach the wire.
func CompressionMiddleware(config *CompressionConfig) gin.HandlerFunc {
	if config == nil {
		config = DefaultCompressionConfig()
	}

	return func(c *gin.Context) {
		if pathExcluded(c.Request.URL.Path, config) {
			c.Next()
			return
		}

		encoding := selectEncoding(c.GetHeader("Accept-Encoding"), config)
		if encoding == "" {
			c.Next()
			return
		}

		buf := &compressionWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = buf
		c.Next()
		c.Writer = buf.ResponseWriter

		data := buf.body.Bytes()
		contentType := c.Writer.Header().Get("Content-Type")
		if len(data) < config.MinSize || !isCompressible(contentType, config.CompressibleTypes) {
			buf.flushPlain(data)
			return
		}

		level := config.BrotliLevel
		if encoding == "gzip" {
			level = config.GzipLevel
		}
		compressed, err := CompressData(data, encoding, level)
		if err != nil || len(compressed) >= len(data) {
			buf.flushPlain(data)
			return
		}

		header := c.Writer.Header()
		header.Set("Content-Encoding", encoding)
		header.Set("Vary", "Accept-Encoding")
		header.Set("Content-Length", strconv.Itoa(len(compressed)))
		buf.flushPlain(compressed)
	}
}

func pathExcluded(path string, config *CompressionConfig) bool {
	for _, p := range config.ExcludePaths {
		if path == p {
			return true
		}
	}
	for _, p := range config.ExcludePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// selectEncoding picks the strongest encoding both sides support,
// preferring brotli over gzip.
func selectEncoding(acceptEncoding string, config *CompressionConfig) string {
	if config.EnableBrotli && strings.Contains(acceptEncoding, "br") {
		return "br"
	}
	if config.EnableGzip && strings.Contains(acceptEncoding, "gzip") {
		return "gzip"
	}
	return ""
}

func isCompressible(contentType string, types []string) bool {
	for _, t := range types {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

// compressionWriter buffers the response body and defers the status line
// until the middleware decides whether to compress.
type compressionWriter struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (w *compressionWriter) Write(data []byte) (int, error) {
	return w.body.Write(data)
}

func (w *compressionWriter) WriteString(s string) (int, error) {
	return w.body.WriteString(s)
}

func (w *compressionWriter) WriteHeader(code int) {
	w.status = code
}

// flushPlain emits the buffered status and the given bytes to the
// underlying writer.
func (w *compressionWriter) flushPlain(data []byte) {
	if w.status != 0 {
		w.ResponseWriter.WriteHeader(w.status)
	}
	if len(data) > 0 {
		w.ResponseWriter.Write(data)
	}
}

// BrotliRequestDecoder transparently decompresses br and gzip request
// bodies based on the Content-Encoding header.
func BrotliRequestDecoder() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.GetHeader("Content-Encoding") {
		case "br":
			c.Request.Body = &brotliReader{
				reader: brotli.NewReader(c.Request.Body),
				closer: c.Request.Body,
			}
			c.Request.Header.Del("Content-Encoding")
			c.Request.ContentLength = -1
		case "gzip":
			gz, err := gzip.NewReader(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": gin.H{
						"message": "invalid gzip request body",
						"type":    "invalid_request_error",
						"code":    "decode_error",
					},
				})
				return
			}
			c.Request.Body = &gzipReader{reader: gz, closer: c.Request.Body}
			c.Request.Header.Del("Content-Encoding")
			c.Request.ContentLength = -1
		}
		c.Next()
	}
}

// brotliReader decompresses a request body, closing the original body
// when done.
type brotliReader struct {
	reader *brotli.Reader
	closer io.Closer
}

func (r *brotliReader) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *brotliReader) Close() error {
	return r.closer.Close()
}

// gzipReader decompresses a request body, closing both the gzip stream and
// the original body.
type gzipReader struct {
	reader *gzip.Reader
	closer io.Closer
}

func (r *gzipReader) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *gzipReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.closer.Close()
		return err
	}
	return r.closer.Close()
}
