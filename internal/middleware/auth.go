package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"
)

// AuthConfig defines authentication parameters
type AuthConfig struct {
	SecretKey     string        // HMAC secret for signing and validating JWTs
	TokenExpiry   time.Duration // Token lifetime, default 24h
	Issuer        string        // Issuer claim, default "conductor"
	APIKeyDigests []string      // argon2id digests accepted via X-API-Key
}

// Claims carries the authenticated identity through the request context.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates bearer tokens and API keys on incoming requests.
type AuthMiddleware struct {
	secretKey     string
	tokenExpiry   time.Duration
	issuer        string
	apiKeyDigests []string
	logger        *logrus.Logger
}

// NewAuthMiddleware creates an authenticator from the given config. At least
// one credential source must be configured: a JWT secret, API key digests,
// or both.
func NewAuthMiddleware(config AuthConfig, logger *logrus.Logger) (*AuthMiddleware, error) {
	if config.SecretKey == "" && len(config.APIKeyDigests) == 0 {
		return nil, errors.New("auth middleware requires a secret key or API key digests")
	}
	if logger == nil {
		logger = logrus.New()
	}

	tokenExpiry := config.TokenExpiry
	if tokenExpiry <= 0 {
		tokenExpiry = 24 * time.Hour
	}
	issuer := config.Issuer
	if issuer == "" {
		issuer = "conductor"
	}

	return &AuthMiddleware{
		secretKey:     config.SecretKey,
		tokenExpiry:   tokenExpiry,
		issuer:        issuer,
		apiKeyDigests: config.APIKeyDigests,
		logger:        logger,
	}, nil
}

// GenerateToken issues a signed JWT for the given identity.
func (m *AuthMiddleware) GenerateToken(userID, username, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// validateToken parses and verifies a JWT, returning its claims.
func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	if m.secretKey == "" {
		return nil, errors.New("token auth not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.secretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// ExtractTokenFromHeader pulls the token out of an Authorization header.
// Returns an empty string unless the header is a well-formed bearer scheme.
func (m *AuthMiddleware) ExtractTokenFromHeader(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return ""
	}
	return parts[1]
}

// RefreshToken exchanges a still-valid token for a fresh one with a renewed
// expiry.
func (m *AuthMiddleware) RefreshToken(tokenString string) (string, error) {
	claims, err := m.validateToken(tokenString)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	return m.GenerateToken(claims.UserID, claims.Username, claims.Role)
}

// Middleware enforces authentication on every request except the listed
// paths. A request passes with either a matching X-API-Key or a valid
// bearer token.
func (m *AuthMiddleware) Middleware(skipPaths []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pathSkipped(c.Request.URL.Path, skipPaths) {
			c.Next()
			return
		}

		if key := c.GetHeader("X-API-Key"); key != "" {
			if m.allowAPIKey(key) {
				setUser(c, &Claims{Role: "service"})
				c.Next()
				return
			}
			m.logger.WithField("remote", c.ClientIP()).Warn("Rejected request with unknown API key")
			abortUnauthorized(c, "invalid API key", "invalid_api_key")
			return
		}

		token := m.ExtractTokenFromHeader(c.GetHeader("Authorization"))
		if token == "" {
			abortUnauthorized(c, "missing credentials", "missing_credentials")
			return
		}

		claims, err := m.validateToken(token)
		if err != nil {
			m.logger.WithField("remote", c.ClientIP()).WithError(err).Warn("Rejected request with invalid token")
			abortUnauthorized(c, "invalid or expired token", "invalid_token")
			return
		}

		setUser(c, claims)
		c.Next()
	}
}

// Optional authenticates the request when credentials are present but never
// rejects. Handlers can branch on IsAuthenticated.
func (m *AuthMiddleware) Optional(skipPaths []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pathSkipped(c.Request.URL.Path, skipPaths) {
			c.Next()
			return
		}

		if key := c.GetHeader("X-API-Key"); key != "" && m.allowAPIKey(key) {
			setUser(c, &Claims{Role: "service"})
		} else if token := m.ExtractTokenFromHeader(c.GetHeader("Authorization")); token != "" {
			if claims, err := m.validateToken(token); err == nil {
				setUser(c, claims)
			}
		}

		c.Next()
	}
}

// RequireRole allows only users holding the given role. Admins pass every
// role check.
func (m *AuthMiddleware) RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetCurrentUser(c)
		if claims == nil {
			abortUnauthorized(c, "missing credentials", "missing_credentials")
			return
		}
		if claims.Role != role && claims.Role != "admin" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{
					"message": fmt.Sprintf("role %q required", role),
					"type":    "authorization_error",
					"code":    "insufficient_role",
				},
			})
			return
		}
		c.Next()
	}
}

func (m *AuthMiddleware) allowAPIKey(key string) bool {
	for _, digest := range m.apiKeyDigests {
		if VerifyAPIKey(key, digest) {
			return true
		}
	}
	return false
}

// HashAPIKey derives an argon2id digest for an API key, suitable for
// storing in configuration. The key itself is never persisted.
func HashAPIKey(key string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(key), salt, 1, 64*1024, 4, 32)

	// Format: $argon2id$v=19$m=65536,t=1,p=4$salt$hash
	saltHex := hex.EncodeToString(salt)
	hashHex := hex.EncodeToString(hash)

	return fmt.Sprintf("$argon2id$v=19$m=65536,t=1,p=4$%s$%s", saltHex, hashHex), nil
}

// VerifyAPIKey checks a key against a digest produced by HashAPIKey.
// Comparison runs in constant time.
func VerifyAPIKey(key, digest string) bool {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	salt, err := hex.DecodeString(parts[4])
	if err != nil {
		return false
	}

	expected, err := hex.DecodeString(parts[5])
	if err != nil {
		return false
	}

	computed := argon2.IDKey([]byte(key), salt, 1, 64*1024, 4, 32)

	return subtle.ConstantTimeCompare(computed, expected) == 1
}

func pathSkipped(path string, skipPaths []string) bool {
	for _, p := range skipPaths {
		if path == p {
			return true
		}
	}
	return false
}

func abortUnauthorized(c *gin.Context, message, code string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"message": message,
			"type":    "authentication_error",
			"code":    code,
		},
	})
}

func setUser(c *gin.Context, claims *Claims) {
	c.Set("user", claims)
	c.Set("user_id", claims.UserID)
	c.Set("user_role", claims.Role)
}

// GetCurrentUser returns the authenticated identity, or nil.
func GetCurrentUser(c *gin.Context) *Claims {
	v, ok := c.Get("user")
	if !ok {
		return nil
	}
	claims, ok := v.(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// GetUserID returns the authenticated user ID, or an empty string.
func GetUserID(c *gin.Context) string {
	if claims := GetCurrentUser(c); claims != nil {
		return claims.UserID
	}
	return ""
}

// GetUserRole returns the authenticated role, or an empty string.
func GetUserRole(c *gin.Context) string {
	if claims := GetCurrentUser(c); claims != nil {
		return claims.Role
	}
	return ""
}

// IsAuthenticated reports whether the request carries a valid identity.
func IsAuthenticated(c *gin.Context) bool {
	return GetCurrentUser(c) != nil
}

// HasRole reports whether the authenticated user holds the role. Admins
// hold every role.
func HasRole(c *gin.Context, role string) bool {
	claims := GetCurrentUser(c)
	return claims != nil && (claims.Role == role || claims.Role == "admin")
}

// IsAdmin reports whether the authenticated user is an admin.
func IsAdmin(c *gin.Context) bool {
	claims := GetCurrentUser(c)
	return claims != nil && claims.Role == "admin"
}
