// Package auth implements the bearer-token guard for the job
// submission surface of spec.md §6 "Job submission surface". Grounded
// on the teacher's internal/middleware.AuthMiddleware (header/query
// token extraction, gin.HandlerFunc abort-with-JSON on failure) and its
// services.AuthService JWT verification, narrowed from a full user
// session (refresh tokens, revocation lookups) to a single static HS256
// shared secret, since the orchestrator's callers are service
// principals, not end users with sessions.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/geoflow/orchestrator/internal/logger"
)

// Claims is the minimal registered-claims shape callers present.
type Claims struct {
	jwt.RegisteredClaims
}

// Middleware guards the submission/status endpoints with a bearer JWT
// signed with a shared secret.
type Middleware struct {
	secret []byte
	log    *logger.Logger
}

func New(secret string, log_ *logger.Logger) *Middleware {
	return &Middleware{secret: []byte(secret), log: log_.With("component", "AuthMiddleware")}
}

// RequireAuth rejects requests with a missing, malformed, or expired
// bearer token before they reach a handler.
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid bearer token"})
			return
		}

		parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return m.secret, nil
		})
		if err != nil || !parsed.Valid {
			m.log.Debug("rejecting request with invalid token", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Next()
	}
}

func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}
