// Package auth guards the reporting API with a static bearer token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const bearerPrefix = "Bearer "

// Authorized reports whether header carries exactly "Bearer <token>". An
// empty token disables the check.
func Authorized(token, header string) bool {
	if token == "" {
		return true
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return false
	}
	provided := header[len(bearerPrefix):]
	if provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(token)) == 1
}

// NewAuthMiddleware wraps a net/http handler with the bearer check. The
// prefix is case-sensitive and takes exactly one space; anything else is a
// 401 and next is never called.
func NewAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !Authorized(token, r.Header.Get("Authorization")) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Gin is the same check as gin middleware, answering with a JSON error.
func Gin(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !Authorized(token, c.GetHeader("Authorization")) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
