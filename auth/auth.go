// Package auth validates bearer tokens and exposes the authenticated
// principal to downstream handlers. Token issuance lives elsewhere; this
// middleware only verifies.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated identity attached to the gin context.
type Principal struct {
	UserID    string
	SessionID string
	Email     string
}

const contextKey = "auth.principal"

// Claims is the expected token payload.
type Claims struct {
	SessionID string `json:"sid,omitempty"`
	Email     string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Middleware returns a gin handler that rejects requests without a valid
// HS256 bearer token. On success the principal is stored in the context.
func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		claims := &Claims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !parsed.Valid {
			abortUnauthorized(c, "invalid token")
			return
		}
		if claims.Subject == "" {
			abortUnauthorized(c, "token has no subject")
			return
		}
		c.Set(contextKey, Principal{
			UserID:    claims.Subject,
			SessionID: claims.SessionID,
			Email:     claims.Email,
		})
		c.Next()
	}
}

// FromContext returns the principal set by Middleware.
func FromContext(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(contextKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// Sign issues a token for the principal, used by tests and local tooling.
func Sign(secret []byte, p Principal) (string, error) {
	claims := Claims{
		SessionID: p.SessionID,
		Email:     p.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: p.UserID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": msg,
	})
}
