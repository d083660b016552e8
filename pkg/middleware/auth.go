package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// ContextKeyUserID is the context key for the authenticated subject
	ContextKeyUserID = "user_id"

	bearerPrefix = "Bearer "
)

// AdminClaims represents the claims carried by a recovery API token
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// NewAdminToken signs an HS256 token for the recovery API
func NewAdminToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign admin token: %w", err)
	}
	return signed, nil
}

// RequireAdminToken guards a route group with a Bearer HS256 token. When
// issuer is non-empty the token's iss claim must match it.
func RequireAdminToken(secret, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}

		token, err := jwt.ParseWithClaims(strings.TrimPrefix(header, bearerPrefix), &AdminClaims{},
			func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid admin token")
			return
		}

		claims, ok := token.Claims.(*AdminClaims)
		if !ok || !token.Valid {
			abortWithError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid admin token claims")
			return
		}
		if issuer != "" && claims.Issuer != issuer {
			abortWithError(c, http.StatusUnauthorized, "INVALID_TOKEN", "unexpected token issuer")
			return
		}

		c.Set(ContextKeyUserID, claims.Subject)
		c.Next()
	}
}

// GetUserID extracts the authenticated subject from gin context
func GetUserID(c *gin.Context) (string, bool) {
	v, exists := c.Get(ContextKeyUserID)
	if !exists {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
