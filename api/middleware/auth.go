package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/feichai0017/document-context/config"
	"github.com/feichai0017/document-context/pkg/logger"
)

const ownerKey = "owner"

// Auth resolves the owner from a bearer token. With auth disabled every
// request runs as the anonymous owner.
func Auth(cfg config.AuthConfig, log logger.Logger) gin.HandlerFunc {
	claim := cfg.Claim
	if claim == "" {
		claim = "user_id"
	}
	secret := []byte(cfg.JWTSecret)

	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		owner, err := ownerFromRequest(c.Request, secret, claim)
		if err != nil {
			log.Warn("Rejected request",
				logger.String("path", c.Request.URL.Path),
				logger.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}

		c.Set(ownerKey, owner)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), owner))
		c.Next()
	}
}

func ownerFromRequest(r *http.Request, secret []byte, claim string) (string, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", errors.New("missing bearer token")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("unexpected claims type")
	}
	owner, _ := claims[claim].(string)
	if owner == "" {
		return "", fmt.Errorf("token has no %s claim", claim)
	}
	return owner, nil
}

// Owner returns the authenticated owner, or "" when auth is disabled.
func Owner(c *gin.Context) string {
	return c.GetString(ownerKey)
}
