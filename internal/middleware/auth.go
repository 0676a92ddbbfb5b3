package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"devicelink/internal/auth"
	"devicelink/internal/logx"
)

const (
	userIDContextKey    = "userID"
	sessionIDContextKey = "sessionID"
)

// SessionChecker reports whether a device's link session is still linked.
type SessionChecker interface {
	SessionActive(ctx context.Context, token string) (bool, error)
}

func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

// SessionIDFromContext returns the link session a device credential was
// issued for. Primary credentials have none.
func SessionIDFromContext(c *gin.Context) string {
	v, _ := c.Get(sessionIDContextKey)
	s, _ := v.(string)
	return s
}

// RequireAuth accepts primary credentials and device credentials. With a
// non-nil checker, device credentials stop working as soon as their link
// session is revoked.
func RequireAuth(cfg auth.TokenConfig, checker SessionChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		claims, err := auth.VerifyToken(parts[1], cfg)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		if claims.IsDevice() && checker != nil {
			active, err := checker.SessionActive(c.Request.Context(), claims.SessionID)
			if err != nil {
				logx.FromContext(c.Request.Context()).Error("session check failed", "sid", claims.SessionID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
				c.Abort()
				return
			}
			if !active {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Device has been revoked"})
				c.Abort()
				return
			}
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Set(sessionIDContextKey, claims.SessionID)
		c.Next()
	}
}

// RequirePrimary runs after RequireAuth and refuses device credentials, for
// operations that vouch for a new device or act on every device at once.
func RequirePrimary() gin.HandlerFunc {
	return func(c *gin.Context) {
		if SessionIDFromContext(c) != "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Primary credential required"})
			c.Abort()
			return
		}
		c.Next()
	}
}
