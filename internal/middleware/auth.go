package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"support-bridge/internal/auth"
)

const (
	userIDContextKey = "userID"
	roleContextKey   = "role"
)

func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

func ActorFromContext(c *gin.Context) (auth.Actor, bool) {
	userID, ok := UserIDFromContext(c)
	if !ok {
		return auth.Actor{}, false
	}
	role := c.GetString(roleContextKey)
	if role == "" {
		role = auth.RoleUser
	}
	return auth.Actor{ID: userID, Role: role}, true
}

func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token", "code": "not_authenticated"})
			c.Abort()
			return
		}

		claims, err := auth.VerifyToken(parts[1], cfg)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token", "code": "not_authenticated"})
			c.Abort()
			return
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Set(roleContextKey, claims.Role)
		c.Next()
	}
}

// RequireAdmin must run after RequireAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFromContext(c)
		if !ok || !actor.IsAdmin() {
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin role required", "code": "forbidden"})
			c.Abort()
			return
		}
		c.Next()
	}
}
