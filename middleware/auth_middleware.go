package middleware

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stagehand/stagehand/services"
)

// AuthMiddleware authenticates API requests. Two credentials are
// accepted: a Bearer token issued by the auth service, or the operator
// API key in X-API-Key, which carries admin role without a user row.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey := c.GetHeader("X-API-Key"); apiKey != "" {
			expected := os.Getenv("STAGEHAND_API_KEY")
			if expected != "" && apiKey == expected {
				c.Set("role", "admin")
				c.Next()
				return
			}
			c.JSON(http.StatusUnauthorized, gin.H{
				"status":  "error",
				"message": "Invalid API key",
			})
			c.Abort()
			return
		}

		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if !strings.HasPrefix(header, "Bearer ") {
			// Browser clients carry the JWT in the login cookie instead
			// of the Authorization header.
			cookie, err := c.Cookie("access_token")
			if err != nil || cookie == "" {
				c.JSON(http.StatusUnauthorized, gin.H{
					"status":  "error",
					"message": "Authentication required",
				})
				c.Abort()
				return
			}
			token = cookie
		}

		claims, err := services.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"status":  "error",
				"message": "Invalid or expired token",
			})
			c.Abort()
			return
		}

		c.Set("userId", claims.UserID)
		c.Set("email", claims.Email)
		c.Set("role", claims.Role)
		c.Next()
	}
}
