package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recon_backend/utils"
)

// SessionMiddleware reads a bearer token (or the "token" header) and stores the caller.
// Requests without a token pass through unauthenticated.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if auth := c.Request.Header.Get("Authorization"); auth != "" {
			bearer, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			token = strings.TrimSpace(bearer)
		}
		if token == "" {
			c.Next()
			return
		}

		claim, err := utils.JwtValidate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetSessionInContext(c.Request.Context(), token, claim.ID, claim.Role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
