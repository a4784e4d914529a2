package middlewares

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/utils"
)

// RequireRoles rejects anonymous callers with 401 and callers outside roles with 403.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, ok := utils.GetUserIdFromContext(ctx); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		role, _ := utils.GetUserRoleFromContext(ctx)
		if len(roles) > 0 && !slices.Contains(roles, models.UserRole(role)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
