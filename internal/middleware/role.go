package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/lumenclass/backend/pkg/response"
)

// RequireRole rejects requests whose authenticated role is not listed.
// It must run after JWT, which sets the role in the context.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		roleVal, ok := c.Get(ContextUserRole)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		role, _ := roleVal.(string)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		response.Forbidden(c, "insufficient permissions")
		c.Abort()
	}
}
