package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// BasicAuthMiddleware protects the admin API with HTTP basic auth.
func BasicAuthMiddleware(password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, pass, hasAuth := c.Request.BasicAuth()
		if !hasAuth || user != "admin" || pass != password {
			c.Header("WWW-Authenticate", `Basic realm="Restricted"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}
