package admin

import (
	"log/slog"

	"anidex/internal/admission"
	"anidex/internal/db"
	"anidex/internal/stats"

	"github.com/gin-gonic/gin"
)

// SetupRoutes mounts the admin API under /admin behind basic auth.
func SetupRoutes(router *gin.Engine, dbService db.Service, cache *admission.KeyCache, reporter *stats.Reporter, password string, logger *slog.Logger) {
	handler := NewHandler(dbService, cache, reporter, logger)

	adminGroup := router.Group("/admin")
	adminGroup.Use(BasicAuthMiddleware(password))
	{
		keysGroup := adminGroup.Group("/keys")
		{
			keysGroup.GET("", handler.ListKeysHandler)
			keysGroup.POST("", handler.CreateKeyHandler)
			keysGroup.GET("/:id", handler.GetKeyHandler)
			keysGroup.DELETE("/:id", handler.DeleteKeyHandler)
			keysGroup.GET("/:id/ips", handler.GetKeyIPsHandler)
			keysGroup.PUT("/:id/ips", handler.UpdateKeyIPsHandler)
		}

		adminGroup.GET("/dashboard-stats", handler.DashboardStatsHandler)
		adminGroup.GET("/ip-usage", handler.IPUsageHandler)
		adminGroup.GET("/api-usage", handler.APIUsageHandler)
	}
}
