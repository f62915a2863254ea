package routers

import (
	"log/slog"
	"time"

	"StoryBeat-server/routers/api"

	"github.com/gin-gonic/gin"
)

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "latency", time.Since(start))
	}
}

func InitRouter(h *api.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	v1 := r.Group("/v1/api")
	{
		v1.GET("/templates", h.ListTemplates)
		v1.POST("/beats/:beat_id/plans", h.CreatePlan)
		v1.POST("/beats/:beat_id/productions", h.StartProduction)
		v1.GET("/beats/:beat_id/productions", h.ListProductions)

		v1.GET("/productions/:id", h.GetProduction)
		v1.POST("/productions/:id/clips/:index/regenerate", h.RegenerateClip)
		v1.PUT("/productions/:id/clips/:index/rating", h.RateClip)
		v1.POST("/productions/:id/cancel", h.CancelProduction)
		v1.POST("/productions/:id/timeline", h.AddToTimeline)
		v1.POST("/productions/:id/complete", h.CompleteProduction)

		v1.POST("/characters", h.RegisterCharacter)
		v1.GET("/characters/:id", h.GetCharacter)
		v1.POST("/characters/:id/references", h.AddReference)
		v1.GET("/characters/:id/resolve", h.ResolveReference)

		v1.GET("/accounts/:id/credits", h.GetCredits)
		v1.POST("/accounts/:id/credits", h.DepositCredits)
	}
	r.GET("/productions/:id/wss", h.ProductionProgressWebSocket)
	return r
}
