package server

import (
	"github.com/gin-gonic/gin"
)

// setupRoutes builds the gin engine. Every /api/v1 route requires a bearer
// token; mutating routes are rate limited per caller.
func (s *Server) setupRoutes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.handleHealth)

	api := r.Group("/api/v1", s.authenticate())
	{
		q := api.Group("/queue")
		limited := s.rateLimit()

		q.POST("", limited, s.handleEnqueue)
		q.GET("/mine", s.handleListMine)
		q.GET("/stats", s.handleStats)
		q.GET("/history", s.handleHistory)
		q.GET("/events", s.handleEvents)
		q.POST("/bulk", limited, s.handleBulk)
		q.GET("/analytics", s.requireOperator(), s.handleAnalytics)

		q.GET("/:id", s.handleGetJob)
		q.POST("/:id/cancel", limited, s.handleCancel)
		q.POST("/:id/retry", limited, s.handleRetry)
		q.PUT("/:id/priority", limited, s.handleUpdatePriority)
		q.PUT("/:id/schedule", limited, s.handleReschedule)

		admin := q.Group("/admin", s.requireOperator())
		{
			admin.GET("/all", s.handleListAll)
			admin.POST("/cleanup", limited, s.handleCleanup)
		}
	}
	return r
}
