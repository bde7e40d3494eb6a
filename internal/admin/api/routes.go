package api

import "github.com/gin-gonic/gin"

// RegisterRoutes registers the admin endpoints on rg, typically the /v1 group.
//
//	POST /v1/tasks/milestones/actions/retry
//	POST /v1/tasks/reports/actions/status
//	GET  /v1/tasks/reports/:id
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	tasks := rg.Group("/tasks")
	tasks.POST("/milestones/actions/retry", h.HandleRetryMilestone)
	tasks.POST("/reports/actions/status", h.HandleUpdateReportStatus)
	tasks.GET("/reports/:id", h.HandleGetReport)
}

// NewRouter builds a gin engine with recovery and the admin routes.
func NewRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	RegisterRoutes(router.Group("/v1"), h)
	return router
}
