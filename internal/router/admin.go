package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterAdminRoutes adds the session and module listings to an admin
// engine.
func (rt *Router) RegisterAdminRoutes(routes gin.IRoutes) {
	routes.GET("/sessions", func(c *gin.Context) {
		sessions := rt.Sessions()
		if sessions == nil {
			sessions = []SessionInfo{}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})
	routes.GET("/modules", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"modules":    rt.cfg.Modules.List(nil),
			"categories": rt.cfg.Modules.Categories(),
		})
	})
}
