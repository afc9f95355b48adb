package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"isca-tracker/internal/config"
	"isca-tracker/internal/middleware"
	"isca-tracker/internal/server"
)

func SetupRouter(cfg *config.Config, srv *server.Server) *gin.Engine {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware())
	router.Use(middleware.CORSMiddleware(&cfg.CORS))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ws", srv.HandleWS)

	return router
}
