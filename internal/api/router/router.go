package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trananhduc/cadforge/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "cadforge-api-service",
		})
	})

	cadHandler := handler.NewCadHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		cad := v1.Group("/cad")
		{
			// POST /api/v1/cad/generate - Submit a CAD script for processing
			cad.POST("/generate", cadHandler.GenerateModel)

			// GET /api/v1/cad/status/:user_id - Reconciled job status
			cad.GET("/status/:user_id", cadHandler.GetStatus)

			// GET /api/v1/cad/result/:user_id - Terminal result and artifacts
			cad.GET("/result/:user_id", cadHandler.GetResult)

			// GET /api/v1/cad/download/:user_id/:filename - Artifact download
			cad.GET("/download/:user_id/:filename", cadHandler.DownloadFile)

			// GET /api/v1/cad/workers/status - In-memory progress map dump
			cad.GET("/workers/status", cadHandler.GetWorkersStatus)

			// GET /api/v1/cad/templates/oblong - Sample script metadata
			cad.GET("/templates/oblong", cadHandler.GetOblongTemplate)
		}
	}

	return r
}
