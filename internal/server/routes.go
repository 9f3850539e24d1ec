package server

import (
	"net/http"

	"github.com/cozy-creator/classifier-server/internal/api"
	"github.com/cozy-creator/classifier-server/internal/app"
	"github.com/cozy-creator/classifier-server/internal/metrics"
	"github.com/gin-gonic/gin"
)

func (s *Server) SetupRoutes(app *app.App) {
	s.ginEngine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.ginEngine.GET("/metrics", metrics.MetricsHandler())

	// Not an API, just a simple file server endpoint
	s.ginEngine.GET("/file/*filepath", handlerWrapper(app, api.GetFile))

	s.ginEngine.GET("/info/", handlerWrapper(app, api.Info))
	s.ginEngine.POST("/predict/", handlerWrapper(app, api.Predict))
	s.ginEngine.GET("/predictions/", handlerWrapper(app, api.ListPredictions))
	s.ginEngine.GET("/predictions/stream/", handlerWrapper(app, api.StreamPredictions))
	s.ginEngine.GET("/predictions/:id/", handlerWrapper(app, api.GetPrediction))
}

func handlerWrapper(app *app.App, f func(c *gin.Context)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Set("app", app)
		f(ctx)
	}
}
