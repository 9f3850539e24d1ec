package api

import (
	"net/http"

	"github.com/cozy-creator/classifier-server/internal/types"
	"github.com/gin-gonic/gin"
)

// Info describes the service and the currently loaded classes. It never
// triggers a model load.
func Info(c *gin.Context) {
	app := getApp(c)
	cfg := app.Config()

	classes := []string{}
	loaded := false
	if models := app.Models(); models != nil {
		classes = models.ClassNames()
		loaded = models.Loaded()
	}

	respond(c, http.StatusOK, types.InfoResponse{
		APIName:     cfg.APIName,
		Version:     cfg.APIVersion,
		Classes:     classes,
		NumClasses:  len(classes),
		ModelLoaded: loaded,
	})
}
