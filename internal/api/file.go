package api

import (
	"errors"
	"net/http"

	"github.com/cozy-creator/classifier-server/internal/config"
	"github.com/cozy-creator/classifier-server/internal/services/filestorage"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

// GetFile serves a stored upload.
func GetFile(c *gin.Context) {
	filename := c.Param("filepath")
	app := getApp(c)

	storage := app.FileStorage()
	if storage == nil {
		respondError(c, http.StatusNotFound, msgFileNotFound)
		return
	}

	if app.Config().FilesystemType == config.FilesystemLocal {
		file, err := storage.ResolveFile(filename, "")
		if err != nil {
			fileError(c, err)
			return
		}

		c.File(file)
		return
	}

	file, err := storage.GetFile(c.Request.Context(), filename)
	if err != nil {
		fileError(c, err)
		return
	}

	c.Data(http.StatusOK, mimetype.Detect(file.Content).String(), file.Content)
}

func fileError(c *gin.Context, err error) {
	if errors.Is(err, filestorage.ErrFileNotFound) || errors.Is(err, filestorage.ErrInvalidPath) {
		respondError(c, http.StatusNotFound, msgFileNotFound)
		return
	}
	respondInternalError(c, err)
}
