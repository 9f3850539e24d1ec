package api

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/cozy-creator/classifier-server/internal/classifier"
	"github.com/cozy-creator/classifier-server/internal/db/repository"
	"github.com/cozy-creator/classifier-server/internal/services/prediction"
	"github.com/cozy-creator/classifier-server/internal/types"
	"github.com/gin-gonic/gin"
)

// Room for multipart boundaries and headers on top of the image itself.
const multipartOverhead = 1 << 20

var errServiceUnavailable = errors.New("prediction service is not configured")

func Predict(c *gin.Context) {
	svc := getApp(c).Predictions()
	if svc == nil {
		respondInternalError(c, errServiceUnavailable)
		return
	}

	upload, file, err := formUpload(c, svc.MaxUploadSize())
	if err != nil {
		respondInternalError(c, err)
		return
	}
	if file != nil {
		defer file.Close()
	}

	record, err := svc.Predict(c.Request.Context(), upload)
	if err != nil {
		var verr *prediction.ValidationError
		switch {
		case errors.As(err, &verr):
			respond(c, http.StatusBadRequest, types.FieldErrors(verr.Fields()))
		case errors.Is(err, classifier.ErrModelUnavailable):
			respondError(c, http.StatusServiceUnavailable, msgModelNotLoaded)
		default:
			respondInternalError(c, err)
		}
		return
	}

	respond(c, http.StatusOK, types.NewPredictionResponse(record))
}

func ListPredictions(c *gin.Context) {
	svc := getApp(c).Predictions()
	if svc == nil {
		respondInternalError(c, errServiceUnavailable)
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	records, err := svc.ListRecent(c.Request.Context(), limit)
	if err != nil {
		respondInternalError(c, err)
		return
	}

	respond(c, http.StatusOK, types.NewPredictionResponses(records))
}

func GetPrediction(c *gin.Context) {
	svc := getApp(c).Predictions()
	if svc == nil {
		respondInternalError(c, errServiceUnavailable)
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusNotFound, msgPredictionNotFound)
		return
	}

	record, err := svc.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(c, http.StatusNotFound, msgPredictionNotFound)
			return
		}
		respondInternalError(c, err)
		return
	}

	respond(c, http.StatusOK, types.NewPredictionResponse(record))
}

// formUpload extracts the image field. A missing field yields a nil upload;
// a body over the hard cap yields an upload that is known to be too large.
func formUpload(c *gin.Context, maxSize int64) (*prediction.Upload, multipart.File, error) {
	limit := maxSize + multipartOverhead
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	header, err := c.FormFile(prediction.ImageField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &prediction.Upload{Size: tooLarge.Limit, Reader: http.NoBody}, nil, nil
		}
		return nil, nil, nil
	}

	file, err := header.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open upload: %w", err)
	}

	return &prediction.Upload{
		Filename: header.Filename,
		Size:     header.Size,
		Reader:   file,
	}, file, nil
}
