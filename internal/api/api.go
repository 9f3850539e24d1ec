package api

import (
	"net/http"

	"github.com/cozy-creator/classifier-server/internal/app"
	"github.com/cozy-creator/classifier-server/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	msgModelNotLoaded     = "Model not loaded. Check server logs for details."
	msgPredictionNotFound = "Prediction not found"
	msgFileNotFound       = "file not found"
)

func getApp(c *gin.Context) *app.App {
	return c.MustGet("app").(*app.App)
}

// responseType picks the encoding for a response. An explicit format query
// parameter wins over the Accept header.
func responseType(c *gin.Context) string {
	switch format := c.Query("format"); format {
	case types.JSONResponseType, types.MsgpackResponseType:
		return format
	}

	if c.NegotiateFormat(gin.MIMEJSON, types.MsgpackContentType) == types.MsgpackContentType {
		return types.MsgpackResponseType
	}
	return types.JSONResponseType
}

// respond writes body as MessagePack when the client asks for it and as JSON
// otherwise.
func respond(c *gin.Context, status int, body any) {
	if responseType(c) != types.MsgpackResponseType {
		c.JSON(status, body)
		return
	}

	data, err := msgpack.Marshal(body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: err.Error()})
		return
	}
	c.Data(status, types.MsgpackContentType, data)
}

func respondError(c *gin.Context, status int, message string) {
	respond(c, status, types.ErrorResponse{Error: message})
}

// respondInternalError logs err with a stack trace and returns its message.
func respondInternalError(c *gin.Context, err error) {
	getApp(c).Logger.Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("request_id", c.GetString("request_id")),
		zap.Error(err),
		zap.Stack("stack"),
	)
	respondError(c, http.StatusInternalServerError, err.Error())
}
