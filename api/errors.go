package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/projecteru2/core/log"

	"github.com/cocoonstack/vmbackup/types"
)

// ErrorHandler renders the last handler error as a types.Error body with
// the status matching its code.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 {
			return
		}
		ctx := c.Request.Context()
		logger := log.WithFunc("api.ErrorHandler")
		err := c.Errors.Last().Err

		var coded *types.Error
		if !errors.As(err, &coded) {
			logger.Errorf(ctx, err, "unhandled request error")
			c.JSON(http.StatusInternalServerError, &types.Error{Code: types.CodeInternal, Message: err.Error()})
			return
		}
		status := StatusOf(coded.Code)
		if status >= http.StatusInternalServerError {
			logger.Errorf(ctx, err, "%s %s", c.Request.Method, c.Request.URL.Path)
		} else {
			logger.Warnf(ctx, "%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		}
		c.JSON(status, &types.Error{Code: coded.Code, Message: err.Error()})
	}
}

// StatusOf maps an error code to an HTTP status.
func StatusOf(code types.Code) int {
	switch code {
	case types.CodeNoDomain, types.CodeNoBackup, types.CodeNoCheckpoint:
		return http.StatusNotFound
	case types.CodeOperationInvalid, types.CodeAlreadyExists:
		return http.StatusConflict
	case types.CodeInvalidArgument, types.CodeConfigUnsupported, types.CodeArgumentUnsupported, types.CodeXML:
		return http.StatusBadRequest
	case types.CodeOperationUnsupported:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
