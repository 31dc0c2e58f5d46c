package middleware

import (
	"github.com/gin-gonic/gin"

	"heartline/apperr"
	"heartline/logger"
)

type ErrorResponse struct {
	Success   bool          `json:"success"`
	Error     *apperr.Error `json:"error"`
	RequestID string        `json:"request_id"`
}

// RespondError writes err as the standard error body. Untyped errors become
// INTERNAL_ERROR.
func RespondError(c *gin.Context, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Wrap(err, apperr.CodeInternal, "internal server error")
	}
	status := appErr.HTTPStatus()

	ev := logger.Info()
	if status >= 500 {
		ev = logger.Error().Err(appErr.Cause)
	}
	ev.
		Str("request_id", GetRequestID(c)).
		Str("error_code", string(appErr.Code)).
		Str("error_message", appErr.Message).
		Msg("Request failed")

	c.JSON(status, ErrorResponse{
		Success:   false,
		Error:     appErr,
		RequestID: GetRequestID(c),
	})
}

// Recovery turns panics into INTERNAL_ERROR responses.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error().
			Str("request_id", GetRequestID(c)).
			Str("path", c.Request.URL.Path).
			Interface("panic", recovered).
			Msg("Panic recovered")
		RespondError(c, apperr.New(apperr.CodeInternal, "internal server error"))
		c.Abort()
	})
}
