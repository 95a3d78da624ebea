// Package respond holds the helpers every handler shares
package respond

import (
	"bitwise74/asset-api/internal/quota"
	"bitwise74/asset-api/internal/service"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Owner returns whose files the request works on. Admin routes set
// targetUserID from the path, everything else acts on the caller.
func Owner(c *gin.Context) string {
	if t := c.GetString("targetUserID"); t != "" {
		return t
	}

	return c.GetString("userID")
}

// Body builds the error payload for err. Server side failures get a
// generic message, the real error is only logged.
func Body(c *gin.Context, err error) (int, gin.H) {
	requestID := c.GetString("requestID")
	kind := service.ErrorKind(err)
	status := service.StatusForKind(kind)

	body := gin.H{
		"error":     err.Error(),
		"kind":      kind,
		"requestID": requestID,
	}

	var qe *quota.QuotaExceededError
	if errors.As(err, &qe) {
		body["usage"] = qe.Usage
	}

	if status >= http.StatusInternalServerError {
		body["error"] = "Internal server error"

		zap.L().Error("Request failed",
			zap.String("requestID", requestID),
			zap.String("kind", kind),
			zap.Error(err))
	}

	return status, body
}

func Error(c *gin.Context, err error) {
	c.JSON(Body(c, err))
}
