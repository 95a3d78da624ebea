package file

import (
	"bitwise74/asset-api/app/respond"
	"bitwise74/asset-api/internal"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func FileDelete(c *gin.Context, d *internal.Deps) {
	requestID := c.MustGet("requestID").(string)
	userID := respond.Owner(c)

	f, err := d.Library.Delete(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respond.Error(c, err)
		return
	}

	usage, err := d.Ledger.Usage(c.Request.Context(), userID)
	if err != nil {
		zap.L().Error("Failed to read storage usage", zap.String("requestID", requestID), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"id":        f.ID,
		"usage":     usage,
		"requestID": requestID,
	})
}
