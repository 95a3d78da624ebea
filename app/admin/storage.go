package admin

import (
	"bitwise74/asset-api/app/respond"
	"bitwise74/asset-api/internal"
	"bitwise74/asset-api/internal/quota"
	"bitwise74/asset-api/pkg/util"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type quotaBody struct {
	MaxBytes *int64 `json:"maxBytes"`
}

// QuotaUpdate sets a user's cap. Current usage is left alone even if it's
// now above the cap, new uploads are refused until it drops.
func QuotaUpdate(c *gin.Context, d *internal.Deps) {
	requestID := c.MustGet("requestID").(string)
	userID := respond.Owner(c)

	var body quotaBody
	if err := c.ShouldBindJSON(&body); err != nil || body.MaxBytes == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "Body must be a JSON object with maxBytes",
			"kind":      "validation",
			"requestID": requestID,
		})
		return
	}

	u, err := d.Ledger.UpdateQuota(c.Request.Context(), userID, *body.MaxBytes)
	if err != nil {
		if errors.Is(err, quota.ErrInvalidSize) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":     err.Error(),
				"kind":      "validation",
				"requestID": requestID,
			})
			return
		}

		respond.Error(c, err)
		return
	}

	zap.L().Info("Storage quota updated",
		zap.String("requestID", requestID),
		zap.String("admin", c.GetString("userID")),
		zap.String("user_id", userID),
		zap.String("max", util.FormatBytes(u.MaxBytes, 2)))

	c.JSON(http.StatusOK, u)
}

// QuotaRecompute rebuilds a user's usage from their file rows
func QuotaRecompute(c *gin.Context, d *internal.Deps) {
	userID := respond.Owner(c)

	before, err := d.Ledger.Usage(c.Request.Context(), userID)
	if err != nil {
		respond.Error(c, err)
		return
	}

	after, err := d.Ledger.Recompute(c.Request.Context(), userID)
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"before": before,
		"after":  after,
	})
}
