package admin

import (
	"bitwise74/asset-api/app/respond"
	"bitwise74/asset-api/internal"
	"bitwise74/asset-api/pkg/util"
	"net/http"

	"github.com/gin-gonic/gin"
)

func Stats(c *gin.Context, d *internal.Deps) {
	agg, err := d.Ledger.AggregateStats(c.Request.Context())
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"storage":             agg,
		"totalUsedFormatted":  util.FormatBytes(agg.TotalBytesUsed, 2),
		"totalQuotaFormatted": util.FormatBytes(agg.TotalQuota, 2),
		"pendingJobs":         d.JobQueue.Pending(),
	})
}

// Reconcile runs a sweep right away and returns its report
func Reconcile(c *gin.Context, d *internal.Deps) {
	rep, err := d.Reconciler.Sweep(c.Request.Context())
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, rep)
}
