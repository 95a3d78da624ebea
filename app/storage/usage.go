package storage

import (
	"bitwise74/asset-api/app/respond"
	"bitwise74/asset-api/internal"
	"bitwise74/asset-api/internal/service"
	"bitwise74/asset-api/internal/storage"
	"net/http"

	"github.com/gin-gonic/gin"
)

// StorageUsage returns the owner's usage. Users that never uploaded get the
// default quota without a row being created.
func StorageUsage(c *gin.Context, d *internal.Deps) {
	u, err := d.Ledger.Usage(c.Request.Context(), respond.Owner(c))
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, u)
}

// StorageInit creates the owner's ledger row and directories. Calling it
// again changes nothing.
func StorageInit(c *gin.Context, d *internal.Deps) {
	userID := respond.Owner(c)

	if err := storage.ValidateUserID(userID); err != nil {
		respond.Error(c, &service.ValidationError{Msg: err.Error()})
		return
	}

	u, err := d.Ledger.Initialize(c.Request.Context(), userID, nil)
	if err != nil {
		respond.Error(c, err)
		return
	}

	if err := d.Resolver.EnsureUserDirectories(userID); err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, u)
}
