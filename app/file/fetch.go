package file

import (
	"bitwise74/asset-api/app/respond"
	"bitwise74/asset-api/internal"
	"errors"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func FileFetch(c *gin.Context, d *internal.Deps) {
	f, err := d.Library.Get(c.Request.Context(), c.Param("id"), respond.Owner(c))
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, f)
}

// FileDownload serves the stored file under its original name
func FileDownload(c *gin.Context, d *internal.Deps) {
	requestID := c.MustGet("requestID").(string)

	f, abs, err := d.Library.Open(c.Request.Context(), c.Param("id"), respond.Owner(c))
	if err != nil {
		respond.Error(c, err)
		return
	}

	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			zap.L().Warn("File row points at a missing file",
				zap.String("requestID", requestID),
				zap.String("file_id", f.ID),
				zap.String("path", f.FilePath),
				zap.Bool("inconsistency", true))

			c.JSON(http.StatusNotFound, gin.H{
				"error":     "File content is missing",
				"kind":      "not_found",
				"requestID": requestID,
			})
			return
		}

		respond.Error(c, err)
		return
	}

	if f.MimeType != "" {
		c.Header("Content-Type", f.MimeType)
	}

	c.FileAttachment(abs, f.OriginalName)
}

func FileThumbnail(c *gin.Context, d *internal.Deps) {
	abs, err := d.Library.Thumbnail(c.Request.Context(), c.Param("id"), respond.Owner(c))
	if err != nil {
		respond.Error(c, err)
		return
	}

	// Thumbnail names are random and never reused
	c.Header("Cache-Control", "private, max-age=31536000, immutable")
	c.File(abs)
}
