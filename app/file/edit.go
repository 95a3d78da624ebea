package file

import (
	"bitwise74/asset-api/app/respond"
	"bitwise74/asset-api/internal"
	"net/http"

	"github.com/gin-gonic/gin"
)

type tagsBody struct {
	Tags []string `json:"tags"`
}

func FileFavorite(c *gin.Context, d *internal.Deps) {
	f, err := d.Library.ToggleFavorite(c.Request.Context(), c.Param("id"), respond.Owner(c))
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, f)
}

// FileTags replaces the file's tags with the ones in the body
func FileTags(c *gin.Context, d *internal.Deps) {
	var body tagsBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Tags == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "Body must be a JSON object with a tags array",
			"kind":      "validation",
			"requestID": c.GetString("requestID"),
		})
		return
	}

	f, err := d.Library.UpdateTags(c.Request.Context(), c.Param("id"), respond.Owner(c), body.Tags)
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, f)
}
