package file

import (
	"bitwise74/asset-api/app/respond"
	"bitwise74/asset-api/internal"
	"bitwise74/asset-api/internal/model"
	"bitwise74/asset-api/internal/repository"
	"bitwise74/asset-api/internal/service"
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"
)

func badQuery(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":     msg,
		"kind":      service.KindValidation,
		"requestID": c.GetString("requestID"),
	})
}

// FileList returns the owner's files. Every filter given is applied, the
// list filters match files having any of the values.
func FileList(c *gin.Context, d *internal.Deps) {
	f := repository.ListFilter{
		FileType:       c.Query("type"),
		PackageName:    c.Query("package"),
		AssetCategory:  c.Query("assetCategory"),
		AudioCategory:  c.Query("audioCategory"),
		Tags:           service.SplitList(c.Query("tags")),
		UsageTags:      service.SplitList(c.Query("usageTags")),
		CharacterNames: service.SplitList(c.Query("characterNames")),
		SortBy:         c.DefaultQuery("sortBy", "uploadDate"),
		SortOrder:      c.DefaultQuery("sortOrder", "desc"),
	}

	if f.FileType != "" && !slices.Contains(model.FileTypes, f.FileType) {
		badQuery(c, "Invalid file type")
		return
	}

	if v := c.Query("favorite"); v != "" {
		fav, err := strconv.ParseBool(v)
		if err != nil {
			badQuery(c, "Favorite must be true or false")
			return
		}

		f.IsFavorite = &fav
	}

	var err error

	f.Limit, err = strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(repository.DefaultLimit)))
	if err != nil || f.Limit <= 0 {
		badQuery(c, "Limit must be a positive number")
		return
	}

	if f.Limit > repository.MaxLimit {
		badQuery(c, "Limit must be at most "+strconv.Itoa(repository.MaxLimit))
		return
	}

	f.Offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || f.Offset < 0 {
		badQuery(c, "Offset must be a non negative number")
		return
	}

	files, err := d.Library.List(c.Request.Context(), respond.Owner(c), f)
	if err != nil {
		respond.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"files":  files,
		"count":  len(files),
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}
