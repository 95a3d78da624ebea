package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Authorizer decides which authenticated users get the admin routes
type Authorizer interface {
	IsAdmin(userID string) bool
}

// AllowList is a static set of admin user ids
type AllowList map[string]struct{}

func NewAllowList(ids []string) AllowList {
	a := make(AllowList, len(ids))

	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			a[id] = struct{}{}
		}
	}

	return a
}

func (a AllowList) IsAdmin(userID string) bool {
	_, ok := a[userID]
	return ok
}

// RequireAdmin has to run after the JWT middleware
func RequireAdmin(a Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")

		if userID == "" || !a.IsAdmin(userID) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":     "Admin access required",
				"requestID": c.GetString("requestID"),
			})
			return
		}

		c.Next()
	}
}
