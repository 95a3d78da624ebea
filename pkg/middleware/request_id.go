// Package middleware contains any custom middleware used in the app
package middleware

import (
	"bitwise74/asset-api/pkg/util"
	"regexp"

	"github.com/gin-gonic/gin"
)

const requestIDHeader = "X-Request-ID"

var validRequestID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NewRequestIDMiddleware sets requestID for every request. A well formed
// X-Request-ID from a proxy is reused, otherwise a new one is generated. The
// id is echoed back in the response header.
func NewRequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if !validRequestID.MatchString(id) {
			id = util.RandStr(10)
		}

		c.Set("requestID", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}
