package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var errNoToken = errors.New("no authorization token")

// NewJWTMiddleware authenticates requests with an HS256 token issued by the
// identity provider. The token is read from the Authorization header, or from
// the named cookie when the header is missing. The user id comes from the
// sub claim, falling back to user_id, and is stored as userID.
func NewJWTMiddleware(secret []byte, cookie string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithJSONNumber(),
	)

	keyFunc := func(*jwt.Token) (any, error) {
		return secret, nil
	}

	return func(c *gin.Context) {
		requestID := c.GetString("requestID")

		tokenStr, err := tokenFrom(c, cookie)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":     "No authorization token",
				"requestID": requestID,
			})
			return
		}

		claims := jwt.MapClaims{}

		token, err := parser.ParseWithClaims(tokenStr, claims, keyFunc)
		if err != nil || !token.Valid {
			msg := "Authorization token invalid"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "Authorization token expired. Please log in again"
			}

			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":     msg,
				"requestID": requestID,
			})

			zap.L().Debug("Rejected token", zap.Error(err), zap.String("requestID", requestID))
			return
		}

		userID, err := userIDFrom(claims)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":     "Authorization token invalid",
				"requestID": requestID,
			})

			zap.L().Debug("Token has no usable subject", zap.Error(err), zap.String("requestID", requestID))
			return
		}

		c.Set("userID", userID)
		c.Next()
	}
}

func tokenFrom(c *gin.Context, cookie string) (string, error) {
	if h := c.GetHeader("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", errNoToken
		}

		return strings.TrimSpace(token), nil
	}

	if cookie == "" {
		return "", errNoToken
	}

	tokenStr, err := c.Cookie(cookie)
	if err != nil || tokenStr == "" {
		return "", errNoToken
	}

	return tokenStr, nil
}

func userIDFrom(claims jwt.MapClaims) (string, error) {
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}

	switch v := claims["user_id"].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case json.Number:
		return v.String(), nil
	}

	return "", errors.New("token has neither sub nor user_id")
}
