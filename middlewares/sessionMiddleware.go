package middlewares

import (
	"net/http"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/utils"
	"github.com/gin-gonic/gin"
)

func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		username, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)
		if deviceId := c.Request.Header.Get("X-Device-Id"); deviceId != "" {
			ctx = utils.SetDeviceIdInContext(ctx, deviceId)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
