package middlewares

import (
	"net/http"
	"strings"

	"github.com/artisanhq/atelier_backend/utils"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware accepts the bearer token issued by the admin signin and
// stamps the username into context. ArtisanContextMiddleware resolves the
// user from there, the same as the session flow.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		const bearer = "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		validated, err := utils.JwtValidate(strings.TrimPrefix(auth, bearer))
		if err != nil || !validated.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claim, ok := validated.Claims.(*utils.JwtCustomClaim)
		if !ok || claim.Username == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetUsernameInContext(c.Request.Context(), claim.Username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
