package middlewares

import (
	"net/http"
	"strings"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/models"
	"github.com/artisanhq/atelier_backend/utils"
	"github.com/gin-gonic/gin"
)

// ArtisanContextMiddleware resolves the session user into tenant identity.
// SessionMiddleware has already mapped the token to a username; this loads
// the user (redis first, DB fallback) and stamps artisan id, user id and
// display name into the request context so the model layer can scope every
// query. Admin users may act on another artisan's data by sending
// X-Artisan-Id. Requests without a session pass through untouched, handlers
// that need identity reject them later.
func ArtisanContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		username, ok := utils.GetUsernameFromContext(ctx)
		if !ok || username == "" {
			c.Next()
			return
		}

		var user models.User
		exists, err := config.GetRedisObject("User:"+username, &user)
		if err != nil || !exists {
			db := config.GetDB()
			if db == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
				c.Abort()
				return
			}
			if err := db.WithContext(ctx).Model(&models.User{}).
				Where("username = ?", username).Take(&user).Error; err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				c.Abort()
				return
			}
		}
		if user.IsActive != nil && !*user.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		artisanId := user.ArtisanId
		if user.Role == models.UserRoleAdmin {
			ctx = utils.SetIsAdminInContext(ctx, true)
			if override := strings.TrimSpace(c.GetHeader("X-Artisan-Id")); override != "" {
				artisanId = override
			}
		}

		ctx = utils.SetArtisanIdInContext(ctx, artisanId)
		ctx = utils.SetUserIdInContext(ctx, user.ID)
		ctx = utils.SetUserNameInContext(ctx, user.Name)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
