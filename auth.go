package main

import (
	"net/http"
	"strings"

	"github.com/artisanhq/atelier_backend/models"
	"github.com/artisanhq/atelier_backend/utils"
	"github.com/gin-gonic/gin"
)

type signinRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func signinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req signinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
			return
		}
		info, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": info})
	}
}

func adminSigninHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req signinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
			return
		}
		token, err := models.AdminLogin(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"token": token}})
	}
}

func signoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := models.Logout(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"signed_out": ok}})
	}
}

func changePasswordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OldPassword string `json:"old_password" binding:"required"`
			NewPassword string `json:"new_password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "old_password and new_password are required"})
			return
		}
		user, err := models.ChangePassword(c.Request.Context(), req.OldPassword, req.NewPassword)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user.PrepareGive()
		c.JSON(http.StatusOK, gin.H{"data": user})
	}
}

// meHandler returns the session user together with the artisan profile the
// request is scoped to.
func meHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userId, ok := utils.GetUserIdFromContext(ctx)
		if !ok || userId == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		user, err := models.GetUser(ctx, userId)
		if err != nil {
			writeModelError(c, err)
			return
		}
		user.PrepareGive()

		response := gin.H{"user": user}
		if artisanId, ok := utils.GetArtisanIdFromContext(ctx); ok && artisanId != "" {
			artisan, err := models.GetArtisan(ctx)
			if err == nil {
				response["artisan"] = artisan
			}
		}
		c.JSON(http.StatusOK, gin.H{"data": response})
	}
}

func getArtisanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		artisan, err := models.GetArtisan(c.Request.Context())
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": artisan})
	}
}

func updateArtisanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		artisanId, ok := artisanFromRequest(c)
		if !ok {
			return
		}
		var input models.UpdateArtisanInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		artisan, err := models.UpdateArtisan(c.Request.Context(), artisanId, input)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": artisan})
	}
}

func createUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		var input models.NewUser
		if err := c.ShouldBindJSON(&input); err != nil {
			writeBindError(c, err)
			return
		}
		user, err := models.CreateUser(c.Request.Context(), &input)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": user})
	}
}

func updateUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		var input models.User
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		user, err := input.UpdateUser(c.Request.Context(), id)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": user})
	}
}

func deleteUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		var input models.User
		user, err := input.DeleteUser(c.Request.Context(), id)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": user})
	}
}

/*
	admin ops: artisan registration and maintenance
*/

func registerArtisanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var input models.NewArtisan
		if err := c.ShouldBindJSON(&input); err != nil {
			writeBindError(c, err)
			return
		}
		artisan, err := models.CreateArtisan(c.Request.Context(), input)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": artisan})
	}
}

func listArtisansHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		artisans, err := models.GetArtisans(c.Request.Context(), strings.TrimSpace(c.Query("name")))
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": artisans})
	}
}

func listAllArtisansHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		artisans, err := models.ListAllArtisan(c.Request.Context())
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": artisans})
	}
}

func toggleActiveArtisanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		artisanId := strings.TrimSpace(c.Param("id"))
		if artisanId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "artisan id is required"})
			return
		}
		var req struct {
			IsActive *bool `json:"is_active" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "is_active is required"})
			return
		}
		artisan, err := models.ToggleActiveArtisan(c.Request.Context(), artisanId, *req.IsActive)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": artisan})
	}
}

func listUsersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		users, err := models.GetAllUsers(c.Request.Context())
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": users})
	}
}
