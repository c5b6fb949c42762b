package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/artisanhq/atelier_backend/models"
	"github.com/artisanhq/atelier_backend/utils"
	"github.com/gin-gonic/gin"
)

func listMaterialsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		materials, err := models.GetMaterials(c.Request.Context(), strings.TrimSpace(c.Query("name")))
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": materials})
	}
}

// listAllMaterialsHandler is the lightweight picker list, cached in redis
// until the next material write.
func listAllMaterialsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		materials, err := models.ListAllMaterial(c.Request.Context())
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": materials})
	}
}

func stockOverviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		overview, err := models.GetStockOverview(c.Request.Context())
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": overview})
	}
}

func getMaterialHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		material, err := models.GetMaterial(c.Request.Context(), id)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": material})
	}
}

func createMaterialHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		var input models.NewMaterial
		if err := c.ShouldBindJSON(&input); err != nil {
			writeBindError(c, err)
			return
		}
		material, err := models.CreateMaterial(c.Request.Context(), input)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": material})
	}
}

func updateMaterialHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		var input models.UpdateMaterialInput
		if err := c.ShouldBindJSON(&input); err != nil {
			writeBindError(c, err)
			return
		}
		material, err := models.UpdateMaterial(c.Request.Context(), id, input)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": material})
	}
}

func deleteMaterialHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		material, err := models.DeleteMaterial(c.Request.Context(), id)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": material})
	}
}

func toggleActiveMaterialHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		var req struct {
			IsActive *bool `json:"is_active" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "is_active is required"})
			return
		}
		material, err := models.ToggleActiveMaterial(c.Request.Context(), id, *req.IsActive)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": material})
	}
}

// adjustMaterialHandler is the stock mutation endpoint. Conflict and
// insufficient-stock responses carry the current stored state so the client
// can re-read the version without another round trip.
func adjustMaterialHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		var input models.AdjustMaterialInput
		if err := c.ShouldBindJSON(&input); err != nil {
			writeBindError(c, err)
			return
		}
		material, err := models.AdjustMaterial(c.Request.Context(), input)
		if err != nil {
			switch {
			case errors.Is(err, utils.ErrorVersionConflict):
				c.JSON(http.StatusConflict, gin.H{
					"error":      err.Error(),
					"error_code": "CONFLICT",
					"current":    material,
				})
			case errors.Is(err, utils.ErrorInsufficientStock):
				c.JSON(http.StatusUnprocessableEntity, gin.H{
					"error":      err.Error(),
					"error_code": "INSUFFICIENT_STOCK",
					"current":    material,
				})
			default:
				writeModelError(c, err)
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": material})
	}
}

func materialLedgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		var after *string
		if v := strings.TrimSpace(c.Query("after")); v != "" {
			after = &v
		}
		edges, pageInfo, err := models.PaginateMaterialLedger(c.Request.Context(), id, limit, after)
		if err != nil {
			writeModelError(c, err)
			return
		}
		entries := make([]gin.H, 0, len(edges))
		for _, edge := range edges {
			entries = append(entries, gin.H{"node": edge.Node, "cursor": edge.Cursor})
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"edges": entries, "page_info": pageInfo}})
	}
}

func importMaterialsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		file, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read file"})
			return
		}
		defer file.Close()

		result, err := models.ImportMaterialsFromXlsx(c.Request.Context(), file, fileHeader.Filename)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": result})
	}
}

func exportMaterialsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		f, err := models.ExportMaterialsXlsx(c.Request.Context())
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=materials.xlsx")
		if err := f.Write(c.Writer); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to write export"})
			return
		}
	}
}
