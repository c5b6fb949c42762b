package main

import (
	"net/http"
	"strings"

	"github.com/artisanhq/atelier_backend/models"
	"github.com/gin-gonic/gin"
)

func listAlertsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		status := models.AlertStatus(strings.TrimSpace(c.Query("status")))
		if status != "" && status != models.AlertStatusOpen && status != models.AlertStatusCleared {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		alerts, err := models.GetAlerts(c.Request.Context(), status)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": alerts})
	}
}

func getAlertHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		alert, err := models.GetAlert(c.Request.Context(), id)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": alert})
	}
}

// openAlertCountHandler backs the dashboard badge.
func openAlertCountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		count, err := models.CountOpenAlerts(c.Request.Context())
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"open_count": count}})
	}
}
