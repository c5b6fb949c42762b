package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/artisanhq/atelier_backend/models"
	"github.com/gin-gonic/gin"
)

func historyFilterInt(c *gin.Context, name string) *int {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return nil
	}
	return &n
}

func historyFilterString(c *gin.Context, name string) *string {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return nil
	}
	return &v
}

// listHistoryHandler pages through the audit trail, newest first. Filters
// narrow by document (reference_type plus reference_id), by user or by
// action type.
func listHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
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

		edges, pageInfo, err := models.PaginateHistory(c.Request.Context(),
			historyFilterString(c, "reference_type"),
			historyFilterInt(c, "reference_id"),
			historyFilterInt(c, "user_id"),
			historyFilterString(c, "action_type"),
			limit, after)
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

func getHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		history, err := models.GetHistory(c.Request.Context(), id)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": history})
	}
}

// orderHistoryHandler returns the full trail for one order without paging.
// An order rarely collects more than a handful of rows.
func orderHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		referenceType := "orders"
		histories, err := models.GetHistories(c.Request.Context(), &id, &referenceType, nil)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": histories})
	}
}
