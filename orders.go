package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/artisanhq/atelier_backend/models"
	"github.com/gin-gonic/gin"
)

func listOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		status := models.OrderStatus(strings.TrimSpace(c.Query("status")))
		if status != "" && !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}

		// With an explicit limit the endpoint pages by cursor, otherwise it
		// returns the filtered list in one shot.
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			var after *string
			if cursor := strings.TrimSpace(c.Query("after")); cursor != "" {
				after = &cursor
			}
			edges, pageInfo, err := models.PaginateOrders(c.Request.Context(), status, limit, after)
			if err != nil {
				writeModelError(c, err)
				return
			}
			nodes := make([]gin.H, 0, len(edges))
			for _, edge := range edges {
				nodes = append(nodes, gin.H{"node": edge.Node, "cursor": edge.Cursor})
			}
			c.JSON(http.StatusOK, gin.H{"data": gin.H{"edges": nodes, "page_info": pageInfo}})
			return
		}

		orders, err := models.GetOrders(c.Request.Context(), status, strings.TrimSpace(c.Query("customer")))
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": orders})
	}
}

func listAllOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		orders, err := models.ListAllOrder(c.Request.Context())
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": orders})
	}
}

func getOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		order, err := models.GetOrder(c.Request.Context(), id)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": order})
	}
}

func createOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		var input models.NewOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			writeBindError(c, err)
			return
		}
		order, err := models.CreateOrder(c.Request.Context(), input)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": order})
	}
}

func updateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		var input models.NewOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			writeBindError(c, err)
			return
		}
		order, err := models.UpdateOrder(c.Request.Context(), id, input)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": order})
	}
}

func deleteOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		order, err := models.DeleteOrder(c.Request.Context(), id)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": order})
	}
}

func startOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		order, err := models.StartOrder(c.Request.Context(), id)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": order})
	}
}

func cancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		order, err := models.CancelOrder(c.Request.Context(), id)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": order})
	}
}

// completeOrderHandler deducts the order's materials and marks it done.
// Repeats return already_applied=true with the recorded deductions, never a
// second deduction.
func completeOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		result, err := models.CompleteOrder(c.Request.Context(), id)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": result})
	}
}

func orderDeductionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		deductions, err := models.GetOrderDeductions(c.Request.Context(), id)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": deductions})
	}
}

func orderRequirementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		order, err := models.GetOrder(ctx, id)
		if err != nil {
			writeModelError(c, err)
			return
		}
		requirement, err := models.ResolveMaterialRequirements(ctx, order)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": requirement})
	}
}

func feasibilityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		results, err := models.ClassifyPendingOrders(c.Request.Context())
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": results})
	}
}

func orderFeasibilityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromRequest(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		result, err := models.ClassifyOrder(c.Request.Context(), id)
		if err != nil {
			writeModelError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": result})
	}
}
