package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/utils"
)

// Feasibility boundaries in percent. The 30% line decides between at risk
// and unfeasible and has nothing to do with the 20% reorder threshold.
var (
	feasibleBoundary = decimal.NewFromInt(100)
	atRiskBoundary   = decimal.NewFromInt(30)
	hundredPercent   = decimal.NewFromInt(100)
)

type MaterialFeasibility struct {
	MaterialName string          `json:"material_name"`
	Required     decimal.Decimal `json:"required"`
	Available    decimal.Decimal `json:"available"`
	Coverage     decimal.Decimal `json:"coverage"`
}

type OrderFeasibility struct {
	OrderId              int                   `json:"order_id"`
	Level                FeasibilityLevel      `json:"level,omitempty"`
	Coverage             decimal.Decimal       `json:"coverage"`
	MissingMaterials     []string              `json:"missing_materials,omitempty"`
	Materials            []MaterialFeasibility `json:"materials,omitempty"`
	MissingSpecification bool                  `json:"missing_specification,omitempty"`
	EvaluatedAt          time.Time             `json:"evaluated_at"`
}

func feasibilityCacheKey(artisanId string) string {
	return "Feasibility:" + artisanId
}

// InvalidateFeasibilityCache drops the cached snapshot so the next read
// recomputes. Write hooks call it synchronously; workers call it when they
// cannot rebuild in place.
func InvalidateFeasibilityCache(artisanId string) error {
	return config.RemoveRedisKey(feasibilityCacheKey(artisanId))
}

// classifyRequirement grades one order's requirement against the stock that
// remains after higher priority reservations. Pure, no IO.
func classifyRequirement(requirement *MaterialRequirement, available map[string]decimal.Decimal) OrderFeasibility {
	result := OrderFeasibility{
		OrderId:     requirement.OrderId,
		Coverage:    hundredPercent,
		EvaluatedAt: time.Now(),
	}

	first := true
	for _, name := range requirement.SortedNames() {
		required := requirement.Lines[name]
		remaining := available[name]
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}

		coverage := hundredPercent
		if remaining.LessThan(required) {
			coverage = remaining.Div(required).Mul(hundredPercent)
			result.MissingMaterials = append(result.MissingMaterials, name)
		}
		result.Materials = append(result.Materials, MaterialFeasibility{
			MaterialName: name,
			Required:     required,
			Available:    remaining,
			Coverage:     coverage,
		})
		if first || coverage.LessThan(result.Coverage) {
			result.Coverage = coverage
			first = false
		}
	}

	switch {
	case result.Coverage.GreaterThanOrEqual(feasibleBoundary):
		result.Level = FeasibilityFeasible
	case result.Coverage.GreaterThanOrEqual(atRiskBoundary):
		result.Level = FeasibilityAtRisk
	default:
		result.Level = FeasibilityUnfeasible
	}
	return result
}

// reserve subtracts a requirement from the running stock picture. Higher
// priority orders reserve in full whether or not they are feasible.
func reserve(available map[string]decimal.Decimal, requirement *MaterialRequirement) {
	for name, required := range requirement.Lines {
		available[name] = available[name].Sub(required)
	}
}

// backlogOrders returns the pending backlog in priority order: order date
// first, id as the tiebreak. Only pending orders hold a backlog position, a
// started order reserves nothing.
func backlogOrders(ctx context.Context, artisanId string) ([]Order, error) {
	db := config.GetDB()
	var orders []Order
	if err := db.WithContext(ctx).Model(&Order{}).
		Where("artisan_id = ? AND status = ?", artisanId, OrderStatusPending).
		Order("order_date ASC, id ASC").
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// classifyBacklog walks the pending backlog in priority order against one
// stock snapshot. Each order's requirement is reserved before the next
// order is graded, so a lower priority order only sees what its seniors
// left over. Orders without a specification are flagged and reserve
// nothing.
func classifyBacklog(ctx context.Context, artisanId string) ([]OrderFeasibility, error) {
	db := config.GetDB()
	// one stable snapshot for the whole walk
	available, err := snapshotStockLevels(db.WithContext(ctx), artisanId)
	if err != nil {
		return nil, err
	}
	orders, err := backlogOrders(ctx, artisanId)
	if err != nil {
		return nil, err
	}

	results := make([]OrderFeasibility, 0, len(orders))
	for i := range orders {
		order := orders[i]
		requirement, err := resolveMaterialRequirementsTx(
			db.WithContext(ctx), artisanId, order.ID, order.ProductId, order.Quantity)
		if err != nil {
			if errors.Is(err, utils.ErrorMissingSpecification) {
				results = append(results, OrderFeasibility{
					OrderId:              order.ID,
					MissingSpecification: true,
					EvaluatedAt:          time.Now(),
				})
				continue
			}
			return nil, err
		}
		results = append(results, classifyRequirement(requirement, available))
		reserve(available, requirement)
	}
	return results, nil
}

// ClassifyPendingOrders grades the whole backlog, serving from the cache
// when it is warm.
func ClassifyPendingOrders(ctx context.Context) ([]OrderFeasibility, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	if !config.FeasibilityCacheDisabled() {
		var cached []OrderFeasibility
		exists, err := config.GetRedisObject(feasibilityCacheKey(artisanId), &cached)
		if err != nil {
			return nil, err
		}
		if exists {
			return cached, nil
		}
	}

	results, err := classifyBacklog(ctx, artisanId)
	if err != nil {
		return nil, err
	}

	if !config.FeasibilityCacheDisabled() {
		if err := config.SetRedisObject(feasibilityCacheKey(artisanId), results, utils.GetCacheLifespan()); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// RebuildFeasibilityCache recomputes the backlog grading and reprimes the
// cache. The event consumer calls it after stock or order changes so the
// next dashboard read is warm.
func RebuildFeasibilityCache(ctx context.Context, artisanId string) ([]OrderFeasibility, error) {
	if artisanId == "" {
		return nil, errors.New("artisan id is required")
	}
	results, err := classifyBacklog(ctx, artisanId)
	if err != nil {
		return nil, err
	}
	if config.FeasibilityCacheDisabled() {
		return results, nil
	}
	if err := config.SetRedisObject(feasibilityCacheKey(artisanId), results, utils.GetCacheLifespan()); err != nil {
		return nil, err
	}
	return results, nil
}

// ClassifyOrder grades a single pending order within its backlog position.
func ClassifyOrder(ctx context.Context, orderId int) (*OrderFeasibility, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	results, err := ClassifyPendingOrders(ctx)
	if err != nil {
		return nil, err
	}
	for i := range results {
		if results[i].OrderId == orderId {
			if results[i].MissingSpecification {
				return &results[i], utils.ErrorMissingSpecification
			}
			return &results[i], nil
		}
	}

	order, err := utils.FetchModel[Order](ctx, artisanId, orderId)
	if err != nil {
		return nil, err
	}
	return nil, errors.New("order is " + string(order.Status) + ", only pending orders are classified")
}
