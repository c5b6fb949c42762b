package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// embedding struct will receive ID field, satisfy Identifier interface
type HasId struct {
	ID int `json:"id"`
}

func (h HasId) GetId() int {
	return h.ID
}

type HasUid struct {
	ID uuid.UUID `json:"id"`
}

func (h HasUid) GetId() uuid.UUID {
	return h.ID
}

type AllMaterial struct {
	HasId
	Name            string          `json:"name"`
	Unit            string          `json:"unit"`
	CurrentQuantity decimal.Decimal `json:"current_quantity"`
	IsActive        bool            `json:"is_active"`
}

type AllProduct struct {
	HasId
	Name       string          `json:"name"`
	Sku        *string         `json:"sku"`
	SalesPrice decimal.Decimal `json:"sales_price"`
	IsActive   bool            `json:"is_active"`
}

type AllOrder struct {
	HasId
	ProductId    int             `json:"product_id"`
	CustomerName string          `json:"customer_name"`
	Quantity     int             `json:"quantity"`
	Amount       decimal.Decimal `json:"amount"`
	OrderDate    time.Time       `json:"order_date"`
	Status       OrderStatus     `json:"status"`
}

type AllArtisan struct {
	HasUid
	Name      string `json:"name"`
	CraftType string `json:"craft_type"`
	IsActive  bool   `json:"is_active"`
}

func ListAllMaterial(ctx context.Context) ([]*AllMaterial, error) {
	return ListAllResource[Material, AllMaterial](ctx, "name ASC")
}

func ListAllProduct(ctx context.Context) ([]*AllProduct, error) {
	return ListAllResource[Product, AllProduct](ctx, "name ASC")
}

func ListAllOrder(ctx context.Context) ([]*AllOrder, error) {
	return ListAllResource[Order, AllOrder](ctx, "order_date ASC, id ASC")
}

func ListAllArtisan(ctx context.Context) ([]*AllArtisan, error) {
	return ListAllAdmin[Artisan, AllArtisan](ctx, "id", "name", "craft_type", "is_active")
}
