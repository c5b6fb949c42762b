package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/utils"
)

// Product is a sellable good with an optional material breakdown. Orders
// for a product without a breakdown cannot be resolved into requirements
// and surface as missing their specification.
type Product struct {
	ID           int               `gorm:"primary_key" json:"id"`
	ArtisanId    string            `gorm:"size:64;not null;uniqueIndex:uniq_product_name" json:"artisan_id"`
	Name         string            `gorm:"size:100;not null;uniqueIndex:uniq_product_name" json:"name" binding:"required"`
	Sku          *string           `gorm:"size:50" json:"sku"`
	Description  *string           `gorm:"type:text" json:"description"`
	PhotoUrl     *string           `gorm:"size:255" json:"photo_url"`
	ThumbnailUrl *string           `gorm:"size:255" json:"thumbnail_url"`
	SalesPrice   decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"sales_price"`
	Materials    []ProductMaterial `gorm:"foreignKey:ProductId" json:"materials"`
	IsActive     *bool             `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (product Product) GetId() int {
	return product.ID
}

func (product Product) GetArtisanId() string {
	return product.ArtisanId
}

// ProductMaterial is one breakdown line: how much of a material one unit of
// the product consumes. Lines reference materials by name so specifications
// recorded offline stay valid across material re-imports.
type ProductMaterial struct {
	ID           int             `gorm:"primary_key" json:"id"`
	ArtisanId    string          `gorm:"size:64;not null;index" json:"artisan_id"`
	ProductId    int             `gorm:"not null;uniqueIndex:uniq_product_material" json:"product_id"`
	MaterialName string          `gorm:"size:100;not null;uniqueIndex:uniq_product_material" json:"material_name"`
	Quantity     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Unit         string          `gorm:"size:20" json:"unit"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewProductMaterial struct {
	MaterialName string          `json:"material_name" binding:"required"`
	Quantity     decimal.Decimal `json:"quantity" binding:"required"`
	Unit         string          `json:"unit"`
}

type NewProduct struct {
	Name        string               `json:"name" binding:"required"`
	Sku         string               `json:"sku"`
	Description string               `json:"description"`
	SalesPrice  decimal.Decimal      `json:"sales_price"`
	Materials   []NewProductMaterial `json:"materials"`
}

func validateProductMaterials(lines []NewProductMaterial) error {
	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		name := strings.TrimSpace(line.MaterialName)
		if name == "" {
			return errors.New("material name is required on every breakdown line")
		}
		if seen[name] {
			return fmt.Errorf("duplicate breakdown line for %s", name)
		}
		seen[name] = true
		if !line.Quantity.IsPositive() {
			return fmt.Errorf("breakdown quantity for %s must be positive", name)
		}
	}
	return nil
}

func (input *NewProduct) validate(ctx context.Context, artisanId string, id int) error {
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return errors.New("product name is required")
	}
	if err := utils.ValidateUnique[Product](ctx, artisanId, "name", input.Name, id); err != nil {
		return err
	}
	if input.SalesPrice.IsNegative() {
		return errors.New("sales price cannot be negative")
	}
	return validateProductMaterials(input.Materials)
}

func buildProductMaterials(artisanId string, productId int, lines []NewProductMaterial) []ProductMaterial {
	materials := make([]ProductMaterial, 0, len(lines))
	for _, line := range lines {
		materials = append(materials, ProductMaterial{
			ArtisanId:    artisanId,
			ProductId:    productId,
			MaterialName: strings.TrimSpace(line.MaterialName),
			Quantity:     line.Quantity,
			Unit:         line.Unit,
		})
	}
	return materials
}

func CreateProduct(ctx context.Context, input NewProduct) (*Product, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}
	if err := input.validate(ctx, artisanId, 0); err != nil {
		return nil, err
	}

	product := Product{
		ArtisanId:   artisanId,
		Name:        input.Name,
		Sku:         utils.NilIfEmpty(input.Sku),
		Description: utils.NilIfEmpty(input.Description),
		SalesPrice:  input.SalesPrice,
		IsActive:    utils.NewTrue(),
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&product).Error; err != nil {
			return err
		}
		if len(input.Materials) > 0 {
			product.Materials = buildProductMaterials(artisanId, product.ID, input.Materials)
			if err := tx.Create(&product.Materials).Error; err != nil {
				return err
			}
		}
		return PublishInventoryChange(ctx, tx, artisanId, time.Now(), product.ID,
			InventoryReferenceTypeProduct, product, nil, PubSubMessageActionCreate)
	})
	if err != nil {
		return nil, err
	}

	// caching
	if err := product.RemoveAllRedis(); err != nil {
		return nil, err
	}
	if err := InvalidateFeasibilityCache(artisanId); err != nil {
		return nil, err
	}
	return &product, nil
}

// UpdateProduct replaces the whole breakdown. The specification is one
// document, there are no partial line edits on the server side.
func UpdateProduct(ctx context.Context, id int, input NewProduct) (*Product, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	result, err := utils.FetchModel[Product](ctx, artisanId, id)
	if err != nil {
		return nil, err
	}
	if err := input.validate(ctx, artisanId, id); err != nil {
		return nil, err
	}

	before := *result
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(result).Updates(map[string]interface{}{
			"Name":        input.Name,
			"Sku":         utils.NilIfEmpty(input.Sku),
			"Description": utils.NilIfEmpty(input.Description),
			"SalesPrice":  input.SalesPrice,
		}).Error; err != nil {
			return err
		}
		if err := tx.Where("product_id = ?", id).Delete(&ProductMaterial{}).Error; err != nil {
			return err
		}
		result.Materials = nil
		if len(input.Materials) > 0 {
			result.Materials = buildProductMaterials(artisanId, id, input.Materials)
			if err := tx.Create(&result.Materials).Error; err != nil {
				return err
			}
		}
		result.Name = input.Name
		result.SalesPrice = input.SalesPrice
		return PublishInventoryChange(ctx, tx, artisanId, time.Now(), id,
			InventoryReferenceTypeProduct, result, before, PubSubMessageActionUpdate)
	})
	if err != nil {
		return nil, err
	}

	// caching
	if err := RemoveRedisBoth[Product](*result); err != nil {
		return nil, err
	}
	if err := InvalidateFeasibilityCache(artisanId); err != nil {
		return nil, err
	}
	return result, nil
}

func UpdateProductPhoto(ctx context.Context, id int, photoUrl string, thumbnailUrl string) (*Product, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	result, err := utils.FetchModel[Product](ctx, artisanId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(result).Updates(map[string]interface{}{
		"PhotoUrl":     utils.NilIfEmpty(photoUrl),
		"ThumbnailUrl": utils.NilIfEmpty(thumbnailUrl),
	}).Error; err != nil {
		return nil, err
	}

	// caching
	if err := RemoveRedisBoth[Product](*result); err != nil {
		return nil, err
	}
	return result, nil
}

func DeleteProduct(ctx context.Context, id int) (*Product, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	result, err := utils.FetchModel[Product](ctx, artisanId, id, "Materials")
	if err != nil {
		return nil, err
	}

	var count int64
	if err := config.GetDB().WithContext(ctx).Model(&Order{}).
		Where("artisan_id = ? AND product_id = ? AND status IN ?", artisanId, id,
			[]OrderStatus{OrderStatusPending, OrderStatusInProgress}).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("product has %d open order(s)", count)
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("product_id = ?", id).Delete(&ProductMaterial{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(result).Error; err != nil {
			return err
		}
		return PublishInventoryChange(ctx, tx, artisanId, time.Now(), id,
			InventoryReferenceTypeProduct, nil, result, PubSubMessageActionDelete)
	})
	if err != nil {
		return nil, err
	}

	// Remove the photo objects after the record is gone. An orphaned object
	// costs storage, a failed delete must not resurrect the product.
	removeProductObject(ctx, result.PhotoUrl)
	removeProductObject(ctx, result.ThumbnailUrl)

	// caching
	if err := InvalidateFeasibilityCache(artisanId); err != nil {
		return nil, err
	}
	return result, nil
}

func removeProductObject(ctx context.Context, url *string) {
	if url == nil || *url == "" {
		return
	}
	objectName := utils.ExtractObjectKeyFromURL(*url)
	if objectName == "" {
		return
	}
	if err := utils.DeleteImageFromGCS(ctx, objectName); err != nil {
		config.GetLogger().WithField("field", "DeleteProduct").
			Warn("could not delete object " + objectName + ": " + err.Error())
	}
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	return GetResource[Product](ctx, id, "Materials")
}

func GetProducts(ctx context.Context, name string) ([]Product, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	db := config.GetDB()
	var products []Product
	dbCtx := db.WithContext(ctx).Model(&Product{}).Preload("Materials").
		Where("artisan_id = ?", artisanId).Order("name ASC")
	if name != "" {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+name+"%")
	}
	if err := dbCtx.Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

func ToggleActiveProduct(ctx context.Context, id int, isActive bool) (*Product, error) {
	return ToggleActiveModel[Product](ctx, id, isActive)
}

/*
	material requirement resolution
*/

// MaterialRequirement is the resolved bill of materials for one order,
// material name to total quantity needed.
type MaterialRequirement struct {
	OrderId int                        `json:"order_id"`
	Lines   map[string]decimal.Decimal `json:"lines"`
}

// SortedNames returns the requirement's material names in a stable order.
func (req MaterialRequirement) SortedNames() []string {
	names := make([]string, 0, len(req.Lines))
	for name := range req.Lines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resolveMaterialRequirementsTx(tx *gorm.DB, artisanId string, orderId int, productId int, orderQuantity int) (*MaterialRequirement, error) {
	var lines []ProductMaterial
	if err := tx.Model(&ProductMaterial{}).
		Where("artisan_id = ? AND product_id = ?", artisanId, productId).
		Order("material_name ASC").
		Find(&lines).Error; err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, utils.ErrorMissingSpecification
	}

	quantity := decimal.NewFromInt(int64(orderQuantity))
	requirement := MaterialRequirement{
		OrderId: orderId,
		Lines:   make(map[string]decimal.Decimal, len(lines)),
	}
	for _, line := range lines {
		requirement.Lines[line.MaterialName] = line.Quantity.Mul(quantity)
	}
	return &requirement, nil
}

// ResolveMaterialRequirements multiplies the product's breakdown by the
// order quantity. An order for a product with no breakdown fails with the
// missing specification sentinel, never a partial result.
func ResolveMaterialRequirements(ctx context.Context, order *Order) (*MaterialRequirement, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}
	db := config.GetDB()
	return resolveMaterialRequirementsTx(db.WithContext(ctx), artisanId, order.ID, order.ProductId, order.Quantity)
}
