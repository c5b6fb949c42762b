package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/utils"
)

// Artisan is the tenant. Every inventory row hangs off one artisan and
// all tenant-scoped queries filter by ArtisanId.
type Artisan struct {
	ID           uuid.UUID  `gorm:"type:char(36);primaryKey" json:"id"`
	Name         string     `gorm:"size:100;not null" json:"name"`
	CraftType    string     `gorm:"size:100" json:"craft_type"`
	ContactName  string     `gorm:"size:100" json:"contact_name"`
	Email        *string    `gorm:"size:100" json:"email"`
	Phone        *string    `gorm:"size:20" json:"phone"`
	Mobile       *string    `gorm:"size:20" json:"mobile"`
	Website      *string    `gorm:"size:100" json:"website"`
	About        *string    `gorm:"type:text" json:"about"`
	Address      *string    `gorm:"type:text" json:"address"`
	Country      string     `gorm:"size:100" json:"country"`
	City         *string    `gorm:"size:100" json:"city"`
	Timezone     string     `gorm:"size:100" json:"timezone"`
	CurrencyCode string     `gorm:"size:3" json:"currency_code"`
	IsActive     *bool      `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    *time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (artisan *Artisan) StoreRedis() error {
	return config.SetRedisObject("Artisan:"+artisan.ID.String(), artisan, 0)
}

func (artisan *Artisan) RemoveRedis() error {
	return config.RemoveRedisKey("Artisan:" + artisan.ID.String())
}

type NewArtisan struct {
	Name          string `json:"name" binding:"required"`
	CraftType     string `json:"craft_type"`
	ContactName   string `json:"contact_name"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Mobile        string `json:"mobile"`
	Website       string `json:"website"`
	About         string `json:"about"`
	Address       string `json:"address"`
	Country       string `json:"country"`
	City          string `json:"city"`
	Timezone      string `json:"timezone"`
	CurrencyCode  string `json:"currency_code"`
	OwnerUsername string `json:"owner_username" binding:"required"`
	OwnerPassword string `json:"owner_password" binding:"required"`
	OwnerName     string `json:"owner_name"`
	OwnerEmail    string `json:"owner_email"`
}

func (input *NewArtisan) validate(ctx context.Context) error {
	db := config.GetDB()
	var count int64
	if err := db.WithContext(ctx).Model(&Artisan{}).
		Where("name = ?", input.Name).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return errors.New("artisan name already exists")
	}
	if err := db.WithContext(ctx).Model(&User{}).
		Where("username = ?", input.OwnerUsername).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return errors.New("username already exists")
	}
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return errors.New("invalid email address")
	}
	if input.Mobile != "" {
		if err := utils.ValidatePhoneNumber(input.Mobile, utils.CountryCode); err != nil {
			return err
		}
	}
	return nil
}

// CreateArtisan registers a tenant together with its owner account in one
// transaction. Blank locale fields default to an Indian craft business.
func CreateArtisan(ctx context.Context, input NewArtisan) (*Artisan, error) {
	if err := input.validate(ctx); err != nil {
		return nil, err
	}

	if input.Timezone == "" {
		input.Timezone = "Asia/Kolkata"
	}
	if input.CurrencyCode == "" {
		input.CurrencyCode = "INR"
	}
	if input.Country == "" {
		input.Country = "India"
	}
	if input.OwnerName == "" {
		input.OwnerName = input.ContactName
	}

	artisan := Artisan{
		ID:           uuid.New(),
		Name:         input.Name,
		CraftType:    input.CraftType,
		ContactName:  input.ContactName,
		Email:        utils.NilIfEmpty(input.Email),
		Phone:        utils.NilIfEmpty(input.Phone),
		Mobile:       utils.NilIfEmpty(input.Mobile),
		Website:      utils.NilIfEmpty(input.Website),
		About:        utils.NilIfEmpty(input.About),
		Address:      utils.NilIfEmpty(input.Address),
		Country:      input.Country,
		City:         utils.NilIfEmpty(input.City),
		Timezone:     input.Timezone,
		CurrencyCode: input.CurrencyCode,
	}

	// History rows written by the owner-user hook belong to the new tenant,
	// not to the admin performing the registration.
	ctx = utils.SetArtisanIdInContext(ctx, artisan.ID.String())

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&artisan).Error; err != nil {
			return err
		}
		return CreateDefaultOwner(ctx, tx, artisan.ID.String(), input)
	})
	if err != nil {
		return nil, err
	}

	// caching
	if err := artisan.StoreRedis(); err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisList[AllArtisan](""); err != nil {
		return nil, err
	}
	return &artisan, nil
}

type UpdateArtisanInput struct {
	Name         string `json:"name" binding:"required"`
	CraftType    string `json:"craft_type"`
	ContactName  string `json:"contact_name"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	Mobile       string `json:"mobile"`
	Website      string `json:"website"`
	About        string `json:"about"`
	Address      string `json:"address"`
	Country      string `json:"country"`
	City         string `json:"city"`
	Timezone     string `json:"timezone"`
	CurrencyCode string `json:"currency_code"`
}

func UpdateArtisan(ctx context.Context, id string, input UpdateArtisanInput) (*Artisan, error) {
	db := config.GetDB()

	var artisan Artisan
	if err := db.WithContext(ctx).Where("id = ?", id).First(&artisan).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	var count int64
	if err := db.WithContext(ctx).Model(&Artisan{}).
		Where("name = ? AND id <> ?", input.Name, id).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("artisan name already exists")
	}
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return nil, errors.New("invalid email address")
	}

	err := db.WithContext(ctx).Model(&artisan).Updates(map[string]interface{}{
		"Name":         input.Name,
		"CraftType":    input.CraftType,
		"ContactName":  input.ContactName,
		"Email":        utils.NilIfEmpty(input.Email),
		"Phone":        utils.NilIfEmpty(input.Phone),
		"Mobile":       utils.NilIfEmpty(input.Mobile),
		"Website":      utils.NilIfEmpty(input.Website),
		"About":        utils.NilIfEmpty(input.About),
		"Address":      utils.NilIfEmpty(input.Address),
		"Country":      input.Country,
		"City":         utils.NilIfEmpty(input.City),
		"Timezone":     input.Timezone,
		"CurrencyCode": input.CurrencyCode,
	}).Error
	if err != nil {
		return nil, err
	}

	// caching
	if err := artisan.RemoveRedis(); err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisList[AllArtisan](""); err != nil {
		return nil, err
	}
	return &artisan, nil
}

// ToggleActiveArtisan suspends or reactivates a tenant. The flag cascades
// to the tenant's user accounts so nobody can log in while suspended.
func ToggleActiveArtisan(ctx context.Context, id string, isActive bool) (*Artisan, error) {
	db := config.GetDB()

	var artisan Artisan
	if err := db.WithContext(ctx).Where("id = ?", id).First(&artisan).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&artisan).UpdateColumn("IsActive", isActive).Error; err != nil {
			return err
		}
		return tx.Model(&User{}).Where("artisan_id = ?", id).
			UpdateColumn("IsActive", isActive).Error
	})
	if err != nil {
		return nil, err
	}

	// caching
	if err := artisan.RemoveRedis(); err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisList[AllArtisan](""); err != nil {
		return nil, err
	}
	artisan.IsActive = &isActive
	return &artisan, nil
}

func GetArtisanById(ctx context.Context, id string) (*Artisan, error) {
	var result Artisan

	exists, err := config.GetRedisObject("Artisan:"+id, &result)
	if err != nil {
		return nil, err
	}

	if !exists {
		db := config.GetDB()
		// db query
		err := db.WithContext(ctx).Where("id = ?", id).First(&result).Error
		if err != nil {
			return nil, utils.ErrorRecordNotFound
		}
		// caching
		if err := result.StoreRedis(); err != nil {
			return nil, err
		}
	}
	return &result, nil
}

// GetArtisan returns the caller's own tenant record.
func GetArtisan(ctx context.Context) (*Artisan, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}
	return GetArtisanById(ctx, artisanId)
}

func GetArtisans(ctx context.Context, name string) ([]Artisan, error) {
	db := config.GetDB()
	var artisans []Artisan
	dbCtx := db.WithContext(ctx).Order("name ASC")
	if name != "" {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+name+"%")
	}
	if err := dbCtx.Find(&artisans).Error; err != nil {
		return nil, err
	}
	return artisans, nil
}
