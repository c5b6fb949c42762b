package utils

import (
	"context"
	"errors"
	"reflect"

	"github.com/artisanhq/atelier_backend/config"
)

// check if id exists, using ctx's artisan_id in WHERE, return RecordNOtFound Error
func ValidateResourceId[T any](ctx context.Context, artisanId string, id interface{}) error {

	count, err := ResourceCountWhere[T](ctx, artisanId, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}

	return nil
}

func ValidateUnique[T any](ctx context.Context, artisanId string, column string, value interface{}, exceptId interface{}) error {
	var count int64
	var err error
	if reflect.ValueOf(exceptId).IsZero() {
		count, err = ResourceCountWhere[T](ctx, artisanId, column+" = ?", value)
	} else {
		count, err = ResourceCountWhere[T](ctx, artisanId, column+" = ? AND NOT id = ?", value, exceptId)
	}

	if err != nil {
		return err
	}
	if count > 0 {
		return errors.New("duplicate " + column)
	}
	return nil
}

// count records, using WHERE artisan_id = ? AND $condition
// artisan_id can be blank for admin user
func ResourceCountWhere[T any](ctx context.Context, artisanId string, condition string, value ...interface{}) (int64, error) {
	var model T

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&model)
	var count int64
	if artisanId != "" {
		dbCtx.Where("artisan_id = ?", artisanId)
	}
	dbCtx.Where(condition, value...)
	if err := dbCtx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
