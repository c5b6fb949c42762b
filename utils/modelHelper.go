package utils

import (
	"context"

	"github.com/artisanhq/atelier_backend/config"
)

/* DB fetching */

// fetch model from db
// (ctx's artisan_id is used in query's WHERE, may return RecordNotFound)
func FetchModel[T any](ctx context.Context, artisanId string, id int, associations ...string) (*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("artisan_id = ?", artisanId)
	// preloading
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}
