package utils

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/artisanhq/atelier_backend/config"
)

// Model caches live under two key shapes: one instance per row at
// `Type:$id` and one listing per tenant at `TypeList:$artisanId`. Admin
// listings that span tenants drop the suffix.

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

func GetTypeName[T any]() string {
	var v T
	typeOfT := reflect.TypeOf(v)
	return typeOfT.Name()
}

// Stock-bearing types expire so a missed invalidation cannot show stale
// quantities forever. The rest only change through this API and are
// invalidated by the model hooks.
func typeHasExpiration(typeName string) bool {
	expirableTypes := map[string]bool{
		"Product":         true,
		"ProductMaterial": true,
		"Material":        true,
	}
	return expirableTypes[typeName]
}

func instanceKey[T any](id int) string {
	return GetTypeName[T]() + ":" + fmt.Sprint(id)
}

func listKey[T any](artisanId string) string {
	key := GetTypeName[T]() + "List"
	if artisanId != "" {
		key += ":" + artisanId
	}
	return key
}

// store instance, obj should be a pointer
func StoreRedis[T any](obj any, id int) error {
	var duration time.Duration
	if typeHasExpiration(GetTypeName[T]()) {
		duration = GetCacheLifespan()
	}
	return config.SetRedisObject(instanceKey[T](id), &obj, duration)
}

func StoreRedisList[T any](obj any, artisanId string) error {
	var duration time.Duration
	if typeHasExpiration(GetTypeName[T]()) {
		duration = GetCacheLifespan()
	}
	return config.SetRedisObject(listKey[T](artisanId), &obj, duration)
}

// RetrieveRedis returns nil without error on a cache miss.
func RetrieveRedis[T any](id int) (*T, error) {
	var result *T
	exists, err := config.GetRedisObject(instanceKey[T](id), &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

// RetrieveRedisList returns nil without error on a cache miss. artisanId
// can be empty for the admin listings.
func RetrieveRedisList[T any](artisanId string) ([]*T, error) {
	var result []*T
	exists, err := config.GetRedisObject(listKey[T](artisanId), &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

func RemoveRedisList[T any](artisanId string) error {
	return config.RemoveRedisKey(listKey[T](artisanId))
}

func RemoveRedisItem[T any](id int) error {
	return config.RemoveRedisKey(instanceKey[T](id))
}
