package models

import (
	"github.com/artisanhq/atelier_backend/utils"
)

type RedisCleaner interface {
	RemoveInstanceRedis() error // remove one
	RemoveAllRedis() error      // remove cached list if exists
}

// remove both item & list
func RemoveRedisBoth[T RedisCleaner](obj T) error {
	if err := obj.RemoveInstanceRedis(); err != nil {
		return err
	}
	if err := obj.RemoveAllRedis(); err != nil {
		return err
	}
	return nil
}

func (obj Material) RemoveInstanceRedis() error {
	if err := utils.RemoveRedisItem[Material](obj.ID); err != nil {
		return err
	}
	return nil
}

func (obj Material) RemoveAllRedis() error {
	if err := utils.RemoveRedisList[AllMaterial](obj.ArtisanId); err != nil {
		return err
	}
	return nil
}

func (obj Product) RemoveInstanceRedis() error {
	if err := utils.RemoveRedisItem[Product](obj.ID); err != nil {
		return err
	}
	return nil
}

func (obj Product) RemoveAllRedis() error {
	if err := utils.RemoveRedisList[AllProduct](obj.ArtisanId); err != nil {
		return err
	}
	return nil
}

func (obj Order) RemoveInstanceRedis() error {
	if err := utils.RemoveRedisItem[Order](obj.ID); err != nil {
		return err
	}
	return nil
}

func (obj Order) RemoveAllRedis() error {
	if err := utils.RemoveRedisList[AllOrder](obj.ArtisanId); err != nil {
		return err
	}
	return nil
}
