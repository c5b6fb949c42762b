package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireArtisanEventLock serializes event handling per artisan across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same *gorm.DB that will run the handler transaction.
func AcquireArtisanEventLock(tx *gorm.DB, artisanId string) error {
	lockName := fmt.Sprintf("inventory-events:%s", artisanId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire event lock for artisan_id=%s", artisanId)
	}
	return nil
}

func ReleaseArtisanEventLock(tx *gorm.DB, artisanId string) {
	lockName := fmt.Sprintf("inventory-events:%s", artisanId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
