package workflow

import (
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/models"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// staleness window for a STARTED row before another worker may take over
const idempotencyTakeoverAfter = 5 * time.Minute

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns (true, nil) meaning "skip safely".
func BeginIdempotency(tx *gorm.DB, artisanId, handlerName, messageId string) (skip bool, err error) {
	key := models.IdempotencyKey{
		ArtisanId:   artisanId,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("artisan_id = ? AND handler_name = ? AND message_id = ?", artisanId, handlerName, messageId).
		First(&existing).Error; err != nil {
		return false, err
	}

	if existing.Status == models.IdempotencyStatusSucceeded {
		return true, nil
	}
	if existing.Status == models.IdempotencyStatusStarted && time.Since(existing.UpdatedAt) < idempotencyTakeoverAfter {
		// Another worker is currently processing; ask Pub/Sub to retry.
		return false, ErrIdempotencyInProgress
	}
	// FAILED or stale STARTED: reuse the row and run again.
	return false, tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func MarkIdempotencySucceeded(tx *gorm.DB, artisanId, handlerName, messageId string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("artisan_id = ? AND handler_name = ? AND message_id = ?", artisanId, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, artisanId, handlerName, messageId string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("artisan_id = ? AND handler_name = ? AND message_id = ?", artisanId, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}

// PurgeIdempotencyKeys removes terminal rows older than the cutoff. The gc
// command runs it together with the outbox and command log purges.
func PurgeIdempotencyKeys(db *gorm.DB, olderThan time.Time) (int64, error) {
	res := db.
		Where("status = ? AND updated_at < ?", models.IdempotencyStatusSucceeded, olderThan).
		Delete(&models.IdempotencyKey{})
	return res.RowsAffected, res.Error
}
