package models

import (
	"log"

	"github.com/artisanhq/atelier_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Artisan{}, &User{},
		&Material{}, &MaterialLedgerEntry{},
		&Product{}, &ProductMaterial{},
		&Order{}, &OrderDeduction{},
		&InventoryAlert{},
		&OfflineCommand{}, &SyncRun{}, &SyncCommandError{},
		&PubSubMessageRecord{}, &IdempotencyKey{},
		&History{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
