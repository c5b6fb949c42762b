// inventory-export writes an artisan's stock snapshot to an xlsx file, the
// same workbook the GET /materials/export endpoint serves. Useful for
// support requests and offline backups.
//
// Usage:
//
//	go run ./cmd/inventory-export -artisan-id <id> -out materials.xlsx
//
// Artisan ids are listed by GET /internal/ops/artisans. Redis is optional,
// without it timestamps fall back to UTC instead of the artisan's timezone.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/models"
	"github.com/artisanhq/atelier_backend/utils"
)

func main() {
	artisanId := flag.String("artisan-id", "", "Artisan whose materials to export (required)")
	out := flag.String("out", "materials.xlsx", "Output file path")
	flag.Parse()

	if *artisanId == "" {
		fmt.Fprintln(os.Stderr, "-artisan-id is required")
		flag.Usage()
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	ctx := utils.SetArtisanIdInContext(context.Background(), *artisanId)
	ctx = utils.SetUserIdInContext(ctx, 0)
	ctx = utils.SetUserNameInContext(ctx, "inventory-export")

	f, err := models.ExportMaterialsXlsx(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to export materials: %v\n", err)
		os.Exit(1)
	}
	if err := f.SaveAs(*out); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", *out, err)
		os.Exit(1)
	}

	rows, err := f.GetRows("Sheet1")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read back workbook: %v\n", err)
		os.Exit(1)
	}
	materialCount := len(rows) - 1
	if materialCount < 0 {
		materialCount = 0
	}
	fmt.Printf("wrote %d materials for artisan %s to %s\n", materialCount, *artisanId, *out)
}
