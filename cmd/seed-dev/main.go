// seed-dev creates or reuses a development artisan with an owner login and,
// unless -with-fixtures=false, a small set of materials, products and pending
// orders to exercise feasibility and completion flows locally.
//
// Usage:
//
//	SEED_OWNER_PASSWORD=... go run ./cmd/seed-dev
//
// Flags override env for convenience. Safe to rerun, existing rows are reused.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/models"
	"github.com/artisanhq/atelier_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

type fixtureMaterial struct {
	name    string
	unit    string
	opening int64
	usage   int64
}

type fixtureProduct struct {
	name  string
	sku   string
	price int64
	lines map[string]int64
}

func main() {
	defaultArtisanName := getenv("SEED_ARTISAN_NAME", "dev-atelier")
	defaultOwnerUsername := getenv("SEED_OWNER_USERNAME", "dev-owner@local")
	defaultOwnerPassword := strings.TrimSpace(os.Getenv("SEED_OWNER_PASSWORD"))

	artisanName := flag.String("artisan-name", defaultArtisanName, "Artisan name to create/reuse")
	ownerUsername := flag.String("owner-username", defaultOwnerUsername, "Owner username to create/reuse")
	ownerPassword := flag.String("owner-password", defaultOwnerPassword, "Owner password to set (required)")
	withFixtures := flag.Bool("with-fixtures", true, "Also seed demo materials, products and pending orders")
	flag.Parse()

	if strings.TrimSpace(*ownerPassword) == "" {
		fmt.Fprintln(os.Stderr, "missing required owner password: set SEED_OWNER_PASSWORD or pass -owner-password")
		os.Exit(2)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	// Model hooks (history/audit) require user id + name in context.
	actorUserID := 1
	if v := strings.TrimSpace(os.Getenv("SEED_ACTOR_USER_ID")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			actorUserID = parsed
		}
	}
	ctx = utils.SetUserIdInContext(ctx, actorUserID)
	ctx = utils.SetUserNameInContext(ctx, getenv("SEED_ACTOR_USER_NAME", "Seed"))

	name := strings.TrimSpace(*artisanName)
	username := strings.TrimSpace(*ownerUsername)

	// 1) Find or create artisan (idempotent)
	var artisan models.Artisan
	err := db.WithContext(ctx).Model(&models.Artisan{}).Where("name = ?", name).First(&artisan).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup artisan: %v\n", err)
			os.Exit(1)
		}
		created, err := models.CreateArtisan(ctx, models.NewArtisan{
			Name:          name,
			CraftType:     "mixed",
			ContactName:   "Dev Owner",
			OwnerUsername: username,
			OwnerPassword: strings.TrimSpace(*ownerPassword),
			OwnerEmail:    username,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create artisan: %v\n", err)
			os.Exit(1)
		}
		artisan = *created
	} else {
		// Reuse path: make sure the owner login still works. UpdateColumns
		// skips the audit hooks, a password reset is not worth a history row.
		hashed, err := utils.HashPassword(strings.TrimSpace(*ownerPassword))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to hash owner password: %v\n", err)
			os.Exit(1)
		}
		var owner models.User
		userErr := db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).First(&owner).Error
		if userErr != nil {
			if userErr != gorm.ErrRecordNotFound {
				fmt.Fprintf(os.Stderr, "failed to lookup owner user: %v\n", userErr)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "artisan %q exists but owner %q does not; pass the artisan's real owner username\n", name, username)
			os.Exit(1)
		}
		if owner.ArtisanId != artisan.ID.String() {
			fmt.Fprintf(os.Stderr, "owner user belongs to another artisan (username=%s artisan_id=%s)\n", owner.Username, owner.ArtisanId)
			os.Exit(1)
		}
		if err := db.WithContext(ctx).Model(&models.User{}).Where("id = ?", owner.ID).UpdateColumns(map[string]any{
			"password":  string(hashed),
			"is_active": utils.NewTrue(),
		}).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to update owner user: %v\n", err)
			os.Exit(1)
		}
		_ = owner.RemoveInstanceRedis()
		_ = owner.RemoveAllRedis()
	}

	artisanCtx := utils.SetArtisanIdInContext(ctx, artisan.ID.String())
	artisanCtx = utils.SetUsernameInContext(artisanCtx, username)

	if *withFixtures {
		if err := seedFixtures(artisanCtx, db, artisan.ID.String()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to seed fixtures: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("Seed complete")
	fmt.Printf("ArtisanID: %s | ArtisanName: %s | OwnerUsername: %s\n", artisan.ID.String(), artisan.Name, username)
	fmt.Println("OwnerPassword: (set)")
}

// seedFixtures fills the tenant with the demo inventory: enough stock that
// the first pending order classifies FEASIBLE and the second one does not.
func seedFixtures(ctx context.Context, db *gorm.DB, artisanId string) error {
	materials := []fixtureMaterial{
		{name: "silver_thread", unit: "spool", opening: 100, usage: 50},
		{name: "blue_dye", unit: "bottle", opening: 25, usage: 10},
		{name: "oak_plank", unit: "piece", opening: 40, usage: 12},
	}
	for _, m := range materials {
		var count int64
		if err := db.WithContext(ctx).Model(&models.Material{}).
			Where("artisan_id = ? AND name = ?", artisanId, m.name).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		if _, err := models.CreateMaterial(ctx, models.NewMaterial{
			Name:             m.name,
			Unit:             m.unit,
			OpeningQuantity:  decimal.NewFromInt(m.opening),
			TypicalUsageRate: decimal.NewFromInt(m.usage),
		}); err != nil {
			return fmt.Errorf("create material %s: %w", m.name, err)
		}
	}

	products := []fixtureProduct{
		{name: "Embroidered Scarf", sku: "SCARF-01", price: 1800, lines: map[string]int64{"silver_thread": 12, "blue_dye": 2}},
		{name: "Carved Jewelry Box", sku: "BOX-01", price: 4500, lines: map[string]int64{"oak_plank": 3}},
	}
	productIds := make(map[string]int, len(products))
	for _, p := range products {
		var existing models.Product
		err := db.WithContext(ctx).Model(&models.Product{}).
			Where("artisan_id = ? AND name = ?", artisanId, p.name).
			First(&existing).Error
		if err == nil {
			productIds[p.name] = existing.ID
			continue
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}
		lines := make([]models.NewProductMaterial, 0, len(p.lines))
		for materialName, qty := range p.lines {
			lines = append(lines, models.NewProductMaterial{
				MaterialName: materialName,
				Quantity:     decimal.NewFromInt(qty),
			})
		}
		created, err := models.CreateProduct(ctx, models.NewProduct{
			Name:       p.name,
			Sku:        p.sku,
			SalesPrice: decimal.NewFromInt(p.price),
			Materials:  lines,
		})
		if err != nil {
			return fmt.Errorf("create product %s: %w", p.name, err)
		}
		productIds[p.name] = created.ID
	}

	// Orders are only seeded into an empty tenant, reruns would otherwise
	// pile up pending demand and skew feasibility.
	var orderCount int64
	if err := db.WithContext(ctx).Model(&models.Order{}).
		Where("artisan_id = ?", artisanId).
		Count(&orderCount).Error; err != nil {
		return err
	}
	if orderCount > 0 {
		return nil
	}
	scarfId := productIds["Embroidered Scarf"]
	orders := []models.NewOrder{
		{ProductId: scarfId, CustomerName: "First Customer", Quantity: 4, OrderDate: time.Now().AddDate(0, 0, -2)},
		{ProductId: scarfId, CustomerName: "Second Customer", Quantity: 6, OrderDate: time.Now().AddDate(0, 0, -1)},
	}
	for _, o := range orders {
		if _, err := models.CreateOrder(ctx, o); err != nil {
			return fmt.Errorf("create order for %s: %w", o.CustomerName, err)
		}
	}
	return nil
}
