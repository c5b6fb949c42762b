package models

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/utils"
)

// reorderThresholdRatio fixes the low stock line at 20% of a week's
// typical usage. Distinct from the 30% feasibility boundary.
var reorderThresholdRatio = decimal.NewFromFloat(0.2)

// Material is one stocked raw material of an artisan. Quantity changes go
// through AdjustMaterial only; the version column backs the compare-and-swap
// so concurrent writers cannot overwrite each other.
type Material struct {
	ID               int             `gorm:"primary_key" json:"id"`
	ArtisanId        string          `gorm:"size:64;not null;uniqueIndex:uniq_material_name" json:"artisan_id"`
	Name             string          `gorm:"size:100;not null;uniqueIndex:uniq_material_name" json:"name" binding:"required"`
	Unit             string          `gorm:"size:20;not null" json:"unit" binding:"required"`
	CurrentQuantity  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"current_quantity"`
	TypicalUsageRate decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"typical_usage_rate"`
	Version          int64           `gorm:"not null;default:0" json:"version"`
	LastUpdated      *time.Time      `json:"last_updated"`
	IsActive         *bool           `gorm:"default:true" json:"is_active"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (material Material) GetId() int {
	return material.ID
}

func (material Material) GetArtisanId() string {
	return material.ArtisanId
}

// ReorderThreshold is 20% of the typical weekly usage rate.
func (material Material) ReorderThreshold() decimal.Decimal {
	return material.TypicalUsageRate.Mul(reorderThresholdRatio)
}

func (material Material) BelowThreshold() bool {
	return material.CurrentQuantity.LessThan(material.ReorderThreshold())
}

// MaterialLedgerEntry is the append-only movement history of a material.
// Rows are never updated or deleted, see the guards in modelHooks.go.
type MaterialLedgerEntry struct {
	ID            int                    `gorm:"primary_key" json:"id"`
	ArtisanId     string                 `gorm:"size:64;not null;index" json:"artisan_id"`
	MaterialId    int                    `gorm:"not null;index" json:"material_id"`
	MaterialName  string                 `gorm:"size:100;not null" json:"material_name"`
	Delta         decimal.Decimal        `gorm:"type:decimal(20,4);not null" json:"delta"`
	QuantityAfter decimal.Decimal        `gorm:"type:decimal(20,4);not null" json:"quantity_after"`
	VersionAfter  int64                  `gorm:"not null" json:"version_after"`
	Reason        StockMovementReason    `gorm:"size:20;not null" json:"reason"`
	ReferenceType InventoryReferenceType `gorm:"size:20" json:"reference_type"`
	ReferenceId   string                 `gorm:"size:64" json:"reference_id"`
	UserId        int                    `json:"user_id"`
	UserName      string                 `gorm:"size:100" json:"user_name"`
	CreatedAt     time.Time              `gorm:"autoCreateTime" json:"created_at"`
}

func (entry MaterialLedgerEntry) GetId() int {
	return entry.ID
}

func (entry MaterialLedgerEntry) GetCursor() string {
	return entry.CreatedAt.Format("2006-01-02 15:04:05")
}

// MaterialStock is the display snapshot row, no version, threshold already
// evaluated. Writers that intend to mutate must use GetMaterial instead and
// carry the version back into AdjustMaterial.
type MaterialStock struct {
	MaterialId       int             `json:"material_id"`
	Name             string          `json:"name"`
	Unit             string          `json:"unit"`
	CurrentQuantity  decimal.Decimal `json:"current_quantity"`
	TypicalUsageRate decimal.Decimal `json:"typical_usage_rate"`
	ReorderThreshold decimal.Decimal `json:"reorder_threshold"`
	BelowThreshold   bool            `json:"below_threshold"`
	LastUpdated      *time.Time      `json:"last_updated"`
}

type NewMaterial struct {
	Name             string          `json:"name" binding:"required"`
	Unit             string          `json:"unit" binding:"required"`
	OpeningQuantity  decimal.Decimal `json:"opening_quantity"`
	TypicalUsageRate decimal.Decimal `json:"typical_usage_rate"`
}

func (input *NewMaterial) validate(ctx context.Context, artisanId string, id int) error {
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return errors.New("material name is required")
	}
	if err := utils.ValidateUnique[Material](ctx, artisanId, "name", input.Name, id); err != nil {
		return err
	}
	if input.OpeningQuantity.IsNegative() {
		return errors.New("opening quantity cannot be negative")
	}
	if input.TypicalUsageRate.IsNegative() {
		return errors.New("typical usage rate cannot be negative")
	}
	return nil
}

func CreateMaterial(ctx context.Context, input NewMaterial) (*Material, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}
	if err := input.validate(ctx, artisanId, 0); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var material *Material
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		material, err = createMaterialTx(ctx, tx, artisanId, input)
		return err
	})
	if err != nil {
		return nil, err
	}

	// caching
	if err := material.RemoveAllRedis(); err != nil {
		return nil, err
	}
	if err := InvalidateFeasibilityCache(artisanId); err != nil {
		return nil, err
	}
	return material, nil
}

// createMaterialTx seeds version 1 and writes the opening ledger entry.
// Shared between CreateMaterial and the xlsx import loop.
func createMaterialTx(ctx context.Context, tx *gorm.DB, artisanId string, input NewMaterial) (*Material, error) {
	now := time.Now()
	material := Material{
		ArtisanId:        artisanId,
		Name:             strings.TrimSpace(input.Name),
		Unit:             input.Unit,
		CurrentQuantity:  input.OpeningQuantity,
		TypicalUsageRate: input.TypicalUsageRate,
		Version:          1,
		LastUpdated:      &now,
		IsActive:         utils.NewTrue(),
	}
	if err := tx.Create(&material).Error; err != nil {
		return nil, err
	}

	userId, _ := utils.GetUserIdFromContext(ctx)
	userName, _ := utils.GetUserNameFromContext(ctx)
	entry := MaterialLedgerEntry{
		ArtisanId:     artisanId,
		MaterialId:    material.ID,
		MaterialName:  material.Name,
		Delta:         input.OpeningQuantity,
		QuantityAfter: input.OpeningQuantity,
		VersionAfter:  1,
		Reason:        StockMovementOpening,
		ReferenceType: InventoryReferenceTypeMaterial,
		ReferenceId:   fmt.Sprint(material.ID),
		UserId:        userId,
		UserName:      userName,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}

	// a material can already start below its reorder line
	if err := EvaluateLowStockTx(ctx, tx, &material); err != nil {
		return nil, err
	}

	if err := PublishInventoryChange(ctx, tx, artisanId, now, material.ID,
		InventoryReferenceTypeMaterial, material, nil, PubSubMessageActionCreate); err != nil {
		return nil, err
	}
	return &material, nil
}

type AdjustMaterialInput struct {
	Name            string                 `json:"name" binding:"required"`
	Delta           decimal.Decimal        `json:"delta" binding:"required"`
	ExpectedVersion int64                  `json:"expected_version" binding:"required"`
	Reason          StockMovementReason    `json:"reason"`
	ReferenceType   InventoryReferenceType `json:"-"`
	ReferenceId     string                 `json:"reference_id"`
}

func (input *AdjustMaterialInput) movementReason() StockMovementReason {
	if input.Reason != "" {
		return input.Reason
	}
	if input.Delta.IsNegative() {
		return StockMovementDeduction
	}
	return StockMovementPurchase
}

// AdjustMaterial applies one stock delta through the optimistic
// compare-and-swap. On success the version advances by exactly one and a
// ledger entry records the movement. On a version conflict or insufficient
// stock it returns the current stored state alongside the sentinel error so
// callers can re-read and decide.
func AdjustMaterial(ctx context.Context, input AdjustMaterialInput) (*Material, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	db := config.GetDB()
	var material *Material
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		material, err = AdjustMaterialTx(ctx, tx, artisanId, input)
		return err
	})
	if err != nil {
		if errors.Is(err, utils.ErrorVersionConflict) || errors.Is(err, utils.ErrorInsufficientStock) {
			var current Material
			if e := db.WithContext(ctx).Where("artisan_id = ? AND name = ?", artisanId, input.Name).
				Take(&current).Error; e == nil {
				return &current, err
			}
		}
		return nil, err
	}

	// caching
	if err := material.RemoveInstanceRedis(); err != nil {
		return nil, err
	}
	if err := material.RemoveAllRedis(); err != nil {
		return nil, err
	}
	if err := InvalidateFeasibilityCache(artisanId); err != nil {
		return nil, err
	}
	return material, nil
}

// AdjustMaterialTx is the transactional core of AdjustMaterial, exposed so
// order completion and the sync reconciler can compose it with their own
// writes in a single transaction. The raw UPDATE deliberately bypasses gorm
// hooks; callers invalidate caches after commit.
func AdjustMaterialTx(ctx context.Context, tx *gorm.DB, artisanId string, input AdjustMaterialInput) (*Material, error) {
	if input.Delta.IsZero() {
		return nil, errors.New("delta must be non-zero")
	}
	if input.ExpectedVersion < 1 {
		return nil, errors.New("expected version is required")
	}
	if input.Reason != "" && !input.Reason.Valid() {
		return nil, errors.New("invalid movement reason")
	}

	var material Material
	if err := tx.Where("artisan_id = ? AND name = ?", artisanId, input.Name).
		Take(&material).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	before := material

	if material.Version != input.ExpectedVersion {
		return nil, utils.ErrorVersionConflict
	}

	newQuantity := material.CurrentQuantity.Add(input.Delta)
	if newQuantity.IsNegative() {
		return nil, utils.ErrorInsufficientStock
	}

	now := time.Now()
	result := tx.Exec(
		"UPDATE materials SET current_quantity = ?, version = version + 1, last_updated = ?, updated_at = ? "+
			"WHERE artisan_id = ? AND name = ? AND version = ?",
		newQuantity, now, now, artisanId, input.Name, input.ExpectedVersion)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// lost the race between our read and the swap
		return nil, utils.ErrorVersionConflict
	}

	material.CurrentQuantity = newQuantity
	material.Version = input.ExpectedVersion + 1
	material.LastUpdated = &now
	material.UpdatedAt = now

	userId, _ := utils.GetUserIdFromContext(ctx)
	userName, _ := utils.GetUserNameFromContext(ctx)
	entry := MaterialLedgerEntry{
		ArtisanId:     artisanId,
		MaterialId:    material.ID,
		MaterialName:  material.Name,
		Delta:         input.Delta,
		QuantityAfter: newQuantity,
		VersionAfter:  material.Version,
		Reason:        input.movementReason(),
		ReferenceType: input.ReferenceType,
		ReferenceId:   input.ReferenceId,
		UserId:        userId,
		UserName:      userName,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}

	if err := EvaluateLowStockTx(ctx, tx, &material); err != nil {
		return nil, err
	}

	if err := PublishInventoryChange(ctx, tx, artisanId, now, material.ID,
		InventoryReferenceTypeMaterial, material, before, PubSubMessageActionUpdate); err != nil {
		return nil, err
	}
	return &material, nil
}

func adjustMaxRetries() int {
	if v, err := strconv.Atoi(os.Getenv("ADJUST_MAX_RETRIES")); err == nil && v >= 1 {
		return v
	}
	return 5
}

func adjustRetryBackoff(attempt int) time.Duration {
	base := 20 << attempt
	jitter := rand.Intn(base/2 + 1)
	return time.Duration(base+jitter) * time.Millisecond
}

// AdjustMaterialWithRetry is for internal writers that hold no client
// version, it re-reads the current version and retries the swap a bounded
// number of times with randomized backoff. Insufficient stock is returned
// immediately, only version conflicts are retried.
func AdjustMaterialWithRetry(ctx context.Context, name string, delta decimal.Decimal,
	reason StockMovementReason, referenceType InventoryReferenceType, referenceId string) (*Material, error) {

	maxRetries := adjustMaxRetries()
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		current, err := GetMaterialByName(ctx, name)
		if err != nil {
			return nil, err
		}
		material, err := AdjustMaterial(ctx, AdjustMaterialInput{
			Name:            name,
			Delta:           delta,
			ExpectedVersion: current.Version,
			Reason:          reason,
			ReferenceType:   referenceType,
			ReferenceId:     referenceId,
		})
		if err == nil {
			return material, nil
		}
		if !errors.Is(err, utils.ErrorVersionConflict) {
			return material, err
		}
		lastErr = err
		time.Sleep(adjustRetryBackoff(attempt))
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", utils.ErrorRetryExhausted, maxRetries, lastErr)
}

// StockEffectRecorded reports whether a ledger entry already carries the
// given reference. The sync reconciler checks it before replaying a command:
// a delta whose entry is in the ledger has been applied, whatever the command
// row says.
func StockEffectRecorded(ctx context.Context, referenceType InventoryReferenceType, referenceId string) (bool, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return false, errors.New("artisan id is required")
	}
	if referenceId == "" {
		return false, errors.New("reference id is required")
	}

	db := config.GetDB()
	var count int64
	if err := db.WithContext(ctx).Model(&MaterialLedgerEntry{}).
		Where("artisan_id = ? AND reference_type = ? AND reference_id = ?",
			artisanId, referenceType, referenceId).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetMaterialByName is the versioned read for writers.
func GetMaterialByName(ctx context.Context, name string) (*Material, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	db := config.GetDB()
	var result Material
	if err := db.WithContext(ctx).Where("artisan_id = ? AND name = ?", artisanId, name).
		Take(&result).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func GetMaterial(ctx context.Context, id int) (*Material, error) {
	return GetResource[Material](ctx, id)
}

func GetMaterials(ctx context.Context, name string) ([]Material, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	db := config.GetDB()
	var materials []Material
	dbCtx := db.WithContext(ctx).Model(&Material{}).
		Where("artisan_id = ?", artisanId).Order("name ASC")
	if name != "" {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+name+"%")
	}
	if err := dbCtx.Find(&materials).Error; err != nil {
		return nil, err
	}
	return materials, nil
}

// SnapshotStockLevels is the single stable fetch the feasibility classifier
// reads, one quantity per material name.
func SnapshotStockLevels(ctx context.Context) (map[string]decimal.Decimal, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}
	return snapshotStockLevels(config.GetDB().WithContext(ctx), artisanId)
}

func snapshotStockLevels(dbCtx *gorm.DB, artisanId string) (map[string]decimal.Decimal, error) {
	type stockRow struct {
		Name            string
		CurrentQuantity decimal.Decimal
	}
	var rows []stockRow
	if err := dbCtx.Model(&Material{}).
		Select("name", "current_quantity").
		Where("artisan_id = ?", artisanId).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	snapshot := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		snapshot[row.Name] = row.CurrentQuantity
	}
	return snapshot, nil
}

// GetStockOverview is the dashboard snapshot with thresholds evaluated.
func GetStockOverview(ctx context.Context) ([]MaterialStock, error) {
	materials, err := GetMaterials(ctx, "")
	if err != nil {
		return nil, err
	}
	overview := make([]MaterialStock, 0, len(materials))
	for _, material := range materials {
		overview = append(overview, MaterialStock{
			MaterialId:       material.ID,
			Name:             material.Name,
			Unit:             material.Unit,
			CurrentQuantity:  material.CurrentQuantity,
			TypicalUsageRate: material.TypicalUsageRate,
			ReorderThreshold: material.ReorderThreshold(),
			BelowThreshold:   material.BelowThreshold(),
			LastUpdated:      material.LastUpdated,
		})
	}
	return overview, nil
}

type UpdateMaterialInput struct {
	Name             string          `json:"name" binding:"required"`
	Unit             string          `json:"unit" binding:"required"`
	TypicalUsageRate decimal.Decimal `json:"typical_usage_rate"`
}

// UpdateMaterial edits metadata only. Quantity never changes here and the
// version stays put, stock movements go through AdjustMaterial.
func UpdateMaterial(ctx context.Context, id int, input UpdateMaterialInput) (*Material, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	result, err := utils.FetchModel[Material](ctx, artisanId, id)
	if err != nil {
		return nil, err
	}
	before := *result

	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return nil, errors.New("material name is required")
	}
	if err := utils.ValidateUnique[Material](ctx, artisanId, "name", input.Name, id); err != nil {
		return nil, err
	}
	if input.TypicalUsageRate.IsNegative() {
		return nil, errors.New("typical usage rate cannot be negative")
	}
	if input.Name != result.Name {
		// breakdowns and pending commands reference the old name
		var count int64
		if err := config.GetDB().WithContext(ctx).Model(&ProductMaterial{}).
			Where("artisan_id = ? AND material_name = ?", artisanId, result.Name).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, errors.New("material is referenced by product specifications, rename those first")
		}
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(result).Updates(map[string]interface{}{
			"Name":             input.Name,
			"Unit":             input.Unit,
			"TypicalUsageRate": input.TypicalUsageRate,
		}).Error; err != nil {
			return err
		}
		result.Name = input.Name
		result.Unit = input.Unit
		result.TypicalUsageRate = input.TypicalUsageRate

		// a changed usage rate moves the reorder line
		if err := EvaluateLowStockTx(ctx, tx, result); err != nil {
			return err
		}
		return PublishInventoryChange(ctx, tx, artisanId, time.Now(), result.ID,
			InventoryReferenceTypeMaterial, result, before, PubSubMessageActionUpdate)
	})
	if err != nil {
		return nil, err
	}

	// caching
	if err := InvalidateFeasibilityCache(artisanId); err != nil {
		return nil, err
	}
	return result, nil
}

func DeleteMaterial(ctx context.Context, id int) (*Material, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	result, err := utils.FetchModel[Material](ctx, artisanId, id)
	if err != nil {
		return nil, err
	}

	var count int64
	if err := config.GetDB().WithContext(ctx).Model(&ProductMaterial{}).
		Where("artisan_id = ? AND material_name = ?", artisanId, result.Name).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("material is used by %d product specification(s)", count)
	}
	if !result.CurrentQuantity.IsZero() {
		return nil, errors.New("material still has stock on hand, adjust it to zero first")
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&InventoryAlert{}).
			Where("artisan_id = ? AND material_id = ? AND status = ?", artisanId, id, AlertStatusOpen).
			Updates(map[string]interface{}{"Status": AlertStatusCleared, "ClearedAt": time.Now()}).Error; err != nil {
			return err
		}
		if err := tx.Delete(result).Error; err != nil {
			return err
		}
		return PublishInventoryChange(ctx, tx, artisanId, time.Now(), result.ID,
			InventoryReferenceTypeMaterial, nil, result, PubSubMessageActionDelete)
	})
	if err != nil {
		return nil, err
	}

	// caching
	if err := InvalidateFeasibilityCache(artisanId); err != nil {
		return nil, err
	}
	return result, nil
}

func ToggleActiveMaterial(ctx context.Context, id int, isActive bool) (*Material, error) {
	return ToggleActiveModel[Material](ctx, id, isActive)
}

func PaginateMaterialLedger(ctx context.Context, materialId int, limit int, after *string) ([]Edge[MaterialLedgerEntry], *PageInfo, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, nil, errors.New("artisan id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&MaterialLedgerEntry{}).Where("artisan_id = ?", artisanId)
	if materialId != 0 {
		dbCtx = dbCtx.Where("material_id = ?", materialId)
	}
	return FetchPageCompositeCursor[MaterialLedgerEntry](dbCtx, limit, after, "created_at", "<")
}

/*
	xlsx import & export
*/

type MaterialImportResult struct {
	ImportedCount int      `json:"imported_count"`
	SkippedRows   []string `json:"skipped_rows"`
}

func uploadMaterialImportFile(ctx context.Context, fileName string, file multipart.File) (string, error) {
	objectKey := "importMaterials/" + fileName
	if err := utils.UploadFileToGCS(ctx, objectKey, file); err != nil {
		return "", err
	}
	return utils.BuildObjectAccessURL(objectKey), nil
}

func readExcelFileFromURL(url string) (*excelize.File, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download file: %s", resp.Status)
	}
	return excelize.OpenReader(resp.Body)
}

// ImportMaterialsFromXlsx bulk-creates materials from an uploaded sheet.
// Expected columns: Name, Unit, OpeningQuantity, TypicalUsageRate. Rows whose
// name already exists are skipped and reported, never overwritten.
func ImportMaterialsFromXlsx(ctx context.Context, file multipart.File, fileName string) (*MaterialImportResult, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}
	if !strings.HasSuffix(strings.ToLower(fileName), ".xlsx") {
		return nil, errors.New("only .xlsx files are supported")
	}

	uniqueFilename := artisanId + "_" + utils.GenerateUniqueFilename() + "_materials.xlsx"
	fileURL, err := uploadMaterialImportFile(ctx, uniqueFilename, file)
	if err != nil {
		return nil, err
	}

	f, err := readExcelFileFromURL(fileURL)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := f.GetRows("Sheet1")
	if err != nil {
		return nil, err
	}
	if len(rows) <= 1 {
		return nil, errors.New("no data rows found in Sheet1")
	}

	unlock, err := utils.ArtisanLock(ctx, artisanId, "lock", "material.go", "ImportMaterialsFromXlsx")
	if err != nil {
		return nil, err
	}
	defer unlock()

	db := config.GetDB()
	result := MaterialImportResult{SkippedRows: []string{}}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, row := range rows {
			if i == 0 {
				continue
			}
			if len(row) < 2 {
				result.SkippedRows = append(result.SkippedRows, fmt.Sprintf("row %d: missing name or unit", i+1))
				continue
			}
			name := strings.TrimSpace(row[0])
			unit := strings.TrimSpace(row[1])
			if name == "" || unit == "" {
				result.SkippedRows = append(result.SkippedRows, fmt.Sprintf("row %d: missing name or unit", i+1))
				continue
			}

			var count int64
			if err := tx.Model(&Material{}).
				Where("artisan_id = ? AND name = ?", artisanId, name).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				result.SkippedRows = append(result.SkippedRows, fmt.Sprintf("row %d: %s already exists", i+1, name))
				continue
			}

			openingQuantity := decimal.Zero
			if len(row) > 2 && strings.TrimSpace(row[2]) != "" {
				openingQuantity, err = utils.ParseDecimal(row[2])
				if err != nil {
					result.SkippedRows = append(result.SkippedRows, fmt.Sprintf("row %d: invalid opening quantity", i+1))
					continue
				}
			}
			usageRate := decimal.Zero
			if len(row) > 3 && strings.TrimSpace(row[3]) != "" {
				usageRate, err = utils.ParseDecimal(row[3])
				if err != nil {
					result.SkippedRows = append(result.SkippedRows, fmt.Sprintf("row %d: invalid usage rate", i+1))
					continue
				}
			}
			if openingQuantity.IsNegative() || usageRate.IsNegative() {
				result.SkippedRows = append(result.SkippedRows, fmt.Sprintf("row %d: negative quantity", i+1))
				continue
			}

			if _, err := createMaterialTx(ctx, tx, artisanId, NewMaterial{
				Name:             name,
				Unit:             unit,
				OpeningQuantity:  openingQuantity,
				TypicalUsageRate: usageRate,
			}); err != nil {
				return err
			}
			result.ImportedCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// caching
	if err := utils.RemoveRedisList[AllMaterial](artisanId); err != nil {
		return nil, err
	}
	if err := InvalidateFeasibilityCache(artisanId); err != nil {
		return nil, err
	}
	return &result, nil
}

// ExportMaterialsXlsx renders the current stock levels to a workbook. The
// handler streams it with the spreadsheet content type. Timestamps are shown
// in the artisan's configured timezone, stock is stored in UTC.
func ExportMaterialsXlsx(ctx context.Context) (*excelize.File, error) {
	materials, err := GetMaterials(ctx, "")
	if err != nil {
		return nil, err
	}

	timezone := "UTC"
	if artisan, err := GetArtisan(ctx); err == nil && artisan.Timezone != "" {
		timezone = artisan.Timezone
	}

	f := excelize.NewFile()
	sheetName := "Sheet1"
	if _, err := f.NewSheet(sheetName); err != nil {
		return nil, err
	}

	// Add headers
	f.SetCellValue(sheetName, "A1", "Name")
	f.SetCellValue(sheetName, "B1", "Unit")
	f.SetCellValue(sheetName, "C1", "CurrentQuantity")
	f.SetCellValue(sheetName, "D1", "TypicalUsageRate")
	f.SetCellValue(sheetName, "E1", "ReorderThreshold")
	f.SetCellValue(sheetName, "F1", "Version")
	f.SetCellValue(sheetName, "G1", "LastUpdated")

	// Add data
	for i, material := range materials {
		rowNo := fmt.Sprint(i + 2)
		f.SetCellValue(sheetName, "A"+rowNo, material.Name)
		f.SetCellValue(sheetName, "B"+rowNo, material.Unit)
		f.SetCellValue(sheetName, "C"+rowNo, material.CurrentQuantity.InexactFloat64())
		f.SetCellValue(sheetName, "D"+rowNo, material.TypicalUsageRate.InexactFloat64())
		f.SetCellValue(sheetName, "E"+rowNo, material.ReorderThreshold().InexactFloat64())
		f.SetCellValue(sheetName, "F"+rowNo, material.Version)
		if material.LastUpdated != nil {
			localized := utils.ConvertToLocalTime(*material.LastUpdated, timezone)
			f.SetCellValue(sheetName, "G"+rowNo, localized.Format("2006-01-02 15:04:05"))
		}
	}
	return f, nil
}
