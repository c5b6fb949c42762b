package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/utils"
)

// OfflineCommand is one mutation a device recorded while offline. Commands
// land here with status recorded and the sync reconciler replays them in
// client timestamp order; applied is terminal, attention means a human has
// to look. The unique index on (artisan_id, command_id) makes uploads
// idempotent: re-sending a batch after a dropped connection inserts nothing
// twice.
type OfflineCommand struct {
	ID               int             `gorm:"primary_key" json:"id"`
	ArtisanId        string          `gorm:"size:64;not null;uniqueIndex:uniq_command,priority:1;index:idx_command_replay,priority:1" json:"artisan_id"`
	CommandId        string          `gorm:"size:64;not null;uniqueIndex:uniq_command,priority:2" json:"command_id"`
	DeviceId         string          `gorm:"size:64" json:"device_id"`
	CommandType      CommandType     `gorm:"size:20;not null" json:"command_type"`
	MaterialName     string          `gorm:"size:100" json:"material_name"`
	Delta            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"delta"`
	Unit             string          `gorm:"size:20" json:"unit"`
	OrderId          int             `json:"order_id"`
	ClientTimestamp  time.Time       `gorm:"not null;index:idx_command_replay,priority:3" json:"client_timestamp"`
	Status           CommandStatus   `gorm:"size:20;not null;default:recorded;index:idx_command_replay,priority:2" json:"status"`
	Attempts         int             `gorm:"not null;default:0" json:"attempts"`
	LastErrorCode    *string         `gorm:"size:40" json:"last_error_code"`
	LastErrorMessage *string         `gorm:"type:text" json:"last_error_message"`
	AppliedAt        *time.Time      `json:"applied_at"`
	SyncRunId        *int            `gorm:"index" json:"sync_run_id"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (command OfflineCommand) GetId() int {
	return command.ID
}

func (command OfflineCommand) GetArtisanId() string {
	return command.ArtisanId
}

func (command OfflineCommand) GetCursor() string {
	return command.ClientTimestamp.Format("2006-01-02 15:04:05")
}

type NewOfflineCommand struct {
	CommandId       string          `json:"command_id" binding:"required"`
	CommandType     CommandType     `json:"command_type" binding:"required"`
	MaterialName    string          `json:"material_name"`
	Delta           decimal.Decimal `json:"delta"`
	Unit            string          `json:"unit"`
	OrderId         int             `json:"order_id"`
	ClientTimestamp time.Time       `json:"client_timestamp" binding:"required"`
}

func (input *NewOfflineCommand) validate() error {
	input.CommandId = strings.TrimSpace(input.CommandId)
	if input.CommandId == "" {
		return errors.New("command id is required")
	}
	if len(input.CommandId) > 64 {
		return errors.New("command id is too long")
	}
	if !input.CommandType.Valid() {
		return fmt.Errorf("unknown command type %q", input.CommandType)
	}
	if !config.SyncCommandTypeAllowed(string(input.CommandType)) {
		return fmt.Errorf("command type %q is not enabled", input.CommandType)
	}
	if input.ClientTimestamp.IsZero() {
		return errors.New("client timestamp is required")
	}

	switch input.CommandType {
	case CommandTypePurchase:
		if strings.TrimSpace(input.MaterialName) == "" {
			return errors.New("material name is required for a purchase")
		}
		if !input.Delta.IsPositive() {
			return errors.New("purchase delta must be positive")
		}
	case CommandTypeAdjustment:
		if strings.TrimSpace(input.MaterialName) == "" {
			return errors.New("material name is required for an adjustment")
		}
		if input.Delta.IsZero() {
			return errors.New("adjustment delta must be non-zero")
		}
	case CommandTypeOrderComplete:
		if input.OrderId < 1 {
			return errors.New("order id is required for an order completion")
		}
	}
	return nil
}

// CommandIngestResult reports what happened to one uploaded command.
// Duplicate means the same command id was uploaded before, the stored
// status tells the device where that earlier copy got to.
type CommandIngestResult struct {
	CommandId string        `json:"command_id"`
	Status    CommandStatus `json:"status"`
	Duplicate bool          `json:"duplicate,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type CommandBatchResult struct {
	Recorded   int                  `json:"recorded"`
	Duplicates int                  `json:"duplicates"`
	Rejected   int                  `json:"rejected"`
	Results    []CommandIngestResult `json:"results"`
}

// RecordOfflineCommands ingests an uploaded batch. Each command is inserted
// on its own so one bad row never sinks the rest of the batch; the duplicate
// key error from the unique index is the dedupe, not a failure. Rejected
// commands are reported back and must be fixed on the device.
func RecordOfflineCommands(ctx context.Context, deviceId string, inputs []NewOfflineCommand) (*CommandBatchResult, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}
	if len(inputs) == 0 {
		return nil, errors.New("no commands in batch")
	}
	if len(inputs) > commandBatchLimit() {
		return nil, fmt.Errorf("batch exceeds %d commands", commandBatchLimit())
	}

	db := config.GetDB()
	result := &CommandBatchResult{Results: make([]CommandIngestResult, 0, len(inputs))}
	for i := range inputs {
		input := &inputs[i]
		if err := input.validate(); err != nil {
			result.Rejected++
			result.Results = append(result.Results, CommandIngestResult{
				CommandId: input.CommandId,
				Error:     err.Error(),
			})
			continue
		}

		command := OfflineCommand{
			ArtisanId:       artisanId,
			CommandId:       input.CommandId,
			DeviceId:        deviceId,
			CommandType:     input.CommandType,
			MaterialName:    strings.TrimSpace(input.MaterialName),
			Delta:           input.Delta,
			Unit:            strings.TrimSpace(input.Unit),
			OrderId:         input.OrderId,
			ClientTimestamp: input.ClientTimestamp,
			Status:          CommandStatusRecorded,
		}
		err := db.WithContext(ctx).Create(&command).Error
		if err == nil {
			result.Recorded++
			result.Results = append(result.Results, CommandIngestResult{
				CommandId: command.CommandId,
				Status:    CommandStatusRecorded,
			})
			continue
		}
		if !utils.IsDuplicateKeyError(err) {
			return nil, err
		}

		var existing OfflineCommand
		if err := db.WithContext(ctx).
			Where("artisan_id = ? AND command_id = ?", artisanId, input.CommandId).
			Take(&existing).Error; err != nil {
			return nil, err
		}
		result.Duplicates++
		result.Results = append(result.Results, CommandIngestResult{
			CommandId: existing.CommandId,
			Status:    existing.Status,
			Duplicate: true,
		})
	}
	return result, nil
}

func commandBatchLimit() int {
	if v, err := strconv.Atoi(os.Getenv("COMMAND_BATCH_LIMIT")); err == nil && v >= 1 {
		return v
	}
	return 500
}

// PendingReplayCommands returns the artisan's recorded commands in replay
// order: client timestamp first, command id as the tie break. The reconciler
// walks exactly this order so a purchase recorded before a completion is
// applied before it.
func PendingReplayCommands(ctx context.Context, artisanId string) ([]OfflineCommand, error) {
	db := config.GetDB()
	var commands []OfflineCommand
	if err := db.WithContext(ctx).
		Where("artisan_id = ? AND status = ?", artisanId, CommandStatusRecorded).
		Order("client_timestamp ASC, command_id ASC").
		Find(&commands).Error; err != nil {
		return nil, err
	}
	return commands, nil
}

// ArtisansAwaitingReplay lists artisans holding recorded commands with no
// run queued or running, the scheduled sweep's work list. Capped so one sweep
// cannot flood the worker; the next sweep picks up the rest.
func ArtisansAwaitingReplay(ctx context.Context, limit int) ([]string, error) {
	if limit < 1 {
		limit = 50
	}

	db := config.GetDB()
	openRuns := db.Model(&SyncRun{}).
		Select("artisan_id").
		Where("status IN ?", []SyncRunStatus{SyncRunStatusQueued, SyncRunStatusRunning})

	var artisanIds []string
	if err := db.WithContext(ctx).Model(&OfflineCommand{}).
		Distinct().
		Where("status = ?", CommandStatusRecorded).
		Where("artisan_id NOT IN (?)", openRuns).
		Limit(limit).
		Pluck("artisan_id", &artisanIds).Error; err != nil {
		return nil, err
	}
	return artisanIds, nil
}

func GetOfflineCommand(ctx context.Context, id int) (*OfflineCommand, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}
	return utils.FetchModel[OfflineCommand](ctx, artisanId, id)
}

func GetOfflineCommands(ctx context.Context, status CommandStatus) ([]OfflineCommand, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	db := config.GetDB()
	var commands []OfflineCommand
	dbCtx := db.WithContext(ctx).Model(&OfflineCommand{}).
		Where("artisan_id = ?", artisanId).
		Order("client_timestamp ASC, command_id ASC")
	if status != "" {
		dbCtx = dbCtx.Where("status = ?", status)
	}
	if err := dbCtx.Find(&commands).Error; err != nil {
		return nil, err
	}
	return commands, nil
}

func PaginateOfflineCommands(ctx context.Context, status CommandStatus, limit int, after *string) ([]Edge[OfflineCommand], *PageInfo, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, nil, errors.New("artisan id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&OfflineCommand{}).Where("artisan_id = ?", artisanId)
	if status != "" {
		dbCtx = dbCtx.Where("status = ?", status)
	}
	return FetchPageCompositeCursor[OfflineCommand](dbCtx, limit, after, "client_timestamp", "<")
}

// RequeueOfflineCommand puts an attention command back in line after the
// underlying problem was fixed, with a fresh attempt budget. Only attention
// commands can be requeued, everything else is already moving or done.
func RequeueOfflineCommand(ctx context.Context, id int) (*OfflineCommand, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	result, err := utils.FetchModel[OfflineCommand](ctx, artisanId, id)
	if err != nil {
		return nil, err
	}
	if result.Status != CommandStatusAttention {
		return nil, fmt.Errorf("command is %s, only attention commands can be requeued", result.Status)
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(result).
		Updates(map[string]interface{}{
			"status":             CommandStatusRecorded,
			"attempts":           0,
			"last_error_code":    nil,
			"last_error_message": nil,
		}).Error; err != nil {
		return nil, err
	}
	result.Status = CommandStatusRecorded
	result.Attempts = 0
	result.LastErrorCode = nil
	result.LastErrorMessage = nil
	return result, nil
}

// DiscardOfflineCommand retires an attention command that should never be
// applied, for example a purchase typed twice on the device. The row stays
// for the audit trail and a history record names who discarded it; the error
// fields keep documenting why it was parked in the first place.
func DiscardOfflineCommand(ctx context.Context, id int) (*OfflineCommand, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	result, err := utils.FetchModel[OfflineCommand](ctx, artisanId, id)
	if err != nil {
		return nil, err
	}
	if result.Status != CommandStatusAttention && result.Status != CommandStatusRecorded {
		return nil, fmt.Errorf("command is %s, cannot discard", result.Status)
	}

	now := time.Now()
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(result).
		Updates(map[string]interface{}{
			"status":     CommandStatusApplied,
			"applied_at": now,
		}).Error; err != nil {
		return nil, err
	}
	result.Status = CommandStatusApplied
	result.AppliedAt = &now

	userId, _ := utils.GetUserIdFromContext(ctx)
	userName, _ := utils.GetUserNameFromContext(ctx)
	if _, err := CreateManualHistory(ctx, &NewHistory{
		ArtisanId:     artisanId,
		ActionType:    "UPDATE",
		Description:   "discarded offline command " + result.CommandId,
		ReferenceID:   result.ID,
		ReferenceType: "offline_commands",
		UserId:        userId,
		UserName:      userName,
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func commandRetentionDays() int {
	if v, err := strconv.Atoi(os.Getenv("COMMAND_RETENTION_DAYS")); err == nil && v >= 1 {
		return v
	}
	return 30
}

// PurgeAppliedCommands deletes applied commands older than the retention
// window, thirty days unless COMMAND_RETENTION_DAYS says otherwise. The
// material ledger keeps the durable audit trail; attention commands are
// never purged, they still need a decision.
func PurgeAppliedCommands(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -commandRetentionDays())

	db := config.GetDB()
	result := db.WithContext(ctx).
		Where("status = ? AND applied_at < ?", CommandStatusApplied, cutoff).
		Delete(&OfflineCommand{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ReclaimStuckCommands moves commands stranded in applying back to recorded.
// A reconciler that died mid-replay leaves rows behind in applying; anything
// older than the stale window cannot still be in flight because replay runs
// hold the artisan sync lock for far less than that.
func ReclaimStuckCommands(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)

	db := config.GetDB()
	result := db.WithContext(ctx).Model(&OfflineCommand{}).
		Where("status = ? AND updated_at < ?", CommandStatusApplying, cutoff).
		Updates(map[string]interface{}{"status": CommandStatusRecorded})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		config.GetLogger().WithField("field", "ReclaimStuckCommands").
			Warnf("requeued %d commands stuck in applying", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// CommandReplayResult reports how one replayed stock delta landed.
type CommandReplayResult struct {
	// AlreadyApplied means the delta for this command id is already in the
	// ledger, the replay changed no stock.
	AlreadyApplied bool
	// StatusPersisted means the command row reached applied inside the same
	// transaction as the stock write, the caller must not write it again.
	StatusPersisted bool
}

var errCommandTransitioned = errors.New("command already transitioned")

// ReplayCommandDelta applies one claimed purchase or adjustment command. The
// compare-and-swap, the ledger entry and the command's applied transition
// commit in a single transaction: no crash point leaves the delta in the
// ledger with the command still claimable. A ledger entry already carrying
// this command id grades as already applied instead of applying the delta a
// second time.
func ReplayCommandDelta(ctx context.Context, command *OfflineCommand,
	reason StockMovementReason, attempts int) (*CommandReplayResult, error) {

	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}
	if command == nil || command.ID == 0 {
		return nil, errors.New("command is required")
	}
	if command.Status != CommandStatusApplying || command.SyncRunId == nil {
		return nil, errors.New("command is not claimed by a sync run")
	}

	recorded, err := StockEffectRecorded(ctx, InventoryReferenceTypeSyncRun, command.CommandId)
	if err != nil {
		return nil, err
	}
	if recorded {
		return &CommandReplayResult{AlreadyApplied: true}, nil
	}

	db := config.GetDB()
	maxRetries := adjustMaxRetries()
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		current, err := GetMaterialByName(ctx, command.MaterialName)
		if err != nil {
			return nil, err
		}

		var material *Material
		txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			material, err = AdjustMaterialTx(ctx, tx, artisanId, AdjustMaterialInput{
				Name:            command.MaterialName,
				Delta:           command.Delta,
				ExpectedVersion: current.Version,
				Reason:          reason,
				ReferenceType:   InventoryReferenceTypeSyncRun,
				ReferenceId:     command.CommandId,
			})
			if err != nil {
				return err
			}

			transition := tx.Model(&OfflineCommand{}).
				Where("id = ? AND status = ? AND sync_run_id = ?",
					command.ID, CommandStatusApplying, *command.SyncRunId).
				Updates(map[string]interface{}{
					"status":             CommandStatusApplied,
					"attempts":           attempts,
					"applied_at":         time.Now(),
					"last_error_code":    nil,
					"last_error_message": nil,
				})
			if transition.Error != nil {
				return transition.Error
			}
			if transition.RowsAffected == 0 {
				// another delivery took the command first; rolling back keeps
				// its delta out of the ledger twice
				return errCommandTransitioned
			}
			return nil
		})
		if txErr == nil {
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
			return &CommandReplayResult{StatusPersisted: true}, nil
		}
		if errors.Is(txErr, errCommandTransitioned) {
			return &CommandReplayResult{AlreadyApplied: true, StatusPersisted: true}, nil
		}
		if !errors.Is(txErr, utils.ErrorVersionConflict) {
			return nil, txErr
		}
		lastErr = txErr
		time.Sleep(adjustRetryBackoff(attempt))
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", utils.ErrorRetryExhausted, maxRetries, lastErr)
}
