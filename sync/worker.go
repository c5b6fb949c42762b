package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/models"
	"github.com/artisanhq/atelier_backend/utils"
)

// reconcilerUserName is stamped on histories and ledger entries written
// during replay, the reconciler acts on the artisan's behalf with no user.
const reconcilerUserName = "sync-reconciler"

func maxSyncAttempts() int {
	if v, err := strconv.Atoi(os.Getenv("SYNC_MAX_ATTEMPTS")); err == nil && v >= 1 {
		return v
	}
	return 5
}

func stuckCommandWindow() time.Duration {
	if v, err := strconv.Atoi(os.Getenv("SYNC_STUCK_COMMAND_MINUTES")); err == nil && v >= 1 {
		return time.Duration(v) * time.Minute
	}
	return 15 * time.Minute
}

// ProcessSyncRun replays every recorded command of the run's artisan, oldest
// client timestamp first. Safe to call again for the same run: closed runs
// are acked without work and the recorded -> applying claim takes each
// command exactly once, so a redelivered message resumes instead of
// repeating.
func ProcessSyncRun(ctx context.Context, payload SyncPubSubPayload) error {
	if payload.RunId == 0 || payload.ArtisanId == "" {
		return errors.New("invalid payload")
	}

	ctx = utils.SetArtisanIdInContext(ctx, payload.ArtisanId)
	ctx = utils.SetUserIdInContext(ctx, 0)
	ctx = utils.SetUserNameInContext(ctx, reconcilerUserName)
	db := config.GetDB().WithContext(ctx)

	var run models.SyncRun
	if err := db.Where("id = ? AND artisan_id = ?", payload.RunId, payload.ArtisanId).
		Take(&run).Error; err != nil {
		return err
	}
	if run.Status == models.SyncRunStatusSuccess ||
		run.Status == models.SyncRunStatusFailed ||
		run.Status == models.SyncRunStatusPartial {
		return nil
	}
	if run.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, run.CorrelationId)
		db = config.GetDB().WithContext(ctx)
	}

	// Best-effort replay lock per artisan. Correctness does not depend on
	// it, the claim below takes each command exactly once either way; the
	// lock just keeps two runs from interleaving their version conflicts.
	logger := config.GetLogger()
	lock := obtainReplayLock(ctx, logger, payload.ArtisanId)
	defer func() {
		if lock == nil {
			return
		}
		if releaseErr := lock.Release(ctx); releaseErr != nil {
			logger.WithFields(logrus.Fields{
				"field":      "ProcessSyncRun",
				"artisan_id": payload.ArtisanId,
				"run_id":     run.ID,
			}).Warn("failed to release replay lock: " + releaseErr.Error())
		}
	}()

	now := time.Now()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	// commands stranded in applying by a dead reconciler rejoin the queue
	if _, err := models.ReclaimStuckCommands(ctx, stuckCommandWindow()); err != nil {
		return err
	}

	// Claim recorded -> applying, tagged with this run. Concurrent claims
	// partition the rows, the UPDATE takes each one exactly once.
	if err := db.Model(&models.OfflineCommand{}).
		Where("artisan_id = ? AND status = ?", payload.ArtisanId, models.CommandStatusRecorded).
		Updates(map[string]interface{}{
			"status":      models.CommandStatusApplying,
			"sync_run_id": run.ID,
		}).Error; err != nil {
		return err
	}

	var commands []models.OfflineCommand
	if err := db.
		Where("artisan_id = ? AND sync_run_id = ? AND status = ?",
			payload.ArtisanId, run.ID, models.CommandStatusApplying).
		Order("client_timestamp ASC, command_id ASC").
		Find(&commands).Error; err != nil {
		return err
	}

	stats := RunStats{ByErrorCode: map[string]int{}}
	for i := range commands {
		if err := applyCommand(ctx, db, &run, &commands[i], &stats); err != nil {
			return err
		}
	}

	finishedAt := time.Now()
	durationMs := finishedAt.Sub(*startedAt).Milliseconds()
	errorCount := stats.Failed + stats.Attention
	status := runStatusFor(stats)

	before := run
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&run).Updates(map[string]interface{}{
			"status":             status,
			"finished_at":        finishedAt,
			"duration_ms":        durationMs,
			"commands_total":     len(commands),
			"commands_applied":   stats.Applied,
			"commands_duplicate": stats.Duplicate,
			"commands_failed":    stats.Failed,
			"commands_attention": stats.Attention,
			"error_count":        errorCount,
			"stats_json":         EncodeRunStats(stats),
		}).Error; err != nil {
			return err
		}
		run.Status = status
		run.FinishedAt = &finishedAt
		run.DurationMs = durationMs
		run.CommandsTotal = len(commands)
		run.CommandsApplied = stats.Applied
		run.CommandsDuplicate = stats.Duplicate
		run.CommandsFailed = stats.Failed
		run.CommandsAttention = stats.Attention
		run.ErrorCount = errorCount
		return models.PublishInventoryChange(ctx, tx, payload.ArtisanId, finishedAt, run.ID,
			models.InventoryReferenceTypeSyncRun, run, before, models.PubSubMessageActionUpdate)
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"field":      "ProcessSyncRun",
		"artisan_id": payload.ArtisanId,
		"run_id":     run.ID,
		"status":     string(status),
		"total":      len(commands),
		"applied":    stats.Applied,
		"duplicate":  stats.Duplicate,
		"failed":     stats.Failed,
		"attention":  stats.Attention,
	}).Info("sync run finished")
	return nil
}

func obtainReplayLock(ctx context.Context, logger *logrus.Logger, artisanId string) *redislock.Lock {
	redisLock := config.GetRedisLock()
	if redisLock == nil {
		logger.WithFields(logrus.Fields{
			"field":      "obtainReplayLock",
			"artisan_id": artisanId,
		}).Warn("redis lock not ready; proceeding without replay lock")
		return nil
	}
	lock, err := redisLock.Obtain(ctx, fmt.Sprintf("sync:%s", artisanId), 5*time.Minute, nil)
	if err == redislock.ErrNotObtained {
		logger.WithFields(logrus.Fields{
			"field":      "obtainReplayLock",
			"artisan_id": artisanId,
		}).Warn("could not obtain replay lock; proceeding without it")
		return nil
	} else if err != nil {
		logger.WithFields(logrus.Fields{
			"field":      "obtainReplayLock",
			"artisan_id": artisanId,
		}).Warn("error obtaining replay lock; proceeding without it: " + err.Error())
		return nil
	}
	return lock
}

// commandOutcome is what executing one command produced. applied covers the
// duplicate no-op, the effect exists either way. persisted means the command
// row already reached its terminal status inside the effect's transaction and
// must not be written again here.
type commandOutcome struct {
	applied   bool
	duplicate bool
	persisted bool
	code      string
	message   string
	retryable bool
}

func applyFailure(code string, err error, retryable bool) commandOutcome {
	return commandOutcome{code: code, message: err.Error(), retryable: retryable}
}

// commandTransition decides where a command lands after one execution.
// Retryable failures go back to recorded until the attempt budget runs out,
// everything else is terminal: applied or attention.
func commandTransition(outcome commandOutcome, attempts int) models.CommandStatus {
	switch {
	case outcome.applied:
		return models.CommandStatusApplied
	case outcome.retryable && attempts < maxSyncAttempts():
		return models.CommandStatusRecorded
	default:
		return models.CommandStatusAttention
	}
}

// runStatusFor grades a finished run from its tally. A run with no effect at
// all and at least one error is failed, errors next to applied work make it
// partial.
func runStatusFor(stats RunStats) models.SyncRunStatus {
	errorCount := stats.Failed + stats.Attention
	switch {
	case errorCount > 0 && stats.Applied+stats.Duplicate == 0:
		return models.SyncRunStatusFailed
	case errorCount > 0:
		return models.SyncRunStatusPartial
	default:
		return models.SyncRunStatusSuccess
	}
}

// applyCommand executes one claimed command and persists its transition,
// unless the execution already committed it alongside the stock write. Only
// infrastructure errors propagate, a command failure is data, not a reason to
// stop the run.
func applyCommand(ctx context.Context, db *gorm.DB, run *models.SyncRun,
	command *models.OfflineCommand, stats *RunStats) error {

	attempts := command.Attempts + 1
	outcome := executeCommand(ctx, command, attempts)
	status := commandTransition(outcome, attempts)

	updates := map[string]interface{}{"attempts": attempts, "status": status}
	switch {
	case outcome.applied && outcome.duplicate:
		stats.Duplicate++
		stats.ByErrorCode[models.SyncErrorCodeDuplicate]++
		updates["applied_at"] = time.Now()
		updates["last_error_code"] = models.SyncErrorCodeDuplicate
		updates["last_error_message"] = outcome.message
	case outcome.applied:
		stats.Applied++
		updates["applied_at"] = time.Now()
		updates["last_error_code"] = nil
		updates["last_error_message"] = nil
	case status == models.CommandStatusRecorded:
		stats.Failed++
		stats.ByErrorCode[outcome.code]++
		updates["last_error_code"] = outcome.code
		updates["last_error_message"] = outcome.message
	default:
		stats.Attention++
		stats.ByErrorCode[outcome.code]++
		updates["last_error_code"] = outcome.code
		updates["last_error_message"] = outcome.message
	}

	if !outcome.persisted {
		if err := db.Model(command).Updates(updates).Error; err != nil {
			return err
		}
	}
	if !outcome.applied {
		if err := recordCommandError(db, run, command, outcome); err != nil {
			return err
		}
	}
	return nil
}

func executeCommand(ctx context.Context, command *models.OfflineCommand, attempts int) commandOutcome {
	switch command.CommandType {
	case models.CommandTypePurchase:
		return executePurchase(ctx, command, attempts)
	case models.CommandTypeAdjustment:
		return executeAdjustment(ctx, command, attempts)
	case models.CommandTypeOrderComplete:
		return executeOrderComplete(ctx, command)
	default:
		return commandOutcome{
			code:    models.SyncErrorCodeTypeNotAllowed,
			message: fmt.Sprintf("unknown command type %q", command.CommandType),
		}
	}
}

// executePurchase restocks a material, creating it empty first when this
// server has never seen it: the device that recorded the purchase may have
// created the material offline.
func executePurchase(ctx context.Context, command *models.OfflineCommand, attempts int) commandOutcome {
	if err := ensureMaterial(ctx, command); err != nil {
		return applyFailure(models.SyncErrorCodeFailed, err, true)
	}
	return applyStockDelta(ctx, command, models.StockMovementPurchase, attempts)
}

func ensureMaterial(ctx context.Context, command *models.OfflineCommand) error {
	_, err := models.GetMaterialByName(ctx, command.MaterialName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		return err
	}

	unit := command.Unit
	if unit == "" {
		unit = "unit"
	}
	if _, createErr := models.CreateMaterial(ctx, models.NewMaterial{
		Name: command.MaterialName,
		Unit: unit,
	}); createErr != nil {
		// lost a create race; the material existing is all that matters
		if _, err := models.GetMaterialByName(ctx, command.MaterialName); err == nil {
			return nil
		}
		return createErr
	}
	return nil
}

// executeAdjustment corrects a count. Unlike a purchase it never creates the
// material: the name may simply not have synced in yet from another device,
// so a miss stays retryable.
func executeAdjustment(ctx context.Context, command *models.OfflineCommand, attempts int) commandOutcome {
	return applyStockDelta(ctx, command, models.StockMovementAdjustment, attempts)
}

// applyStockDelta replays a purchase or adjustment through
// models.ReplayCommandDelta, which commits the stock write and the applied
// transition in one transaction. A delta already in the ledger grades as a
// duplicate: the stock is untouched and the command converges to applied.
func applyStockDelta(ctx context.Context, command *models.OfflineCommand,
	reason models.StockMovementReason, attempts int) commandOutcome {

	result, err := models.ReplayCommandDelta(ctx, command, reason, attempts)
	if err != nil {
		return adjustOutcome(err)
	}
	if result.AlreadyApplied {
		return commandOutcome{
			applied:   true,
			duplicate: true,
			persisted: result.StatusPersisted,
			message:   fmt.Sprintf("stock delta for command %s is already in the ledger", command.CommandId),
		}
	}
	return commandOutcome{applied: true, persisted: true}
}

func adjustOutcome(err error) commandOutcome {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		return applyFailure(models.SyncErrorCodeMaterialNotFound, err, true)
	case errors.Is(err, utils.ErrorInsufficientStock):
		// stock can still arrive through a later purchase command
		return applyFailure(models.SyncErrorCodeInsufficient, err, true)
	case errors.Is(err, utils.ErrorVersionConflict), errors.Is(err, utils.ErrorRetryExhausted):
		return applyFailure(models.SyncErrorCodeConflict, err, true)
	default:
		return applyFailure(models.SyncErrorCodeFailed, err, true)
	}
}

func executeOrderComplete(ctx context.Context, command *models.OfflineCommand) commandOutcome {
	result, err := models.CompleteOrder(ctx, command.OrderId)
	if err == nil {
		if result.AlreadyApplied {
			return commandOutcome{
				applied:   true,
				duplicate: true,
				message:   fmt.Sprintf("order %d was already completed", command.OrderId),
			}
		}
		return commandOutcome{applied: true}
	}

	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		// orders exist server side before devices reference them, a miss
		// will not heal on its own
		return applyFailure(models.SyncErrorCodeOrderNotFound, err, false)
	case errors.Is(err, utils.ErrorMissingSpecification):
		return applyFailure(models.SyncErrorCodeMissingSpec, err, false)
	case errors.Is(err, utils.ErrorInsufficientStock):
		return applyFailure(models.SyncErrorCodeInsufficient, err, true)
	case errors.Is(err, utils.ErrorVersionConflict), errors.Is(err, utils.ErrorRetryExhausted):
		return applyFailure(models.SyncErrorCodeConflict, err, true)
	default:
		return applyFailure(models.SyncErrorCodeFailed, err, true)
	}
}

func recordCommandError(db *gorm.DB, run *models.SyncRun,
	command *models.OfflineCommand, outcome commandOutcome) error {

	record := models.SyncCommandError{
		SyncRunId:   run.ID,
		ArtisanId:   run.ArtisanId,
		CommandId:   command.CommandId,
		CommandType: command.CommandType,
		ErrorCode:   outcome.code,
		Message:     outcome.message,
		Retryable:   outcome.retryable,
	}
	return db.Create(&record).Error
}
