package models

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/utils"
)

// SyncRun is one replay pass over an artisan's offline command log. The
// reconciler creates a queued run, moves it to running while it holds the
// artisan's sync lock, and closes it out with per-outcome counts. Partial
// means some commands applied and some did not.
type SyncRun struct {
	ID                int               `gorm:"primary_key" json:"id"`
	ArtisanId         string            `gorm:"size:64;index;not null" json:"artisan_id"`
	Status            SyncRunStatus     `gorm:"size:20;not null" json:"status"`
	TriggerSource     SyncTriggerSource `gorm:"size:20" json:"trigger_source"`
	TriggeredBy       string            `gorm:"size:100" json:"triggered_by"`
	DeviceId          string            `gorm:"size:64" json:"device_id"`
	StartedAt         *time.Time        `json:"started_at"`
	FinishedAt        *time.Time        `json:"finished_at"`
	DurationMs        int64             `json:"duration_ms"`
	CommandsTotal     int               `json:"commands_total"`
	CommandsApplied   int               `json:"commands_applied"`
	CommandsDuplicate int               `json:"commands_duplicate"`
	CommandsFailed    int               `json:"commands_failed"`
	CommandsAttention int               `json:"commands_attention"`
	ErrorCount        int               `json:"error_count"`
	StatsJSON         []byte            `gorm:"type:json" json:"stats"`
	ParentRunId       *int              `gorm:"index" json:"parent_run_id"`
	CorrelationId     string            `gorm:"size:64" json:"correlation_id"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (run SyncRun) GetId() int {
	return run.ID
}

func (run SyncRun) GetArtisanId() string {
	return run.ArtisanId
}

// Run ids are monotonic, so the id alone is a stable cursor.
func (run SyncRun) GetCursor() string {
	return strconv.Itoa(run.ID)
}

// PaginateSyncRuns pages an artisan's run history newest first.
func PaginateSyncRuns(ctx context.Context, limit int, after *string) ([]Edge[SyncRun], *PageInfo, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, nil, errors.New("artisan id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&SyncRun{}).Where("artisan_id = ?", artisanId)
	return FetchPagePureCursor[SyncRun](dbCtx, limit, after, "id", "<")
}

// SyncCommandError is one command failure inside a run. Retryable errors
// leave the command recorded for the next run; the rest parked it in
// attention.
type SyncCommandError struct {
	ID          int         `gorm:"primary_key" json:"id"`
	SyncRunId   int         `gorm:"index;not null" json:"sync_run_id"`
	ArtisanId   string      `gorm:"size:64;index;not null" json:"artisan_id"`
	CommandId   string      `gorm:"size:64" json:"command_id"`
	CommandType CommandType `gorm:"size:20" json:"command_type"`
	ErrorCode   string      `gorm:"size:40" json:"error_code"`
	Message     string      `gorm:"type:text" json:"message"`
	Retryable   bool        `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

func (syncError SyncCommandError) GetId() int {
	return syncError.ID
}
