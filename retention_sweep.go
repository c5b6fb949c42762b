package main

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/models"
	"github.com/artisanhq/atelier_backend/workflow"
)

// RetentionSweeper prunes sync bookkeeping that has aged out of its retention
// window: applied offline commands, fully processed outbox rows and finished
// idempotency keys. The in-process twin of the command-log-gc job for
// deployments without a cron scheduler. Attention commands and dead outbox
// rows are never touched, they still need an operator decision.
type RetentionSweeper struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Interval time.Duration
}

func NewRetentionSweeper(db *gorm.DB, logger *logrus.Logger) *RetentionSweeper {
	interval := 24 * time.Hour
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv("RETENTION_SWEEP_HOURS"))); err == nil && v >= 1 {
		interval = time.Duration(v) * time.Hour
	}
	return &RetentionSweeper{DB: db, Logger: logger, Interval: interval}
}

func shouldRunRetentionSweeper() bool {
	return !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_RETENTION_SWEEP")), "true")
}

func (s *RetentionSweeper) Run(ctx context.Context) {
	if s == nil || s.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := runRetentionSweep(ctx, s.DB)
		if err != nil {
			if s.Logger != nil {
				s.Logger.WithFields(logrus.Fields{"field": "RetentionSweeper"}).
					Error("retention sweep failed: " + err.Error())
			}
		} else if s.Logger != nil && result.total() > 0 {
			s.Logger.WithFields(logrus.Fields{
				"field":            "RetentionSweeper",
				"requeued":         result.Requeued,
				"commands":         result.Commands,
				"outbox_records":   result.OutboxRecords,
				"idempotency_keys": result.IdempotencyKeys,
			}).Info("retention sweep done")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval):
		}
	}
}

type retentionSweepResult struct {
	Requeued        int64 `json:"requeued"`
	Commands        int64 `json:"commands"`
	OutboxRecords   int64 `json:"outbox_records"`
	IdempotencyKeys int64 `json:"idempotency_keys"`
}

func (r retentionSweepResult) total() int64 {
	return r.Requeued + r.Commands + r.OutboxRecords + r.IdempotencyKeys
}

// runRetentionSweep is shared between the background sweeper and the
// /internal/ops/commands/gc endpoint.
func runRetentionSweep(ctx context.Context, db *gorm.DB) (retentionSweepResult, error) {
	var out retentionSweepResult
	var err error

	if out.Requeued, err = models.ReclaimStuckCommands(ctx, 30*time.Minute); err != nil {
		return out, err
	}
	if out.Commands, err = models.PurgeAppliedCommands(ctx); err != nil {
		return out, err
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays())
	if out.OutboxRecords, err = models.PurgeOutboxRecords(ctx, cutoff); err != nil {
		return out, err
	}
	if out.IdempotencyKeys, err = workflow.PurgeIdempotencyKeys(db.WithContext(ctx), cutoff); err != nil {
		return out, err
	}
	return out, nil
}

func retentionDays() int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv("COMMAND_RETENTION_DAYS"))); err == nil && v >= 1 {
		return v
	}
	return 30
}
