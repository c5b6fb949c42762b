package sync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/models"
	"github.com/artisanhq/atelier_backend/utils"
)

// Scheduler sweeps the command log on an interval. Artisans holding recorded
// commands with no run in flight get a scheduled run, and queued runs whose
// push delivery never arrived are replayed directly. One scheduler per
// deployment is enough; a second one is harmless because the per-command
// claim still takes each row exactly once.
type Scheduler struct {
	DB     *gorm.DB
	Logger *logrus.Logger

	PollInterval     time.Duration
	StaleQueuedAfter time.Duration
	BatchSize        int
}

func NewScheduler(db *gorm.DB, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		DB:               db,
		Logger:           logger,
		PollInterval:     30 * time.Second,
		StaleQueuedAfter: 2 * time.Minute,
		BatchSize:        50,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.PollInterval):
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	if s.DB == nil {
		return
	}
	ctx = utils.SetUserIdInContext(ctx, 0)
	ctx = utils.SetUserNameInContext(ctx, reconcilerUserName)

	s.redriveQueuedRuns(ctx)
	s.triggerScheduledRuns(ctx)
}

// redriveQueuedRuns replays queued runs whose push delivery is overdue.
// Racing a late delivery is fine, closed runs are acked without work.
func (s *Scheduler) redriveQueuedRuns(ctx context.Context) {
	staleBefore := time.Now().Add(-s.StaleQueuedAfter)

	var runs []models.SyncRun
	if err := s.DB.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.SyncRunStatusQueued, staleBefore).
		Order("id ASC").
		Limit(s.BatchSize).
		Find(&runs).Error; err != nil {
		config.LogError(s.Logger, "scheduler.go", "redriveQueuedRuns", "list queued runs", nil, err)
		return
	}

	for _, run := range runs {
		payload := SyncPubSubPayload{RunId: run.ID, ArtisanId: run.ArtisanId}
		if err := ProcessSyncRun(ctx, payload); err != nil {
			config.LogError(s.Logger, "scheduler.go", "redriveQueuedRuns", "process sync run", payload, err)
		}
	}
}

// triggerScheduledRuns queues a run for every artisan whose recorded commands
// have nobody working on them, devices that uploaded but never triggered.
func (s *Scheduler) triggerScheduledRuns(ctx context.Context) {
	artisanIds, err := models.ArtisansAwaitingReplay(ctx, s.BatchSize)
	if err != nil {
		config.LogError(s.Logger, "scheduler.go", "triggerScheduledRuns", "list artisans", nil, err)
		return
	}

	for _, artisanId := range artisanIds {
		if _, err := TriggerSyncRun(ctx, artisanId, models.SyncTriggerScheduled, "", nil); err != nil {
			config.LogError(s.Logger, "scheduler.go", "triggerScheduledRuns", "trigger run", artisanId, err)
		}
	}
}
