package workflow

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/models"
)

// ProcessSyncRunWorkflow closes the loop on a finished replay run: one audit
// line with the run counters, then a feasibility rebuild covering whatever
// the replayed commands changed in aggregate.
func ProcessSyncRunWorkflow(tx *gorm.DB, logger *logrus.Logger, msg config.PubSubMessage) error {
	var run models.SyncRun
	if err := json.Unmarshal(msg.NewObj, &run); err != nil {
		config.LogError(logger, "SyncRunWorkflow.go", "ProcessSyncRunWorkflow", "Unmarshal sync run", msg.ReferenceId, err)
		return err
	}

	logger.WithFields(logrus.Fields{
		"field":          "SyncRunWorkflow",
		"artisan_id":     msg.ArtisanId,
		"sync_run_id":    run.ID,
		"status":         run.Status,
		"trigger_source": run.TriggerSource,
		"total":          run.CommandsTotal,
		"applied":        run.CommandsApplied,
		"duplicate":      run.CommandsDuplicate,
		"failed":         run.CommandsFailed,
		"attention":      run.CommandsAttention,
		"duration_ms":    run.DurationMs,
	}).Info("sync run finished")

	if run.CommandsApplied == 0 {
		// Nothing changed stock or orders, the cache is still good.
		return nil
	}
	return ProcessFeasibilityRefreshWorkflow(tx, logger, msg)
}
