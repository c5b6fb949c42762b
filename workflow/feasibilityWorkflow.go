package workflow

import (
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/models"
)

// ProcessFeasibilityRefreshWorkflow recomputes the backlog grading after a
// material, order or product event and reprimes the cache. Write-side hooks
// already invalidated the stale entry; this keeps the next dashboard read
// from paying for the recompute.
func ProcessFeasibilityRefreshWorkflow(tx *gorm.DB, logger *logrus.Logger, msg config.PubSubMessage) error {
	ctx := tx.Statement.Context

	results, err := models.RebuildFeasibilityCache(ctx, msg.ArtisanId)
	if err != nil {
		config.LogError(logger, "FeasibilityWorkflow.go", "ProcessFeasibilityRefreshWorkflow", "RebuildFeasibilityCache", msg.ReferenceId, err)
		return err
	}

	atRisk := 0
	unfeasible := 0
	for i := range results {
		switch results[i].Level {
		case models.FeasibilityAtRisk:
			atRisk++
		case models.FeasibilityUnfeasible:
			unfeasible++
		}
	}
	logger.WithFields(logrus.Fields{
		"field":          "FeasibilityWorkflow",
		"artisan_id":     msg.ArtisanId,
		"reference_type": msg.ReferenceType,
		"reference_id":   msg.ReferenceId,
		"backlog":        len(results),
		"at_risk":        atRisk,
		"unfeasible":     unfeasible,
	}).Info("feasibility snapshot rebuilt")
	return nil
}
