package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/models"
)

// invalidateFeasibilityOnDead is the compensation for a message that went
// DEAD: the async rebuild will never run, so the cached snapshot must not
// outlive it. Dropping the key forces the next read to recompute inline.
func invalidateFeasibilityOnDead(ctx context.Context, logger *logrus.Logger, msg config.PubSubMessage) {
	switch msg.ReferenceType {
	case string(models.InventoryReferenceTypeMaterial),
		string(models.InventoryReferenceTypeOrder),
		string(models.InventoryReferenceTypeProduct),
		string(models.InventoryReferenceTypeSyncRun):
	default:
		// Alert notifications have nothing cached to compensate.
		return
	}
	if msg.ArtisanId == "" {
		return
	}

	if err := models.InvalidateFeasibilityCache(msg.ArtisanId); err != nil {
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":          "OutboxDeadRevert",
				"artisan_id":     msg.ArtisanId,
				"reference_type": msg.ReferenceType,
				"reference_id":   msg.ReferenceId,
			}).Warn("failed to drop feasibility cache after DEAD processing: " + err.Error())
		}
		return
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":          "OutboxDeadRevert",
			"artisan_id":     msg.ArtisanId,
			"reference_type": msg.ReferenceType,
			"reference_id":   msg.ReferenceId,
		}).Info("dropped feasibility cache after DEAD processing")
	}
}
