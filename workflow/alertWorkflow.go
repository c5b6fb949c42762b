package workflow

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/models"
)

// ProcessAlertWorkflow delivers a low stock alert out of band. The raise
// itself was committed with the stock mutation; this side only emits the
// notification and stamps notified_at so redeliveries stay quiet.
func ProcessAlertWorkflow(tx *gorm.DB, logger *logrus.Logger, msg config.PubSubMessage) error {
	var alert models.InventoryAlert
	if err := json.Unmarshal(msg.NewObj, &alert); err != nil {
		config.LogError(logger, "AlertWorkflow.go", "ProcessAlertWorkflow", "Unmarshal alert", msg.ReferenceId, err)
		return err
	}

	if alert.Status != models.AlertStatusOpen {
		// Cleared alerts need no outbound notification.
		logger.WithFields(logrus.Fields{
			"field":         "AlertWorkflow",
			"artisan_id":    msg.ArtisanId,
			"alert_id":      msg.ReferenceId,
			"material_name": alert.MaterialName,
		}).Info("low stock alert cleared")
		return nil
	}

	// Notification channel is the structured log stream; ops routes on the
	// inventory.low_stock marker.
	logger.WithFields(logrus.Fields{
		"field":              "AlertWorkflow",
		"event":              "inventory.low_stock",
		"artisan_id":         msg.ArtisanId,
		"alert_id":           msg.ReferenceId,
		"material_name":      alert.MaterialName,
		"quantity_at_raise":  alert.QuantityAtRaise.String(),
		"threshold_at_raise": alert.ThresholdAtRaise.String(),
	}).Warn("low stock alert raised")

	if err := models.MarkAlertNotifiedTx(tx, msg.ArtisanId, msg.ReferenceId, time.Now().UTC()); err != nil {
		config.LogError(logger, "AlertWorkflow.go", "ProcessAlertWorkflow", "MarkAlertNotifiedTx", msg.ReferenceId, err)
		return err
	}
	return nil
}
