package main

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/models"
	"github.com/artisanhq/atelier_backend/utils"
	"github.com/artisanhq/atelier_backend/workflow"
)

var (
	artisanMutexMap = make(map[string]*sync.Mutex)
	globalMutex     = &sync.Mutex{}
)

func RunInventoryWorkflow() error {
	logger := config.GetLogger()
	ctx := context.Background()
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	// Specify the number of concurrent processes
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	// Create a callback function to handle messages.
	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.PubSubMessage{}
		err := json.Unmarshal(msg.Data, &m)
		if err != nil {
			config.LogError(logger, "InventoryWorkflow.go", "RunInventoryWorkflow", "Unmarshaling pubsub message", msg.Data, err)
			// Poison payload, redelivery cannot fix it.
			msg.Ack()
			return
		}

		// Get or create the mutex for the current ArtisanId
		globalMutex.Lock()
		mutex, exists := artisanMutexMap[m.ArtisanId]
		if !exists {
			mutex = &sync.Mutex{}
			artisanMutexMap[m.ArtisanId] = mutex
		}
		globalMutex.Unlock()

		// Lock the specific artisan mutex
		mutex.Lock()
		defer mutex.Unlock()

		ctx = utils.SetArtisanIdInContext(ctx, m.ArtisanId)
		ctx = utils.SetUserIdInContext(ctx, 0)
		ctx = utils.SetUserNameInContext(ctx, "System")
		ctx = utils.SetCorrelationIdInContext(ctx, m.CorrelationId)

		markOutboxProcessing(ctx, m.ID)
		if err := ProcessMessage(ctx, logger, m); err != nil {
			dead := markOutboxProcessFailure(ctx, logger, m, err)
			if dead {
				invalidateFeasibilityOnDead(ctx, logger, m)
			}
			logger.WithFields(logrus.Fields{
				"field":          "InventoryWorkflow",
				"artisan_id":     m.ArtisanId,
				"reference_type": m.ReferenceType,
				"reference_id":   m.ReferenceId,
				"message_id":     msg.ID,
			}).Error("pubsub processing failed: " + err.Error())
			msg.Nack()
			return
		}
		markOutboxProcessSuccess(ctx, logger, m)
		msg.Ack()
	}

	// Receive messages.
	go func() {
		err := sub.Receive(ctx, callback)

		if err != nil {
			config.LogError(logger, "InventoryWorkflow.go", "RunInventoryWorkflow", "Failed to receive messages", nil, err)
		}
	}()

	return nil
}

func ProcessMessage(ctx context.Context, logger *logrus.Logger, m config.PubSubMessage) error {
	db := config.GetDB()
	return db.Transaction(func(tx *gorm.DB) error {
		// Enforce strict per-artisan ordering across instances.
		if err := workflow.AcquireArtisanEventLock(tx.WithContext(ctx), m.ArtisanId); err != nil {
			return err
		}
		defer workflow.ReleaseArtisanEventLock(tx.WithContext(ctx), m.ArtisanId)

		handlerName := m.ReferenceType
		messageId := strconv.Itoa(m.ID)

		skip, err := workflow.BeginIdempotency(tx.WithContext(ctx), m.ArtisanId, handlerName, messageId)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		if err := ProcessWorkflow(tx.WithContext(ctx), logger, m); err != nil {
			_ = workflow.MarkIdempotencyFailed(tx.WithContext(ctx), m.ArtisanId, handlerName, messageId, err)
			return err
		}
		if err := workflow.MarkIdempotencySucceeded(tx.WithContext(ctx), m.ArtisanId, handlerName, messageId); err != nil {
			return err
		}
		return nil
	})
}

func ProcessWorkflow(tx *gorm.DB, logger *logrus.Logger, msg config.PubSubMessage) error {
	switch msg.ReferenceType {
	case string(models.InventoryReferenceTypeMaterial),
		string(models.InventoryReferenceTypeOrder),
		string(models.InventoryReferenceTypeProduct):

		return workflow.ProcessFeasibilityRefreshWorkflow(tx, logger, msg)
	case string(models.InventoryReferenceTypeAlert):
		return workflow.ProcessAlertWorkflow(tx, logger, msg)
	case string(models.InventoryReferenceTypeSyncRun):
		return workflow.ProcessSyncRunWorkflow(tx, logger, msg)
	}
	return nil
}
