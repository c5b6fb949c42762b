package sync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/models"
	"github.com/artisanhq/atelier_backend/utils"
)

func syncTopicName() string {
	if v := strings.TrimSpace(os.Getenv("SYNC_TOPIC")); v != "" {
		return v
	}
	return "inventory-sync"
}

// TriggerSyncRun queues a replay run and hands it to the worker. With
// DIRECT_SYNC_WORKER the worker runs in-process, the local and test setup;
// otherwise the run id goes through Pub/Sub and comes back on the push
// endpoint.
func TriggerSyncRun(ctx context.Context, artisanId string, trigger models.SyncTriggerSource,
	deviceId string, parentRunId *int) (*models.SyncRun, error) {

	userName, _ := utils.GetUserNameFromContext(ctx)
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	run := models.SyncRun{
		ArtisanId:     artisanId,
		Status:        models.SyncRunStatusQueued,
		TriggerSource: trigger,
		TriggeredBy:   userName,
		DeviceId:      deviceId,
		ParentRunId:   parentRunId,
		CorrelationId: correlationId,
	}
	if err := config.GetDB().WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}

	if err := PublishSyncRun(ctx, run.ID, artisanId); err != nil {
		// the run stays queued; a later trigger or retry re-publishes it
		config.LogError(config.GetLogger(), "pubsub.go", "TriggerSyncRun",
			"publish sync run", run.ID, err)
		return &run, err
	}
	return &run, nil
}

func PublishSyncRun(ctx context.Context, runId int, artisanId string) error {
	payload := SyncPubSubPayload{RunId: runId, ArtisanId: artisanId}

	if config.DirectSyncWorker() {
		go func() {
			if err := ProcessSyncRun(context.Background(), payload); err != nil {
				config.LogError(config.GetLogger(), "pubsub.go", "PublishSyncRun",
					"direct sync worker", payload, err)
			}
		}()
		return nil
	}

	topicName := syncTopicName()
	if envBoolDefault("SYNC_CREATE_TOPIC", false) {
		client, err := config.GetClient(ctx)
		if err != nil {
			return err
		}
		if _, err := config.CreateTopicIfNotExists(client, topicName); err != nil {
			return err
		}
	}
	return config.PublishSyncWorkflow(topicName, payload)
}

// PubSubPushHandler receives the push subscription for sync runs. Malformed
// envelopes are acked and dropped so a poison message cannot loop forever;
// processing failures return non-2xx so Pub/Sub redelivers, ProcessSyncRun
// resumes safely.
func PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "pubsub.go", "PubSubPushHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "pubsub.go", "PubSubPushHandler", "unmarshal envelope", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			config.LogError(logger, "pubsub.go", "PubSubPushHandler", "unmarshal payload", envelope.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}
		if payload.RunId == 0 || payload.ArtisanId == "" {
			c.Status(http.StatusNoContent)
			return
		}

		if err := ProcessSyncRun(c.Request.Context(), payload); err != nil {
			config.LogError(logger, "pubsub.go", "PubSubPushHandler", "process sync run", payload, err)
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
