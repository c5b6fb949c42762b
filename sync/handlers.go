package sync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/models"
	"github.com/artisanhq/atelier_backend/utils"
)

func artisanFromContext(c *gin.Context) (string, bool) {
	artisanId, ok := utils.GetArtisanIdFromContext(c.Request.Context())
	if !ok || artisanId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return artisanId, true
}

// UploadCommandsHandler ingests a device's offline command batch. With
// autoSync set and at least one newly recorded command it also queues a
// replay run, the usual coming-back-online flow.
func UploadCommandsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		artisanId, ok := artisanFromContext(c)
		if !ok {
			return
		}

		var req UploadCommandsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := c.Request.Context()
		deviceId := strings.TrimSpace(req.DeviceId)
		if deviceId == "" {
			deviceId, _ = utils.GetDeviceIdFromContext(ctx)
		}

		batch, err := models.RecordOfflineCommands(ctx, deviceId, req.Commands)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp := UploadCommandsResponse{Batch: batch}
		if req.AutoSync && batch.Recorded > 0 {
			run, err := TriggerSyncRun(ctx, artisanId, models.SyncTriggerReconnect, deviceId, nil)
			if run != nil {
				resp.SyncRunId = run.ID
			}
			if err != nil {
				// batch is stored either way, the device can re-trigger
				config.LogError(config.GetLogger(), "handlers.go", "UploadCommandsHandler",
					"auto sync trigger", artisanId, err)
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		artisanId, ok := artisanFromContext(c)
		if !ok {
			return
		}

		var req TriggerSyncRequest
		// body is optional, an empty trigger is fine
		_ = c.ShouldBindJSON(&req)

		run, err := TriggerSyncRun(c.Request.Context(), artisanId,
			models.SyncTriggerManual, strings.TrimSpace(req.DeviceId), nil)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

// SyncStatusHandler reports how far the artisan's command log has drained,
// the poll target for a device that just uploaded a batch.
func SyncStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		artisanId, ok := artisanFromContext(c)
		if !ok {
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())

		var pending, attention int64
		if err := db.Model(&models.OfflineCommand{}).
			Where("artisan_id = ? AND status = ?", artisanId, models.CommandStatusRecorded).
			Count(&pending).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := db.Model(&models.OfflineCommand{}).
			Where("artisan_id = ? AND status = ?", artisanId, models.CommandStatusAttention).
			Count(&attention).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := SyncStatusResponse{
			InSync:            pending == 0 && attention == 0,
			PendingCommands:   pending,
			AttentionCommands: attention,
		}

		var lastRun models.SyncRun
		err := db.Where("artisan_id = ?", artisanId).Order("id desc").Take(&lastRun).Error
		if err == nil {
			mapped := mapRunToResponse(lastRun)
			resp.LastRun = &mapped
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// AttentionCommandsHandler lists the commands parked for a human decision,
// the requeue/discard work queue.
func AttentionCommandsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromContext(c); !ok {
			return
		}

		commands, err := models.GetOfflineCommands(c.Request.Context(), models.CommandStatusAttention)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": commands, "count": len(commands)})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromContext(c); !ok {
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}
		var after *string
		if v := strings.TrimSpace(c.Query("after")); v != "" {
			after = &v
		}

		edges, pageInfo, err := models.PaginateSyncRuns(c.Request.Context(), limit, after)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(edges))
		for _, edge := range edges {
			items = append(items, mapRunToResponse(*edge.Node))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items, PageInfo: pageInfo})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		artisanId, ok := artisanFromContext(c)
		if !ok {
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var run models.SyncRun
		if err := db.Where("id = ? AND artisan_id = ?", id, artisanId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.SyncCommandError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(run),
			Stats:           DecodeRunStats(run.StatsJSON),
			Errors:          mapErrors(errs),
		})
	}
}

// RetrySyncRunHandler queues a follow-up run for the same artisan. The new
// run picks up whatever is recorded now, including commands the parent sent
// back for retry.
func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		artisanId, ok := artisanFromContext(c)
		if !ok {
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var parent models.SyncRun
		if err := db.Where("id = ? AND artisan_id = ?", id, artisanId).Take(&parent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		run, err := TriggerSyncRun(c.Request.Context(), artisanId,
			models.SyncTriggerRetry, parent.DeviceId, &parent.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func ListCommandsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromContext(c); !ok {
			return
		}

		status := models.CommandStatus(strings.TrimSpace(c.Query("status")))

		// With an explicit limit the endpoint pages by cursor, otherwise it
		// returns the filtered log in one shot.
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			var after *string
			if cursor := strings.TrimSpace(c.Query("after")); cursor != "" {
				after = &cursor
			}
			edges, pageInfo, err := models.PaginateOfflineCommands(c.Request.Context(), status, limit, after)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			nodes := make([]gin.H, 0, len(edges))
			for _, edge := range edges {
				nodes = append(nodes, gin.H{"node": edge.Node, "cursor": edge.Cursor})
			}
			c.JSON(http.StatusOK, gin.H{"edges": nodes, "page_info": pageInfo})
			return
		}

		commands, err := models.GetOfflineCommands(c.Request.Context(), status)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": commands})
	}
}

func GetCommandHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromContext(c); !ok {
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command id"})
			return
		}
		command, err := models.GetOfflineCommand(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, command)
	}
}

func RequeueCommandHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromContext(c); !ok {
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command id"})
			return
		}
		command, err := models.RequeueOfflineCommand(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, command)
	}
}

func DiscardCommandHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := artisanFromContext(c); !ok {
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command id"})
			return
		}
		command, err := models.DiscardOfflineCommand(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, command)
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:                run.ID,
		Status:            string(run.Status),
		TriggerSource:     string(run.TriggerSource),
		TriggeredBy:       run.TriggeredBy,
		DeviceId:          run.DeviceId,
		StartedAt:         formatTime(run.StartedAt),
		FinishedAt:        formatTime(run.FinishedAt),
		DurationMs:        run.DurationMs,
		CommandsTotal:     run.CommandsTotal,
		CommandsApplied:   run.CommandsApplied,
		CommandsDuplicate: run.CommandsDuplicate,
		CommandsFailed:    run.CommandsFailed,
		CommandsAttention: run.CommandsAttention,
		ErrorCount:        run.ErrorCount,
	}
}

func mapErrors(errorsList []models.SyncCommandError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:          errItem.ID,
			CommandId:   errItem.CommandId,
			CommandType: string(errItem.CommandType),
			ErrorCode:   errItem.ErrorCode,
			Message:     errItem.Message,
			Retryable:   errItem.Retryable,
		})
	}
	return out
}
