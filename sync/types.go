package sync

import (
	"encoding/json"

	"github.com/artisanhq/atelier_backend/models"
)

type UploadCommandsRequest struct {
	DeviceId string                     `json:"deviceId"`
	Commands []models.NewOfflineCommand `json:"commands" binding:"required"`
	// AutoSync queues a replay run right after the batch is stored, the
	// common case for a device coming back online.
	AutoSync bool `json:"autoSync"`
}

type UploadCommandsResponse struct {
	Batch     *models.CommandBatchResult `json:"batch"`
	SyncRunId int                        `json:"syncRunId,omitempty"`
}

type TriggerSyncRequest struct {
	DeviceId string `json:"deviceId"`
}

type SyncHistoryResponse struct {
	Items    []SyncRunResponse `json:"items"`
	PageInfo *models.PageInfo  `json:"pageInfo"`
}

// SyncStatusResponse answers the device's drain poll after reconnecting.
// InSync means nothing is recorded and nothing is parked for attention.
type SyncStatusResponse struct {
	InSync            bool             `json:"inSync"`
	PendingCommands   int64            `json:"pendingCommands"`
	AttentionCommands int64            `json:"attentionCommands"`
	LastRun           *SyncRunResponse `json:"lastRun"`
}

type SyncRunResponse struct {
	ID                int     `json:"id"`
	Status            string  `json:"status"`
	TriggerSource     string  `json:"triggerSource"`
	TriggeredBy       string  `json:"triggeredBy"`
	DeviceId          string  `json:"deviceId,omitempty"`
	StartedAt         *string `json:"startedAt"`
	FinishedAt        *string `json:"finishedAt"`
	DurationMs        int64   `json:"durationMs"`
	CommandsTotal     int     `json:"commandsTotal"`
	CommandsApplied   int     `json:"commandsApplied"`
	CommandsDuplicate int     `json:"commandsDuplicate"`
	CommandsFailed    int     `json:"commandsFailed"`
	CommandsAttention int     `json:"commandsAttention"`
	ErrorCount        int     `json:"errorCount"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Stats  RunStats            `json:"stats"`
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID          int    `json:"id"`
	CommandId   string `json:"commandId"`
	CommandType string `json:"commandType"`
	ErrorCode   string `json:"errorCode"`
	Message     string `json:"message"`
	Retryable   bool   `json:"retryable"`
}

// RunStats is the per-outcome tally stored on the run as stats_json.
type RunStats struct {
	Applied     int            `json:"applied"`
	Duplicate   int            `json:"duplicate"`
	Failed      int            `json:"failed"`
	Attention   int            `json:"attention"`
	ByErrorCode map[string]int `json:"byErrorCode,omitempty"`
}

func DecodeRunStats(raw []byte) RunStats {
	if len(raw) == 0 {
		return RunStats{}
	}
	var stats RunStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return RunStats{}
	}
	return stats
}

func EncodeRunStats(stats RunStats) []byte {
	b, _ := json.Marshal(stats)
	return b
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId     int    `json:"run_id"`
	ArtisanId string `json:"artisan_id"`
}
