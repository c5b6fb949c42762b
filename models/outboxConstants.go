package models

// Publish-side statuses for PubSubMessageRecord.PublishStatus, the
// dispatcher's view of a row. Plain strings, they are stored in the DB.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// Consumer-side statuses for PubSubMessageRecord.ProcessingStatus. A row is
// finished only when it is SENT on one side and SUCCEEDED on the other.
const (
	OutboxProcessStatusPending    = "PENDING"
	OutboxProcessStatusProcessing = "PROCESSING"
	OutboxProcessStatusSucceeded  = "SUCCEEDED"
	OutboxProcessStatusFailed     = "FAILED"
	OutboxProcessStatusDead       = "DEAD"
)
