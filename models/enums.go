package models

type UserRole string

const (
	UserRoleAdmin UserRole = "A"
	UserRoleOwner UserRole = "O"
	UserRoleStaff UserRole = "S"
)

func (r UserRole) Valid() bool {
	switch r {
	case UserRoleAdmin, UserRoleOwner, UserRoleStaff:
		return true
	}
	return false
}

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusInProgress OrderStatus = "in_progress"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusInProgress, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// FeasibilityLevel is the classification of an order against current stock
// minus reservations of every higher-priority pending order.
type FeasibilityLevel string

const (
	FeasibilityFeasible   FeasibilityLevel = "FEASIBLE"
	FeasibilityAtRisk     FeasibilityLevel = "AT_RISK"
	FeasibilityUnfeasible FeasibilityLevel = "UNFEASIBLE"
)

// StockMovementReason classifies material ledger entries.
type StockMovementReason string

const (
	StockMovementPurchase   StockMovementReason = "purchase"
	StockMovementDeduction  StockMovementReason = "deduction"
	StockMovementAdjustment StockMovementReason = "adjustment"
	StockMovementImport     StockMovementReason = "import"
	StockMovementOpening    StockMovementReason = "opening"
)

func (r StockMovementReason) Valid() bool {
	switch r {
	case StockMovementPurchase, StockMovementDeduction, StockMovementAdjustment,
		StockMovementImport, StockMovementOpening:
		return true
	}
	return false
}

// CommandType identifies what an offline device recorded.
type CommandType string

const (
	CommandTypePurchase      CommandType = "purchase"
	CommandTypeOrderComplete CommandType = "order_complete"
	CommandTypeAdjustment    CommandType = "adjustment"
)

func (t CommandType) Valid() bool {
	switch t {
	case CommandTypePurchase, CommandTypeOrderComplete, CommandTypeAdjustment:
		return true
	}
	return false
}

// CommandStatus lifecycle: recorded -> applying -> applied (terminal),
// or applying -> recorded on a retryable failure, or -> attention once
// attempts run out / the failure is permanent.
type CommandStatus string

const (
	CommandStatusRecorded  CommandStatus = "recorded"
	CommandStatusApplying  CommandStatus = "applying"
	CommandStatusApplied   CommandStatus = "applied"
	CommandStatusAttention CommandStatus = "attention"
)

type SyncRunStatus string

const (
	SyncRunStatusQueued  SyncRunStatus = "queued"
	SyncRunStatusRunning SyncRunStatus = "running"
	SyncRunStatusSuccess SyncRunStatus = "success"
	SyncRunStatusFailed  SyncRunStatus = "failed"
	SyncRunStatusPartial SyncRunStatus = "partial"
)

type SyncTriggerSource string

const (
	SyncTriggerManual    SyncTriggerSource = "manual"
	SyncTriggerReconnect SyncTriggerSource = "reconnect"
	SyncTriggerRetry     SyncTriggerSource = "retry"
	SyncTriggerPubSub    SyncTriggerSource = "pubsub"
	SyncTriggerScheduled SyncTriggerSource = "scheduled"
)

func (s SyncTriggerSource) Valid() bool {
	switch s {
	case SyncTriggerManual, SyncTriggerReconnect, SyncTriggerRetry, SyncTriggerPubSub, SyncTriggerScheduled:
		return true
	}
	return false
}

type AlertStatus string

const (
	AlertStatusOpen    AlertStatus = "open"
	AlertStatusCleared AlertStatus = "cleared"
)

// InventoryReferenceType tags outbox events with the document they describe.
type InventoryReferenceType string

const (
	InventoryReferenceTypeMaterial InventoryReferenceType = "MT"
	InventoryReferenceTypeOrder    InventoryReferenceType = "OR"
	InventoryReferenceTypeAlert    InventoryReferenceType = "AL"
	InventoryReferenceTypeProduct  InventoryReferenceType = "PD"
	InventoryReferenceTypeSyncRun  InventoryReferenceType = "SY"
)

type PubSubMessageAction string

const (
	PubSubMessageActionCreate PubSubMessageAction = "C"
	PubSubMessageActionUpdate PubSubMessageAction = "U"
	PubSubMessageActionDelete PubSubMessageAction = "D"
)

// SyncErrorCode values recorded on sync command errors. Order and
// specification problems are terminal; the rest can heal on a later run.
const (
	SyncErrorCodeConflict         = "CONFLICT"
	SyncErrorCodeInsufficient     = "INSUFFICIENT_STOCK"
	SyncErrorCodeMissingSpec      = "MISSING_SPECIFICATION"
	SyncErrorCodeDuplicate        = "DUPLICATE"
	SyncErrorCodeFailed           = "FAILED"
	SyncErrorCodeOrderNotFound    = "ORDER_NOT_FOUND"
	SyncErrorCodeMaterialNotFound = "MATERIAL_NOT_FOUND"
	SyncErrorCodeTypeNotAllowed   = "TYPE_NOT_ALLOWED"
)
