package models

// Identifier is satisfied by every model with an int primary key. Pagination
// cursors and cache keys are built on it.
type Identifier interface {
	GetId() int
}
