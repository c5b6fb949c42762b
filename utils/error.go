package utils

import (
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

var ErrorRecordNotFound = errors.New("record not found")

// IsDuplicateKeyError reports whether err is a MySQL 1062 duplicate entry.
// Unique indexes double as idempotency guards in several write paths.
func IsDuplicateKeyError(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// Inventory engine error taxonomy. Handlers map these onto API error codes;
// everything else surfaces as a plain message.
var (
	// ErrorVersionConflict means the stored version no longer matches the
	// caller's expected_version. Retryable after re-reading.
	ErrorVersionConflict = errors.New("version conflict")

	// ErrorInsufficientStock means a deduction would drive a material's
	// quantity below zero. Surfaced to the caller, never retried blindly.
	ErrorInsufficientStock = errors.New("insufficient stock")

	// ErrorMissingSpecification means the referenced product has no recorded
	// material breakdown.
	ErrorMissingSpecification = errors.New("missing material specification")

	// ErrorRetryExhausted means a bounded conflict-retry loop gave up.
	// The caller should retry later.
	ErrorRetryExhausted = errors.New("retry attempts exhausted")
)
