package config

import (
	"os"
	"strings"
)

// DirectSyncWorker runs offline-command reconciliation inline in the API process
// instead of through Pub/Sub push delivery. Intended for local/dev environments
// where Pub/Sub is not configured.
//
// Set via env:
// - DIRECT_SYNC_WORKER=true
func DirectSyncWorker() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DIRECT_SYNC_WORKER")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// FeasibilityCacheDisabled turns off the Redis-backed backlog feasibility cache.
// Classification then recomputes from a fresh inventory snapshot on every request.
//
// Set via env:
// - FEASIBILITY_CACHE_DISABLED=true
func FeasibilityCacheDisabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("FEASIBILITY_CACHE_DISABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// SyncCommandTypeAllowed restricts which offline command types devices may submit,
// for staged rollout of new command types. Empty means every type is accepted.
//
// Set via env:
// - SYNC_COMMAND_TYPES="PURCHASE,ADJUSTMENT,ORDER_COMPLETE"
//
// Type keys are case-insensitive.
func SyncCommandTypeAllowed(cmdType string) bool {
	cmdType = strings.ToUpper(strings.TrimSpace(cmdType))
	if cmdType == "" {
		return false
	}
	raw := os.Getenv("SYNC_COMMAND_TYPES")
	if strings.TrimSpace(raw) == "" {
		return true
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToUpper(strings.TrimSpace(part)) == cmdType {
			return true
		}
	}
	return false
}
