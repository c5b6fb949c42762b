// command-log-gc prunes sync bookkeeping that has aged out of its retention
// window: applied offline commands, fully processed outbox rows and finished
// idempotency keys. It also requeues commands stranded in applying by a
// reconciler that died mid-replay. Attention commands and dead outbox rows
// are never touched, they still need an operator decision.
//
// Usage (dry-run, counts only):
//
//	go run ./cmd/command-log-gc
//
// To delete:
//
//	go run ./cmd/command-log-gc -dry-run=false
//
// Retention defaults to COMMAND_RETENTION_DAYS (30 when unset). Intended to
// run daily from cron or a scheduler job.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/models"
	"github.com/artisanhq/atelier_backend/workflow"
)

func main() {
	retentionDays := flag.Int("retention-days", defaultRetentionDays(), "Delete rows older than this many days")
	staleMinutes := flag.Int("reclaim-stale-minutes", 30, "Requeue commands stuck in applying for longer than this")
	dryRun := flag.Bool("dry-run", true, "Count candidate rows only (no deletes)")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	ctx := context.Background()
	cutoff := time.Now().AddDate(0, 0, -*retentionDays)
	fmt.Printf("cutoff: %s (retention %d days)\n", cutoff.Format(time.RFC3339), *retentionDays)

	if *dryRun {
		var commands, outbox, keys int64
		if err := db.WithContext(ctx).Model(&models.OfflineCommand{}).
			Where("status = ? AND applied_at < ?", models.CommandStatusApplied, cutoff).
			Count(&commands).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to count commands: %v\n", err)
			os.Exit(1)
		}
		if err := db.WithContext(ctx).Model(&models.PubSubMessageRecord{}).
			Where("publish_status = ? AND processing_status = ? AND updated_at < ?",
				models.OutboxPublishStatusSent, models.OutboxProcessStatusSucceeded, cutoff).
			Count(&outbox).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to count outbox rows: %v\n", err)
			os.Exit(1)
		}
		if err := db.WithContext(ctx).Model(&models.IdempotencyKey{}).
			Where("status = ? AND updated_at < ?", models.IdempotencyStatusSucceeded, cutoff).
			Count(&keys).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to count idempotency keys: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("dry-run: would delete %d applied commands, %d outbox rows, %d idempotency keys\n", commands, outbox, keys)
		fmt.Println("rerun with -dry-run=false to delete")
		return
	}

	// PurgeAppliedCommands reads COMMAND_RETENTION_DAYS itself, keep it in
	// step with the flag.
	os.Setenv("COMMAND_RETENTION_DAYS", strconv.Itoa(*retentionDays))

	requeued, err := models.ReclaimStuckCommands(ctx, time.Duration(*staleMinutes)*time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to reclaim stuck commands: %v\n", err)
		os.Exit(1)
	}

	commands, err := models.PurgeAppliedCommands(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to purge applied commands: %v\n", err)
		os.Exit(1)
	}
	outbox, err := models.PurgeOutboxRecords(ctx, cutoff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to purge outbox rows: %v\n", err)
		os.Exit(1)
	}
	keys, err := workflow.PurgeIdempotencyKeys(db.WithContext(ctx), cutoff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to purge idempotency keys: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("requeued %d stuck commands; purged %d applied commands, %d outbox rows, %d idempotency keys\n",
		requeued, commands, outbox, keys)
}

func defaultRetentionDays() int {
	if v, err := strconv.Atoi(os.Getenv("COMMAND_RETENTION_DAYS")); err == nil && v >= 1 {
		return v
	}
	return 30
}
