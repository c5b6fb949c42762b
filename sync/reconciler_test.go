package sync

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artisanhq/atelier_backend/models"
	"github.com/artisanhq/atelier_backend/utils"
)

func TestCommandTransition_Table(t *testing.T) {
	cases := []struct {
		name     string
		outcome  commandOutcome
		attempts int
		expected models.CommandStatus
	}{
		{
			name:     "applied is terminal",
			outcome:  commandOutcome{applied: true},
			attempts: 1,
			expected: models.CommandStatusApplied,
		},
		{
			name:     "duplicate lands as applied",
			outcome:  commandOutcome{applied: true, duplicate: true},
			attempts: 3,
			expected: models.CommandStatusApplied,
		},
		{
			name:     "retryable conflict requeues",
			outcome:  commandOutcome{code: models.SyncErrorCodeConflict, retryable: true},
			attempts: 1,
			expected: models.CommandStatusRecorded,
		},
		{
			name:     "retryable conflict on the last allowed attempt still requeues",
			outcome:  commandOutcome{code: models.SyncErrorCodeConflict, retryable: true},
			attempts: 4,
			expected: models.CommandStatusRecorded,
		},
		{
			name:     "retryable conflict with the budget spent parks for attention",
			outcome:  commandOutcome{code: models.SyncErrorCodeConflict, retryable: true},
			attempts: 5,
			expected: models.CommandStatusAttention,
		},
		{
			name:     "missing specification goes straight to attention",
			outcome:  commandOutcome{code: models.SyncErrorCodeMissingSpec, retryable: false},
			attempts: 1,
			expected: models.CommandStatusAttention,
		},
		{
			name:     "order not found goes straight to attention",
			outcome:  commandOutcome{code: models.SyncErrorCodeOrderNotFound, retryable: false},
			attempts: 1,
			expected: models.CommandStatusAttention,
		},
	}
	for _, tc := range cases {
		if got := commandTransition(tc.outcome, tc.attempts); got != tc.expected {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.expected, got)
		}
	}
}

func TestMaxSyncAttempts_EnvOverride(t *testing.T) {
	cases := []struct {
		value    string
		expected int
	}{
		{"", 5},
		{"3", 3},
		{"1", 1},
		{"0", 5},
		{"many", 5},
	}
	for _, tc := range cases {
		t.Setenv("SYNC_MAX_ATTEMPTS", tc.value)
		if got := maxSyncAttempts(); got != tc.expected {
			t.Fatalf("SYNC_MAX_ATTEMPTS=%q: expected %d, got %d", tc.value, tc.expected, got)
		}
	}
}

func TestAdjustOutcome_MapsSentinelsToErrorCodes(t *testing.T) {
	cases := []struct {
		err       error
		code      string
		retryable bool
	}{
		{utils.ErrorRecordNotFound, models.SyncErrorCodeMaterialNotFound, true},
		{utils.ErrorInsufficientStock, models.SyncErrorCodeInsufficient, true},
		{utils.ErrorVersionConflict, models.SyncErrorCodeConflict, true},
		{fmt.Errorf("%w after 5 attempts", utils.ErrorRetryExhausted), models.SyncErrorCodeConflict, true},
		{errors.New("dial tcp: connection refused"), models.SyncErrorCodeFailed, true},
	}
	for _, tc := range cases {
		outcome := adjustOutcome(tc.err)
		if outcome.code != tc.code {
			t.Fatalf("%v: expected code %s, got %s", tc.err, tc.code, outcome.code)
		}
		if outcome.retryable != tc.retryable {
			t.Fatalf("%v: expected retryable=%v", tc.err, tc.retryable)
		}
		if outcome.applied {
			t.Fatalf("%v: a failure outcome must not count as applied", tc.err)
		}
	}
}

func TestRunStatusFor_Grades(t *testing.T) {
	cases := []struct {
		name     string
		stats    RunStats
		expected models.SyncRunStatus
	}{
		{"all applied", RunStats{Applied: 4}, models.SyncRunStatusSuccess},
		{"empty run", RunStats{}, models.SyncRunStatusSuccess},
		{"only duplicates", RunStats{Duplicate: 2}, models.SyncRunStatusSuccess},
		{"applied with failures", RunStats{Applied: 3, Failed: 1}, models.SyncRunStatusPartial},
		{"duplicates with attention", RunStats{Duplicate: 1, Attention: 2}, models.SyncRunStatusPartial},
		{"nothing landed", RunStats{Failed: 2, Attention: 1}, models.SyncRunStatusFailed},
	}
	for _, tc := range cases {
		if got := runStatusFor(tc.stats); got != tc.expected {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.expected, got)
		}
	}
}

/*
	replay contract

	NOTE: DB-free. The fakes below pin the reconciler's replay semantics:
	commands apply in client timestamp order with the command id as tie
	break, the unique command id makes re-uploads a no-op, a second run
	over the same log finds nothing left to claim, and a claimed command
	whose delta already committed grades as a duplicate on redelivery.
	The DB-backed path is covered by models/inventory_regression_test.go.
*/

type fakeCommandLog struct {
	mu       sync.Mutex
	byId     map[string]*models.OfflineCommand
	inserted int
}

func newFakeCommandLog() *fakeCommandLog {
	return &fakeCommandLog{byId: map[string]*models.OfflineCommand{}}
}

// ingest mirrors the unique (artisan_id, command_id) index: the first insert
// wins, a re-upload reports a duplicate with the stored status.
func (l *fakeCommandLog) ingest(command models.OfflineCommand) (duplicate bool, stored models.CommandStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.byId[command.CommandId]; ok {
		return true, existing.Status
	}
	command.Status = models.CommandStatusRecorded
	l.byId[command.CommandId] = &command
	l.inserted++
	return false, models.CommandStatusRecorded
}

// claim mirrors recorded -> applying and returns the claimed commands in
// replay order: client timestamp first, command id as the tie break. Commands
// stranded in applying by an interrupted delivery are picked up again, the
// way a redelivered run resumes the rows tagged with its id.
func (l *fakeCommandLog) claim() []*models.OfflineCommand {
	l.mu.Lock()
	defer l.mu.Unlock()
	var claimed []*models.OfflineCommand
	for _, command := range l.byId {
		switch command.Status {
		case models.CommandStatusRecorded:
			command.Status = models.CommandStatusApplying
			claimed = append(claimed, command)
		case models.CommandStatusApplying:
			claimed = append(claimed, command)
		}
	}
	sort.Slice(claimed, func(i, j int) bool {
		if !claimed[i].ClientTimestamp.Equal(claimed[j].ClientTimestamp) {
			return claimed[i].ClientTimestamp.Before(claimed[j].ClientTimestamp)
		}
		return claimed[i].CommandId < claimed[j].CommandId
	})
	return claimed
}

// fakeReplayTarget mirrors the inventory side of replay. ledger records which
// command ids have landed a delta, the way the material ledger keys stock
// movements by reference id.
type fakeReplayTarget struct {
	quantity     decimal.Decimal
	ledger       map[string]bool
	completed    map[int]bool
	appliedOrder []string
}

func newFakeReplayTarget() *fakeReplayTarget {
	return &fakeReplayTarget{ledger: map[string]bool{}, completed: map[int]bool{}}
}

// replayRun drains one claimed batch the way ProcessSyncRun does, tallying
// outcomes per command. A stock delta lands together with the applied
// transition in one step, and a delta already in the ledger grades as a
// duplicate instead of applying again.
func replayRun(log *fakeCommandLog, target *fakeReplayTarget) RunStats {
	stats := RunStats{ByErrorCode: map[string]int{}}
	for _, command := range log.claim() {
		var outcome commandOutcome
		switch command.CommandType {
		case models.CommandTypePurchase, models.CommandTypeAdjustment:
			next := target.quantity.Add(command.Delta)
			switch {
			case target.ledger[command.CommandId]:
				outcome = commandOutcome{applied: true, duplicate: true}
			case next.IsNegative():
				outcome = applyFailure(models.SyncErrorCodeInsufficient, utils.ErrorInsufficientStock, true)
			default:
				target.quantity = next
				target.ledger[command.CommandId] = true
				command.Attempts++
				command.Status = models.CommandStatusApplied
				outcome = commandOutcome{applied: true, persisted: true}
			}
		case models.CommandTypeOrderComplete:
			if target.completed[command.OrderId] {
				outcome = commandOutcome{applied: true, duplicate: true}
			} else {
				target.completed[command.OrderId] = true
				outcome = commandOutcome{applied: true}
			}
		}

		if !outcome.persisted {
			command.Attempts++
			command.Status = commandTransition(outcome, command.Attempts)
		}
		switch {
		case outcome.applied && outcome.duplicate:
			stats.Duplicate++
		case outcome.applied:
			stats.Applied++
			target.appliedOrder = append(target.appliedOrder, command.CommandId)
		case command.Status == models.CommandStatusRecorded:
			stats.Failed++
		default:
			stats.Attention++
		}
	}
	return stats
}

func commandAt(id string, commandType models.CommandType, delta int64, at time.Time) models.OfflineCommand {
	return models.OfflineCommand{
		CommandId:       id,
		CommandType:     commandType,
		MaterialName:    "thread",
		Delta:           decimal.NewFromInt(delta),
		ClientTimestamp: at,
	}
}

// A purchase recorded before two deductions must be applied before them: in
// replay order every command lands, in any other order the deductions would
// overdraw. Shuffled upload order never changes the result.
func TestReplay_OrderIsClientTimestampThenCommandId(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	commands := []models.OfflineCommand{
		commandAt("p-1", models.CommandTypePurchase, 10, base),
		commandAt("a-2", models.CommandTypeAdjustment, -6, base.Add(time.Minute)),
		commandAt("a-3", models.CommandTypeAdjustment, -4, base.Add(2*time.Minute)),
	}

	for run := 0; run < 100; run++ {
		log := newFakeCommandLog()
		shuffled := make([]models.OfflineCommand, len(commands))
		copy(shuffled, commands)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		for _, command := range shuffled {
			log.ingest(command)
		}

		target := newFakeReplayTarget()
		stats := replayRun(log, target)
		if stats.Applied != 3 || stats.Failed != 0 {
			t.Fatalf("run=%d expected all 3 applied, got %+v", run, stats)
		}
		if !target.quantity.IsZero() {
			t.Fatalf("run=%d expected final quantity 0, got %s", run, target.quantity)
		}
		expected := []string{"p-1", "a-2", "a-3"}
		for i, id := range expected {
			if target.appliedOrder[i] != id {
				t.Fatalf("run=%d expected replay order %v, got %v", run, expected, target.appliedOrder)
			}
		}
	}
}

func TestReplay_TieBreaksOnCommandId(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	log := newFakeCommandLog()
	log.ingest(commandAt("b", models.CommandTypePurchase, 1, at))
	log.ingest(commandAt("a", models.CommandTypePurchase, 1, at))

	target := newFakeReplayTarget()
	replayRun(log, target)
	if len(target.appliedOrder) != 2 || target.appliedOrder[0] != "a" || target.appliedOrder[1] != "b" {
		t.Fatalf("expected id order [a b] for equal timestamps, got %v", target.appliedOrder)
	}
}

// Re-uploading a batch after a dropped connection inserts nothing twice,
// even when the uploads race.
func TestReplay_DuplicateUploadRecordsOnce(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	log := newFakeCommandLog()

	var wg sync.WaitGroup
	duplicates := make([]bool, 25)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			duplicates[i], _ = log.ingest(commandAt("cmd-1", models.CommandTypePurchase, 5, at))
		}(i)
	}
	wg.Wait()

	if log.inserted != 1 {
		t.Fatalf("expected exactly one stored command, got %d", log.inserted)
	}
	firsts := 0
	for _, duplicate := range duplicates {
		if !duplicate {
			firsts++
		}
	}
	if firsts != 1 {
		t.Fatalf("expected exactly one non-duplicate ingest, got %d", firsts)
	}
}

// Replaying the same log twice: the first run applies, the second claims
// nothing, and a later command completing the same order is a duplicate
// no-op. Inventory is identical to applying everything once.
func TestReplay_SecondRunAppliesNothingTwice(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	log := newFakeCommandLog()
	log.ingest(commandAt("p-1", models.CommandTypePurchase, 10, base))
	completion := models.OfflineCommand{
		CommandId:       "c-2",
		CommandType:     models.CommandTypeOrderComplete,
		OrderId:         7,
		ClientTimestamp: base.Add(time.Minute),
	}
	log.ingest(completion)

	target := newFakeReplayTarget()
	first := replayRun(log, target)
	if first.Applied != 2 || first.Duplicate != 0 {
		t.Fatalf("first run expected 2 applied, got %+v", first)
	}
	quantityAfterFirst := target.quantity

	// the device re-uploads and triggers again
	if duplicate, status := log.ingest(completion); !duplicate || status != models.CommandStatusApplied {
		t.Fatalf("re-upload expected duplicate with stored status applied, got %v %s", duplicate, status)
	}
	second := replayRun(log, target)
	if second.Applied != 0 || second.Duplicate != 0 || second.Failed != 0 {
		t.Fatalf("second run expected nothing to claim, got %+v", second)
	}
	if !target.quantity.Equal(quantityAfterFirst) {
		t.Fatalf("second run changed inventory: %s -> %s", quantityAfterFirst, target.quantity)
	}

	// a fresh command completing the same order again is a duplicate, not a
	// second deduction
	log.ingest(models.OfflineCommand{
		CommandId:       "c-3",
		CommandType:     models.CommandTypeOrderComplete,
		OrderId:         7,
		ClientTimestamp: base.Add(2 * time.Minute),
	})
	third := replayRun(log, target)
	if third.Duplicate != 1 || third.Applied != 0 {
		t.Fatalf("expected a duplicate completion outcome, got %+v", third)
	}
	if runStatusFor(third) != models.SyncRunStatusSuccess {
		t.Fatalf("a duplicate-only run is still a success, got %s", runStatusFor(third))
	}
}

// A claimed command whose delta already sits in the ledger is the leftover of
// an interrupted delivery. Redelivery grades it as a duplicate, leaves the
// quantity alone and converges the command to applied.
func TestReplay_InterruptedApplyGradesDuplicateOnRedelivery(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	log := newFakeCommandLog()
	log.ingest(commandAt("p-1", models.CommandTypePurchase, 10, base))

	// the first delivery died after its stock transaction committed: the
	// delta is in the ledger but the command was never moved out of applying
	target := newFakeReplayTarget()
	claimed := log.claim()
	if len(claimed) != 1 {
		t.Fatalf("expected one claimed command, got %d", len(claimed))
	}
	stranded := claimed[0]
	target.quantity = target.quantity.Add(stranded.Delta)
	target.ledger[stranded.CommandId] = true

	stats := replayRun(log, target)
	if stats.Duplicate != 1 || stats.Applied != 0 {
		t.Fatalf("redelivery expected one duplicate and nothing applied, got %+v", stats)
	}
	if !target.quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected the delta applied once, got quantity %s", target.quantity)
	}
	if stranded.Status != models.CommandStatusApplied {
		t.Fatalf("expected the stranded command to land as applied, got %s", stranded.Status)
	}
	if runStatusFor(stats) != models.SyncRunStatusSuccess {
		t.Fatalf("a duplicate-only redelivery is still a success, got %s", runStatusFor(stats))
	}

	// the same dedupe holds after a stale claim was swept back to recorded
	log.ingest(commandAt("p-2", models.CommandTypePurchase, 4, base.Add(time.Minute)))
	swept := log.claim()
	if len(swept) != 1 {
		t.Fatalf("expected to claim the new command only, got %d", len(swept))
	}
	target.quantity = target.quantity.Add(swept[0].Delta)
	target.ledger[swept[0].CommandId] = true
	swept[0].Status = models.CommandStatusRecorded

	again := replayRun(log, target)
	if again.Duplicate != 1 || again.Applied != 0 {
		t.Fatalf("sweep redelivery expected one duplicate, got %+v", again)
	}
	if !target.quantity.Equal(decimal.NewFromInt(14)) {
		t.Fatalf("expected each delta applied once, got quantity %s", target.quantity)
	}
	if swept[0].Status != models.CommandStatusApplied {
		t.Fatalf("expected the swept command to land as applied, got %s", swept[0].Status)
	}
}
