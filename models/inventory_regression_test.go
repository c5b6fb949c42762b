package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/models"
	reconciler "github.com/artisanhq/atelier_backend/sync"
	"github.com/artisanhq/atelier_backend/utils"
)

func bootTestStack(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "atelier_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	// Ledger entries and histories stamp the acting user from context.
	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetUsernameInContext(ctx, "test@local")
	return ctx
}

func registerTestArtisan(t *testing.T, ctx context.Context, name string) (context.Context, string) {
	t.Helper()
	artisan, err := models.CreateArtisan(ctx, models.NewArtisan{
		Name:          name,
		CraftType:     "pottery",
		OwnerUsername: "owner@" + name,
		OwnerPassword: "secret-test-pw",
	})
	if err != nil {
		t.Fatalf("CreateArtisan: %v", err)
	}
	artisanId := artisan.ID.String()
	return utils.SetArtisanIdInContext(ctx, artisanId), artisanId
}

func TestAdjustMaterialLosesNoUpdateAndDrivesAlertLifecycle(t *testing.T) {
	ctx := bootTestStack(t)
	ctx, artisanId := registerTestArtisan(t, ctx, "Thread & Clay")

	// With 10 writers a writer can lose at most 9 swaps, a budget of 20
	// keeps the retry loop from ever being the reason a delta is dropped.
	t.Setenv("ADJUST_MAX_RETRIES", "20")

	// 1) Seed silver_thread: 100 on hand, typical usage 50/week, so the
	// reorder line sits at 10.
	material, err := models.CreateMaterial(ctx, models.NewMaterial{
		Name:             "silver_thread",
		Unit:             "m",
		OpeningQuantity:  decimal.NewFromInt(100),
		TypicalUsageRate: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("CreateMaterial: %v", err)
	}
	if material.Version != 1 {
		t.Fatalf("expected opening version 1; got %d", material.Version)
	}

	// 2) Ten devices restock one unit each at the same time. Every delta must
	// land exactly once through the compare-and-swap.
	var wg sync.WaitGroup
	adjustErrs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, adjustErrs[i] = models.AdjustMaterialWithRetry(ctx, "silver_thread",
				decimal.NewFromInt(1), models.StockMovementPurchase,
				models.InventoryReferenceTypeMaterial, fmt.Sprintf("restock-%d", i))
		}(i)
	}
	wg.Wait()
	for i, err := range adjustErrs {
		if err != nil {
			t.Fatalf("concurrent adjust %d: %v", i, err)
		}
	}

	db := config.GetDB()
	current, err := models.GetMaterialByName(ctx, "silver_thread")
	if err != nil {
		t.Fatalf("GetMaterialByName: %v", err)
	}
	if current.CurrentQuantity.Cmp(decimal.NewFromInt(110)) != 0 {
		t.Fatalf("expected quantity 110 after 10 concurrent restocks; got %s", current.CurrentQuantity)
	}
	if current.Version != 11 {
		t.Fatalf("expected version 11 (opening + 10 swaps); got %d", current.Version)
	}
	var ledgerCount int64
	if err := db.WithContext(ctx).Model(&models.MaterialLedgerEntry{}).
		Where("artisan_id = ? AND material_id = ?", artisanId, material.ID).
		Count(&ledgerCount).Error; err != nil {
		t.Fatalf("count ledger entries: %v", err)
	}
	if ledgerCount != 11 {
		t.Fatalf("expected 11 ledger entries (opening + 10 adjustments); got %d", ledgerCount)
	}

	// 3) A client still holding the opening version must lose and see the
	// stored state, not overwrite the ten restocks.
	stale, err := models.AdjustMaterial(ctx, models.AdjustMaterialInput{
		Name:            "silver_thread",
		Delta:           decimal.NewFromInt(-5),
		ExpectedVersion: 1,
	})
	if !errors.Is(err, utils.ErrorVersionConflict) {
		t.Fatalf("expected version conflict for stale version 1; got %v", err)
	}
	if stale == nil || stale.Version != 11 {
		t.Fatalf("conflict should return the current stored state; got %+v", stale)
	}

	// 4) Dropping to 8 crosses the reorder line and raises exactly one alert.
	if _, err := models.AdjustMaterialWithRetry(ctx, "silver_thread",
		decimal.NewFromInt(-102), models.StockMovementDeduction,
		models.InventoryReferenceTypeMaterial, "weekly-usage"); err != nil {
		t.Fatalf("adjust to 8: %v", err)
	}
	openAlerts := fetchAlerts(t, ctx, material.ID, models.AlertStatusOpen)
	if len(openAlerts) != 1 {
		t.Fatalf("expected exactly one open alert at quantity 8; got %d", len(openAlerts))
	}
	if openAlerts[0].ThresholdAtRaise.Cmp(decimal.NewFromInt(10)) != 0 ||
		openAlerts[0].QuantityAtRaise.Cmp(decimal.NewFromInt(8)) != 0 {
		t.Fatalf("alert snapshot mismatch: %+v", openAlerts[0])
	}

	// 5) A further drop stays quiet, one open alert per material.
	if _, err := models.AdjustMaterialWithRetry(ctx, "silver_thread",
		decimal.NewFromInt(-1), models.StockMovementDeduction,
		models.InventoryReferenceTypeMaterial, "weekly-usage"); err != nil {
		t.Fatalf("adjust to 7: %v", err)
	}
	if open := fetchAlerts(t, ctx, material.ID, models.AlertStatusOpen); len(open) != 1 {
		t.Fatalf("expected the same single open alert at quantity 7; got %d", len(open))
	}

	// 6) Restocking to 13 clears the alert.
	if _, err := models.AdjustMaterialWithRetry(ctx, "silver_thread",
		decimal.NewFromInt(6), models.StockMovementPurchase,
		models.InventoryReferenceTypeMaterial, "restock"); err != nil {
		t.Fatalf("adjust to 13: %v", err)
	}
	if open := fetchAlerts(t, ctx, material.ID, models.AlertStatusOpen); len(open) != 0 {
		t.Fatalf("expected no open alert at quantity 13; got %d", len(open))
	}
	cleared := fetchAlerts(t, ctx, material.ID, models.AlertStatusCleared)
	if len(cleared) != 1 || cleared[0].ClearedAt == nil {
		t.Fatalf("expected one cleared alert with cleared_at set; got %+v", cleared)
	}

	// 7) Stock can never go negative, the failed write changes nothing.
	if _, err := models.AdjustMaterialWithRetry(ctx, "silver_thread",
		decimal.NewFromInt(-50), models.StockMovementDeduction,
		models.InventoryReferenceTypeMaterial, "overdraft"); !errors.Is(err, utils.ErrorInsufficientStock) {
		t.Fatalf("expected insufficient stock deducting 50 from 13; got %v", err)
	}
	final, err := models.GetMaterialByName(ctx, "silver_thread")
	if err != nil {
		t.Fatalf("GetMaterialByName(final): %v", err)
	}
	if final.CurrentQuantity.Cmp(decimal.NewFromInt(13)) != 0 {
		t.Fatalf("failed deduction must not change stock; got %s", final.CurrentQuantity)
	}
}

func TestCompleteOrderDeductsEachMaterialExactlyOnce(t *testing.T) {
	ctx := bootTestStack(t)
	ctx, artisanId := registerTestArtisan(t, ctx, "Glaze Studio")

	// Usage rate zero keeps the reorder threshold at zero, no alert noise.
	for name, opening := range map[string]int64{"clay": 10, "glaze": 4} {
		if _, err := models.CreateMaterial(ctx, models.NewMaterial{
			Name:            name,
			Unit:            "kg",
			OpeningQuantity: decimal.NewFromInt(opening),
		}); err != nil {
			t.Fatalf("CreateMaterial(%s): %v", name, err)
		}
	}

	bowl, err := models.CreateProduct(ctx, models.NewProduct{
		Name: "bowl",
		Materials: []models.NewProductMaterial{
			{MaterialName: "clay", Quantity: decimal.NewFromInt(2), Unit: "kg"},
			{MaterialName: "glaze", Quantity: decimal.NewFromInt(1), Unit: "kg"},
		},
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	// 1) Complete an order of two bowls: clay 10-4=6, glaze 4-2=2.
	order, err := models.CreateOrder(ctx, models.NewOrder{
		ProductId:    bowl.ID,
		CustomerName: "Asha",
		Quantity:     2,
		OrderDate:    time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	result, err := models.CompleteOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("CompleteOrder: %v", err)
	}
	if !result.Applied || result.AlreadyApplied || len(result.Deductions) != 2 {
		t.Fatalf("expected a fresh completion with 2 deductions; got %+v", result)
	}
	assertQuantity(t, ctx, "clay", 6)
	assertQuantity(t, ctx, "glaze", 2)

	completed, err := models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if completed.Status != models.OrderStatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("expected completed order with completed_at; got %+v", completed)
	}

	// 2) Completing again is a no-op: same deductions, no new ledger rows.
	db := config.GetDB()
	var ledgerBefore int64
	if err := db.WithContext(ctx).Model(&models.MaterialLedgerEntry{}).
		Where("artisan_id = ?", artisanId).Count(&ledgerBefore).Error; err != nil {
		t.Fatalf("count ledger entries: %v", err)
	}
	replay, err := models.CompleteOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("CompleteOrder(replay): %v", err)
	}
	if !replay.AlreadyApplied || len(replay.Deductions) != 2 {
		t.Fatalf("expected already-applied replay with stored deductions; got %+v", replay)
	}
	var ledgerAfter int64
	if err := db.WithContext(ctx).Model(&models.MaterialLedgerEntry{}).
		Where("artisan_id = ?", artisanId).Count(&ledgerAfter).Error; err != nil {
		t.Fatalf("count ledger entries: %v", err)
	}
	if ledgerAfter != ledgerBefore {
		t.Fatalf("replay wrote %d new ledger entries", ledgerAfter-ledgerBefore)
	}
	assertQuantity(t, ctx, "clay", 6)
	assertQuantity(t, ctx, "glaze", 2)

	// 3) An order of four bowls needs clay 8 and glaze 4, both short. The
	// error names every short material and nothing is deducted.
	second, err := models.CreateOrder(ctx, models.NewOrder{
		ProductId: bowl.ID,
		Quantity:  4,
		OrderDate: time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateOrder(second): %v", err)
	}
	_, err = models.CompleteOrder(ctx, second.ID)
	if !errors.Is(err, utils.ErrorInsufficientStock) {
		t.Fatalf("expected insufficient stock; got %v", err)
	}
	if !strings.Contains(err.Error(), "clay") || !strings.Contains(err.Error(), "glaze") {
		t.Fatalf("error must name every short material; got %q", err.Error())
	}
	var deductionCount int64
	if err := db.WithContext(ctx).Model(&models.OrderDeduction{}).
		Where("artisan_id = ? AND order_id = ?", artisanId, second.ID).
		Count(&deductionCount).Error; err != nil {
		t.Fatalf("count deductions: %v", err)
	}
	if deductionCount != 0 {
		t.Fatalf("failed completion must deduct nothing; got %d rows", deductionCount)
	}
	assertQuantity(t, ctx, "clay", 6)
	assertQuantity(t, ctx, "glaze", 2)

	// 4) The backlog grading sees the shortage: worst line is glaze at 2 of
	// 4, coverage 50, at risk.
	grades, err := models.ClassifyPendingOrders(ctx)
	if err != nil {
		t.Fatalf("ClassifyPendingOrders: %v", err)
	}
	if len(grades) != 1 || grades[0].OrderId != second.ID {
		t.Fatalf("expected the open order in the backlog; got %+v", grades)
	}
	if grades[0].Level != models.FeasibilityAtRisk || grades[0].Coverage.Cmp(decimal.NewFromInt(50)) != 0 {
		t.Fatalf("expected at_risk with coverage 50; got %s %s", grades[0].Level, grades[0].Coverage)
	}

	// 5) Restock, the adjustment invalidates the cached grading, and the
	// completion goes through.
	for _, name := range []string{"clay", "glaze"} {
		if _, err := models.AdjustMaterialWithRetry(ctx, name, decimal.NewFromInt(50),
			models.StockMovementPurchase, models.InventoryReferenceTypeMaterial, "restock"); err != nil {
			t.Fatalf("restock %s: %v", name, err)
		}
	}
	grades, err = models.ClassifyPendingOrders(ctx)
	if err != nil {
		t.Fatalf("ClassifyPendingOrders(after restock): %v", err)
	}
	if len(grades) != 1 || grades[0].Level != models.FeasibilityFeasible {
		t.Fatalf("expected feasible after restock; got %+v", grades)
	}
	if _, err := models.CompleteOrder(ctx, second.ID); err != nil {
		t.Fatalf("CompleteOrder(second): %v", err)
	}
	assertQuantity(t, ctx, "clay", 48)
	assertQuantity(t, ctx, "glaze", 48)
}

func TestSyncRunReplaysOfflineCommandsInClientOrder(t *testing.T) {
	ctx := bootTestStack(t)
	ctx, artisanId := registerTestArtisan(t, ctx, "Pendant Works")

	pendant, err := models.CreateProduct(ctx, models.NewProduct{
		Name: "pendant",
		Materials: []models.NewProductMaterial{
			{MaterialName: "silver_thread", Quantity: decimal.NewFromInt(2), Unit: "m"},
		},
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	order, err := models.CreateOrder(ctx, models.NewOrder{
		ProductId: pendant.ID,
		Quantity:  1,
		OrderDate: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// 1) The device uploads its log out of order. Replay must still apply the
	// purchase first: the adjustment and the completion only fit afterwards.
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	batch := []models.NewOfflineCommand{
		{CommandId: "adj-1", CommandType: models.CommandTypeAdjustment,
			MaterialName: "silver_thread", Delta: decimal.NewFromInt(-6),
			ClientTimestamp: base.Add(time.Minute)},
		{CommandId: "buy-1", CommandType: models.CommandTypePurchase,
			MaterialName: "silver_thread", Delta: decimal.NewFromInt(10), Unit: "m",
			ClientTimestamp: base},
		{CommandId: "done-1", CommandType: models.CommandTypeOrderComplete,
			OrderId: order.ID, ClientTimestamp: base.Add(2 * time.Minute)},
	}
	uploaded, err := models.RecordOfflineCommands(ctx, "kiln-tablet", batch)
	if err != nil {
		t.Fatalf("RecordOfflineCommands: %v", err)
	}
	if uploaded.Recorded != 3 || uploaded.Duplicates != 0 || uploaded.Rejected != 0 {
		t.Fatalf("expected 3 recorded; got %+v", uploaded)
	}

	// 2) Replay the run directly, the way the push endpoint would.
	db := config.GetDB()
	run := models.SyncRun{
		ArtisanId:     artisanId,
		Status:        models.SyncRunStatusQueued,
		TriggerSource: models.SyncTriggerManual,
		DeviceId:      "kiln-tablet",
	}
	if err := db.WithContext(ctx).Create(&run).Error; err != nil {
		t.Fatalf("create sync run: %v", err)
	}
	if err := reconciler.ProcessSyncRun(ctx, reconciler.SyncPubSubPayload{
		RunId: run.ID, ArtisanId: artisanId,
	}); err != nil {
		t.Fatalf("ProcessSyncRun: %v", err)
	}

	// Purchase created the material at zero, then +10, -6, -2 for the order.
	material, err := models.GetMaterialByName(ctx, "silver_thread")
	if err != nil {
		t.Fatalf("GetMaterialByName: %v", err)
	}
	if material.CurrentQuantity.Cmp(decimal.NewFromInt(2)) != 0 {
		t.Fatalf("expected quantity 2 after replay; got %s", material.CurrentQuantity)
	}
	if material.Version != 4 {
		t.Fatalf("expected version 4 (create, purchase, adjustment, deduction); got %d", material.Version)
	}

	var closed models.SyncRun
	if err := db.WithContext(ctx).Where("id = ?", run.ID).Take(&closed).Error; err != nil {
		t.Fatalf("fetch run: %v", err)
	}
	if closed.Status != models.SyncRunStatusSuccess ||
		closed.CommandsTotal != 3 || closed.CommandsApplied != 3 ||
		closed.CommandsFailed != 0 || closed.CommandsAttention != 0 {
		t.Fatalf("expected a clean success run over 3 commands; got %+v", closed)
	}
	for _, commandId := range []string{"buy-1", "adj-1", "done-1"} {
		command := fetchCommand(t, ctx, artisanId, commandId)
		if command.Status != models.CommandStatusApplied || command.AppliedAt == nil || command.Attempts != 1 {
			t.Fatalf("%s: expected applied on first attempt; got %+v", commandId, command)
		}
		if command.SyncRunId == nil || *command.SyncRunId != run.ID {
			t.Fatalf("%s: expected to be claimed by run %d; got %+v", commandId, run.ID, command.SyncRunId)
		}
	}

	// 3) Redelivering the closed run is acked without work.
	if err := reconciler.ProcessSyncRun(ctx, reconciler.SyncPubSubPayload{
		RunId: run.ID, ArtisanId: artisanId,
	}); err != nil {
		t.Fatalf("ProcessSyncRun(redelivery): %v", err)
	}
	assertQuantity(t, ctx, "silver_thread", 2)

	// 4) Re-uploading the batch after a dropped connection records nothing
	// twice, the device just learns where each command got to.
	reupload, err := models.RecordOfflineCommands(ctx, "kiln-tablet", batch)
	if err != nil {
		t.Fatalf("RecordOfflineCommands(reupload): %v", err)
	}
	if reupload.Recorded != 0 || reupload.Duplicates != 3 {
		t.Fatalf("expected 3 duplicates on reupload; got %+v", reupload)
	}
	for _, item := range reupload.Results {
		if !item.Duplicate || item.Status != models.CommandStatusApplied {
			t.Fatalf("duplicate report should carry the stored status; got %+v", item)
		}
	}

	// 5) A later device completes the same order again and references a
	// material this server never saw. The completion is a duplicate no-op,
	// the unknown material stays recorded for a retry, the run is partial.
	second := []models.NewOfflineCommand{
		{CommandId: "done-2", CommandType: models.CommandTypeOrderComplete,
			OrderId: order.ID, ClientTimestamp: base.Add(3 * time.Minute)},
		{CommandId: "ghost-1", CommandType: models.CommandTypeAdjustment,
			MaterialName: "gold_wire", Delta: decimal.NewFromInt(-1),
			ClientTimestamp: base.Add(4 * time.Minute)},
	}
	if _, err := models.RecordOfflineCommands(ctx, "bench-phone", second); err != nil {
		t.Fatalf("RecordOfflineCommands(second): %v", err)
	}
	run2 := models.SyncRun{
		ArtisanId:     artisanId,
		Status:        models.SyncRunStatusQueued,
		TriggerSource: models.SyncTriggerManual,
		DeviceId:      "bench-phone",
	}
	if err := db.WithContext(ctx).Create(&run2).Error; err != nil {
		t.Fatalf("create second run: %v", err)
	}
	if err := reconciler.ProcessSyncRun(ctx, reconciler.SyncPubSubPayload{
		RunId: run2.ID, ArtisanId: artisanId,
	}); err != nil {
		t.Fatalf("ProcessSyncRun(second): %v", err)
	}

	var closed2 models.SyncRun
	if err := db.WithContext(ctx).Where("id = ?", run2.ID).Take(&closed2).Error; err != nil {
		t.Fatalf("fetch second run: %v", err)
	}
	if closed2.Status != models.SyncRunStatusPartial ||
		closed2.CommandsTotal != 2 || closed2.CommandsDuplicate != 1 || closed2.CommandsFailed != 1 {
		t.Fatalf("expected partial run with 1 duplicate and 1 retryable failure; got %+v", closed2)
	}

	duplicate := fetchCommand(t, ctx, artisanId, "done-2")
	if duplicate.Status != models.CommandStatusApplied ||
		duplicate.LastErrorCode == nil || *duplicate.LastErrorCode != models.SyncErrorCodeDuplicate {
		t.Fatalf("expected duplicate completion marked applied with DUPLICATE; got %+v", duplicate)
	}
	ghost := fetchCommand(t, ctx, artisanId, "ghost-1")
	if ghost.Status != models.CommandStatusRecorded || ghost.Attempts != 1 ||
		ghost.LastErrorCode == nil || *ghost.LastErrorCode != models.SyncErrorCodeMaterialNotFound {
		t.Fatalf("expected unknown material left recorded for retry; got %+v", ghost)
	}
	var errorRows []models.SyncCommandError
	if err := db.WithContext(ctx).Where("sync_run_id = ?", run2.ID).Find(&errorRows).Error; err != nil {
		t.Fatalf("fetch run errors: %v", err)
	}
	if len(errorRows) != 1 || errorRows[0].ErrorCode != models.SyncErrorCodeMaterialNotFound || !errorRows[0].Retryable {
		t.Fatalf("expected one retryable MATERIAL_NOT_FOUND run error; got %+v", errorRows)
	}

	// The duplicate completion deducted nothing.
	assertQuantity(t, ctx, "silver_thread", 2)

	// 6) A reconciler can die with a command still claimed after its stock
	// transaction committed. Redelivering that run must find the delta in the
	// ledger, grade the command as a duplicate and leave the quantity alone.
	if _, err := models.DiscardOfflineCommand(ctx, ghost.ID); err != nil {
		t.Fatalf("DiscardOfflineCommand: %v", err)
	}
	run3 := models.SyncRun{
		ArtisanId:     artisanId,
		Status:        models.SyncRunStatusRunning,
		TriggerSource: models.SyncTriggerManual,
		DeviceId:      "kiln-tablet",
	}
	if err := db.WithContext(ctx).Create(&run3).Error; err != nil {
		t.Fatalf("create third run: %v", err)
	}
	stranded := models.OfflineCommand{
		ArtisanId:       artisanId,
		CommandId:       "buy-2",
		DeviceId:        "kiln-tablet",
		CommandType:     models.CommandTypePurchase,
		MaterialName:    "silver_thread",
		Delta:           decimal.NewFromInt(5),
		Unit:            "m",
		ClientTimestamp: base.Add(5 * time.Minute),
		Status:          models.CommandStatusApplying,
		SyncRunId:       &run3.ID,
	}
	if err := db.WithContext(ctx).Create(&stranded).Error; err != nil {
		t.Fatalf("create stranded command: %v", err)
	}
	if _, err := models.AdjustMaterialWithRetry(ctx, "silver_thread", decimal.NewFromInt(5),
		models.StockMovementPurchase, models.InventoryReferenceTypeSyncRun, "buy-2"); err != nil {
		t.Fatalf("seed committed delta: %v", err)
	}
	assertQuantity(t, ctx, "silver_thread", 7)

	if err := reconciler.ProcessSyncRun(ctx, reconciler.SyncPubSubPayload{
		RunId: run3.ID, ArtisanId: artisanId,
	}); err != nil {
		t.Fatalf("ProcessSyncRun(third): %v", err)
	}

	assertQuantity(t, ctx, "silver_thread", 7)
	resumed := fetchCommand(t, ctx, artisanId, "buy-2")
	if resumed.Status != models.CommandStatusApplied || resumed.AppliedAt == nil ||
		resumed.LastErrorCode == nil || *resumed.LastErrorCode != models.SyncErrorCodeDuplicate {
		t.Fatalf("expected the stranded command graded applied as a duplicate; got %+v", resumed)
	}
	var closed3 models.SyncRun
	if err := db.WithContext(ctx).Where("id = ?", run3.ID).Take(&closed3).Error; err != nil {
		t.Fatalf("fetch third run: %v", err)
	}
	if closed3.Status != models.SyncRunStatusSuccess ||
		closed3.CommandsTotal != 1 || closed3.CommandsDuplicate != 1 || closed3.CommandsApplied != 0 {
		t.Fatalf("expected a duplicate-only success run; got %+v", closed3)
	}
}

func TestStartingAnOrderReleasesItsBacklogReservation(t *testing.T) {
	ctx := bootTestStack(t)
	ctx, _ = registerTestArtisan(t, ctx, "Loom House")

	// Usage rate zero keeps the reorder threshold at zero, no alert noise.
	if _, err := models.CreateMaterial(ctx, models.NewMaterial{
		Name:            "wool",
		Unit:            "skein",
		OpeningQuantity: decimal.NewFromInt(6),
	}); err != nil {
		t.Fatalf("CreateMaterial: %v", err)
	}
	scarf, err := models.CreateProduct(ctx, models.NewProduct{
		Name: "scarf",
		Materials: []models.NewProductMaterial{
			{MaterialName: "wool", Quantity: decimal.NewFromInt(5), Unit: "skein"},
		},
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	first, err := models.CreateOrder(ctx, models.NewOrder{
		ProductId: scarf.ID,
		Quantity:  1,
		OrderDate: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateOrder(first): %v", err)
	}
	second, err := models.CreateOrder(ctx, models.NewOrder{
		ProductId: scarf.ID,
		Quantity:  1,
		OrderDate: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateOrder(second): %v", err)
	}

	// 1) Both pending: the senior reserves its five skeins, the junior is
	// graded against the single one left over.
	grades, err := models.ClassifyPendingOrders(ctx)
	if err != nil {
		t.Fatalf("ClassifyPendingOrders: %v", err)
	}
	if len(grades) != 2 || grades[0].OrderId != first.ID || grades[1].OrderId != second.ID {
		t.Fatalf("expected both pending orders in date order; got %+v", grades)
	}
	if grades[0].Level != models.FeasibilityFeasible {
		t.Fatalf("senior expected feasible; got %s", grades[0].Level)
	}
	if grades[1].Level != models.FeasibilityUnfeasible || grades[1].Coverage.Cmp(decimal.NewFromInt(20)) != 0 {
		t.Fatalf("junior expected unfeasible at coverage 20; got %s %s", grades[1].Level, grades[1].Coverage)
	}

	// 2) Starting the senior takes it out of the pending backlog and releases
	// its reservation: the junior now sees all six skeins.
	if _, err := models.StartOrder(ctx, first.ID); err != nil {
		t.Fatalf("StartOrder: %v", err)
	}
	grades, err = models.ClassifyPendingOrders(ctx)
	if err != nil {
		t.Fatalf("ClassifyPendingOrders(after start): %v", err)
	}
	if len(grades) != 1 || grades[0].OrderId != second.ID {
		t.Fatalf("expected only the pending order in the backlog; got %+v", grades)
	}
	if grades[0].Level != models.FeasibilityFeasible {
		t.Fatalf("junior expected feasible once the senior left the backlog; got %s at %s",
			grades[0].Level, grades[0].Coverage)
	}

	// 3) A started order holds no backlog position to grade.
	if _, err := models.ClassifyOrder(ctx, first.ID); err == nil ||
		!strings.Contains(err.Error(), "in_progress") {
		t.Fatalf("expected an in_progress order to be rejected; got %v", err)
	}
}

func assertQuantity(t *testing.T, ctx context.Context, name string, expected int64) {
	t.Helper()
	material, err := models.GetMaterialByName(ctx, name)
	if err != nil {
		t.Fatalf("GetMaterialByName(%s): %v", name, err)
	}
	if material.CurrentQuantity.Cmp(decimal.NewFromInt(expected)) != 0 {
		t.Fatalf("%s: expected quantity %d; got %s", name, expected, material.CurrentQuantity)
	}
}

func fetchAlerts(t *testing.T, ctx context.Context, materialId int, status models.AlertStatus) []models.InventoryAlert {
	t.Helper()
	var alerts []models.InventoryAlert
	if err := config.GetDB().WithContext(ctx).
		Where("material_id = ? AND status = ?", materialId, status).
		Find(&alerts).Error; err != nil {
		t.Fatalf("fetch alerts: %v", err)
	}
	return alerts
}

func fetchCommand(t *testing.T, ctx context.Context, artisanId, commandId string) models.OfflineCommand {
	t.Helper()
	var command models.OfflineCommand
	if err := config.GetDB().WithContext(ctx).
		Where("artisan_id = ? AND command_id = ?", artisanId, commandId).
		Take(&command).Error; err != nil {
		t.Fatalf("fetch command %s: %v", commandId, err)
	}
	return command
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("atelier-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("atelier-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=atelier_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
