package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/appliedgeo/gips/internal/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func day(t *testing.T, s string) domain.Day {
	t.Helper()
	d, err := domain.ParseDay(s)
	if err != nil {
		t.Fatalf("ParseDay(%q) failed: %v", s, err)
	}
	return d
}

func TestDB_AssetLifecycle(t *testing.T) {
	db := openTestDB(t)
	date := day(t, "2024-06-01")

	created, err := db.RequestAsset("modis", "MCD43A4", "h12v04", date, false)
	if err != nil {
		t.Fatalf("RequestAsset failed: %v", err)
	}
	if !created {
		t.Error("Expected first request to create a row")
	}

	asset, err := db.GetAssetByKey("modis", "MCD43A4", "h12v04", date)
	if err != nil {
		t.Fatalf("GetAssetByKey failed: %v", err)
	}
	if asset == nil {
		t.Fatal("Expected asset row, got nil")
	}
	if asset.Status != domain.StatusRequested {
		t.Errorf("Expected status requested, got %s", asset.Status)
	}

	// Re-requesting a working row without force is a no-op.
	created, err = db.RequestAsset("modis", "MCD43A4", "h12v04", date, false)
	if err != nil {
		t.Fatalf("RequestAsset failed: %v", err)
	}
	if created {
		t.Error("Expected re-request of a working row to be a no-op")
	}

	ok, err := db.TransitionAsset(asset.ID, domain.StatusRequested, domain.StatusScheduled)
	if err != nil || !ok {
		t.Fatalf("TransitionAsset to scheduled failed: ok=%v err=%v", ok, err)
	}
	ok, err = db.TransitionAsset(asset.ID, domain.StatusScheduled, domain.StatusInProgress)
	if err != nil || !ok {
		t.Fatalf("TransitionAsset to in-progress failed: ok=%v err=%v", ok, err)
	}

	if err := db.MarkAssetComplete(asset.ID, "MCD43A4_h12v04_2024-06-01.hdf", "MCD"); err != nil {
		t.Fatalf("MarkAssetComplete failed: %v", err)
	}
	asset, _ = db.GetAsset(asset.ID)
	if asset.Status != domain.StatusComplete {
		t.Errorf("Expected status complete, got %s", asset.Status)
	}
	if asset.Name != "MCD43A4_h12v04_2024-06-01.hdf" {
		t.Errorf("Unexpected name %q", asset.Name)
	}
	if asset.Sensor != "MCD" {
		t.Errorf("Unexpected sensor %q", asset.Sensor)
	}
}

func TestDB_TransitionAssetRejectsIllegalEdge(t *testing.T) {
	db := openTestDB(t)
	date := day(t, "2024-06-01")

	if _, err := db.RequestAsset("modis", "MCD43A4", "h12v04", date, false); err != nil {
		t.Fatalf("RequestAsset failed: %v", err)
	}
	asset, _ := db.GetAssetByKey("modis", "MCD43A4", "h12v04", date)

	if _, err := db.TransitionAsset(asset.ID, domain.StatusRequested, domain.StatusComplete); err == nil {
		t.Error("Expected requested->complete to be rejected")
	}

	// Stale pre-state degrades to a no-op, not an error.
	ok, err := db.TransitionAsset(asset.ID, domain.StatusScheduled, domain.StatusInProgress)
	if err != nil {
		t.Fatalf("TransitionAsset failed: %v", err)
	}
	if ok {
		t.Error("Expected transition from wrong pre-state to affect no rows")
	}
}

func TestDB_ClaimRequestedAssetsIsDisjoint(t *testing.T) {
	db := openTestDB(t)
	date := day(t, "2024-06-01")

	for _, tile := range []string{"h09v05", "h10v05", "h11v05", "h12v04", "h12v05", "h13v04"} {
		if _, err := db.RequestAsset("modis", "MCD43A4", tile, date, false); err != nil {
			t.Fatalf("RequestAsset failed: %v", err)
		}
	}

	ctx := context.Background()
	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := make(map[int64]int)

	for range [4]struct{}{} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := db.ClaimRequestedAssets(ctx, "modis", 3)
			if err != nil {
				t.Errorf("ClaimRequestedAssets failed: %v", err)
				return
			}
			mu.Lock()
			for _, a := range claimed {
				seen[a.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 6 {
		t.Errorf("Expected 6 assets claimed in total, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("Asset %d claimed %d times", id, n)
		}
	}
}

func TestDB_RepairStuckAssetsRespectsBudget(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	date := day(t, "2024-06-01")

	if _, err := db.RequestAsset("modis", "MCD43A4", "h12v04", date, false); err != nil {
		t.Fatalf("RequestAsset failed: %v", err)
	}

	// Fail three times through the retry budget.
	for attempt := 0; attempt < 3; attempt++ {
		claimed, err := db.ClaimRequestedAssets(ctx, "modis", 10)
		if err != nil {
			t.Fatalf("ClaimRequestedAssets failed: %v", err)
		}
		if len(claimed) != 1 {
			t.Fatalf("Attempt %d: expected 1 claim, got %d", attempt, len(claimed))
		}
		if err := db.MarkAssetRetry(claimed[0].ID, "transient"); err != nil {
			t.Fatalf("MarkAssetRetry failed: %v", err)
		}

		requeued, failed, err := db.RepairStuckAssets(ctx, "modis", 3)
		if err != nil {
			t.Fatalf("RepairStuckAssets failed: %v", err)
		}
		if requeued != 1 || failed != 0 {
			t.Fatalf("Attempt %d: expected (1 requeued, 0 failed), got (%d, %d)", attempt, requeued, failed)
		}
	}

	// The fourth failure exhausts the budget.
	claimed, err := db.ClaimRequestedAssets(ctx, "modis", 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Final claim failed: %v (%d rows)", err, len(claimed))
	}
	if err := db.MarkAssetRetry(claimed[0].ID, "transient"); err != nil {
		t.Fatalf("MarkAssetRetry failed: %v", err)
	}
	requeued, failed, err := db.RepairStuckAssets(ctx, "modis", 3)
	if err != nil {
		t.Fatalf("RepairStuckAssets failed: %v", err)
	}
	if requeued != 0 || failed != 1 {
		t.Errorf("Expected (0 requeued, 1 failed), got (%d, %d)", requeued, failed)
	}

	asset, _ := db.GetAsset(claimed[0].ID)
	if asset.Status != domain.StatusFailed {
		t.Errorf("Expected status failed after exhausted budget, got %s", asset.Status)
	}
}

func TestDB_QueueJobTracking(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	date := day(t, "2024-06-01")

	for _, tile := range []string{"h12v04", "h12v05"} {
		if _, err := db.RequestAsset("modis", "MCD43A4", tile, date, false); err != nil {
			t.Fatalf("RequestAsset failed: %v", err)
		}
	}
	claimed, err := db.ClaimRequestedAssets(ctx, "modis", 10)
	if err != nil {
		t.Fatalf("ClaimRequestedAssets failed: %v", err)
	}
	ids := []int64{claimed[0].ID, claimed[1].ID}
	if err := db.SetAssetQueueJob(ids, "12345.torque"); err != nil {
		t.Fatalf("SetAssetQueueJob failed: %v", err)
	}

	last, err := db.LastAssetQueueJobID("modis")
	if err != nil {
		t.Fatalf("LastAssetQueueJobID failed: %v", err)
	}
	if last != "12345.torque" {
		t.Errorf("Expected last queue job 12345.torque, got %q", last)
	}

	last, err = db.LastAssetQueueJobID("landsat")
	if err != nil {
		t.Fatalf("LastAssetQueueJobID failed: %v", err)
	}
	if last != "" {
		t.Errorf("Expected no queue job for unused driver, got %q", last)
	}
}

func TestDB_ProductClaimAndLinks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	date := day(t, "2024-06-01")

	if _, err := db.RequestProduct("modis", "ndvi", "h12v04", date, false); err != nil {
		t.Fatalf("RequestProduct failed: %v", err)
	}
	product, err := db.GetProductByKey("modis", "ndvi", "h12v04", date)
	if err != nil || product == nil {
		t.Fatalf("GetProductByKey failed: %v", err)
	}

	claimed, err := db.ClaimProducts(ctx, []int64{product.ID})
	if err != nil {
		t.Fatalf("ClaimProducts failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0] != product.ID {
		t.Fatalf("Expected to claim product %d, got %v", product.ID, claimed)
	}

	// Second claim of the same row finds nothing requested.
	claimed, err = db.ClaimProducts(ctx, []int64{product.ID})
	if err != nil {
		t.Fatalf("ClaimProducts failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("Expected second claim to find nothing, got %v", claimed)
	}

	if _, err := db.RequestAsset("modis", "MCD43A4", "h12v04", date, false); err != nil {
		t.Fatalf("RequestAsset failed: %v", err)
	}
	asset, _ := db.GetAssetByKey("modis", "MCD43A4", "h12v04", date)
	if err := db.LinkProductAssets(product.ID, []int64{asset.ID}); err != nil {
		t.Fatalf("LinkProductAssets failed: %v", err)
	}
	linked, err := db.ProductAssetIDs(product.ID)
	if err != nil {
		t.Fatalf("ProductAssetIDs failed: %v", err)
	}
	if len(linked) != 1 || linked[0] != asset.ID {
		t.Errorf("Expected linked assets [%d], got %v", asset.ID, linked)
	}
}

func TestDB_ReleaseProductsRequeuesClaimedRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	date := day(t, "2024-06-01")

	if _, err := db.RequestProduct("modis", "ndvi", "h12v04", date, false); err != nil {
		t.Fatalf("RequestProduct failed: %v", err)
	}
	product, _ := db.GetProductByKey("modis", "ndvi", "h12v04", date)
	if _, err := db.ClaimProducts(ctx, []int64{product.ID}); err != nil {
		t.Fatalf("ClaimProducts failed: %v", err)
	}

	if err := db.ReleaseProducts([]int64{product.ID}); err != nil {
		t.Fatalf("ReleaseProducts failed: %v", err)
	}
	product, _ = db.GetProduct(product.ID)
	if product.Status != domain.StatusRequested {
		t.Errorf("Expected released product requested, got %s", product.Status)
	}
	if product.QueueJobID != "" {
		t.Errorf("Expected cleared queue job id, got %q", product.QueueJobID)
	}

	// Only scheduled rows are touched; a row already in-progress keeps going.
	if _, err := db.ClaimProducts(ctx, []int64{product.ID}); err != nil {
		t.Fatalf("ClaimProducts failed: %v", err)
	}
	if _, err := db.TransitionProduct(product.ID, domain.StatusScheduled, domain.StatusInProgress); err != nil {
		t.Fatalf("TransitionProduct failed: %v", err)
	}
	if err := db.ReleaseProducts([]int64{product.ID}); err != nil {
		t.Fatalf("ReleaseProducts failed: %v", err)
	}
	product, _ = db.GetProduct(product.ID)
	if product.Status != domain.StatusInProgress {
		t.Errorf("Expected in-progress row untouched, got %s", product.Status)
	}
}

func TestDB_GetMissingRowsReturnNil(t *testing.T) {
	db := openTestDB(t)

	asset, err := db.GetAsset(12345)
	if err != nil {
		t.Fatalf("GetAsset failed: %v", err)
	}
	if asset != nil {
		t.Errorf("Expected nil asset, got %+v", asset)
	}

	product, err := db.GetProduct(12345)
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if product != nil {
		t.Errorf("Expected nil product, got %+v", product)
	}

	chunk, err := db.GetPostProcessJob(12345)
	if err != nil {
		t.Fatalf("GetPostProcessJob failed: %v", err)
	}
	if chunk != nil {
		t.Errorf("Expected nil chunk, got %+v", chunk)
	}
}

func TestDB_JobClaimAndPostProcessing(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	job := &domain.Job{
		ID:          "job-1",
		Site:        "nae",
		Driver:      "modis",
		ProductType: "ndvi",
		Tiles:       domain.StringSlice{"h12v04", "h12v05"},
		StartDate:   day(t, "2024-06-01"),
		EndDate:     day(t, "2024-06-30"),
		Status:      domain.StatusRequested,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	claimed, err := db.ClaimRequestedJobs(ctx)
	if err != nil {
		t.Fatalf("ClaimRequestedJobs failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Status != domain.StatusInitializing {
		t.Fatalf("Expected 1 job in initializing, got %+v", claimed)
	}

	again, err := db.ClaimRequestedJobs(ctx)
	if err != nil {
		t.Fatalf("ClaimRequestedJobs failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected second claim to find nothing, got %d jobs", len(again))
	}

	chunk := &domain.PostProcessJob{
		JobID:      "job-1",
		ChunkIndex: 0,
		Tiles:      domain.StringSlice{"h12v04", "h12v05"},
		Status:     domain.StatusScheduled,
	}
	if err := db.CreatePostProcessJob(chunk); err != nil {
		t.Fatalf("CreatePostProcessJob failed: %v", err)
	}
	if chunk.ID == 0 {
		t.Error("Expected RETURNING id to populate the chunk")
	}

	chunks, err := db.ListPostProcessJobs("job-1")
	if err != nil || len(chunks) != 1 {
		t.Fatalf("ListPostProcessJobs failed: %v (%d rows)", err, len(chunks))
	}

	if err := db.FailPostProcessJob(chunk.ID, "export job died"); err != nil {
		t.Fatalf("FailPostProcessJob failed: %v", err)
	}
	got, _ := db.GetPostProcessJob(chunk.ID)
	if got.Status != domain.StatusFailed {
		t.Errorf("Expected chunk failed, got %s", got.Status)
	}
}

func TestDB_RunInTxRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	date := day(t, "2024-06-01")

	err := db.RunInTx(ctx, func(tx *DB) error {
		if _, err := tx.RequestAsset("modis", "MCD43A4", "h12v04", date, false); err != nil {
			return err
		}
		return context.Canceled
	})
	if err == nil {
		t.Fatal("Expected the transaction error to propagate")
	}

	asset, err := db.GetAssetByKey("modis", "MCD43A4", "h12v04", date)
	if err != nil {
		t.Fatalf("GetAssetByKey failed: %v", err)
	}
	if asset != nil {
		t.Error("Expected rollback to discard the inserted row")
	}
}
