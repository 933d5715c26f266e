package depend

import (
	"path/filepath"
	"testing"

	"github.com/appliedgeo/gips/internal/domain"
	"github.com/appliedgeo/gips/internal/driver"
	"github.com/appliedgeo/gips/internal/store"
)

func setup(t *testing.T) (*store.DB, *driver.Registry, *driver.MockDriver) {
	t.Helper()
	db, err := store.NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock := driver.NewMockDriver("modis")
	mock.Assets = []string{"MCD43A4", "MCD43A2"}
	mock.Deps = map[string][]string{"ndvi": {"MCD43A4", "MCD43A2"}}

	reg := driver.NewRegistry()
	if err := reg.Register(mock); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return db, reg, mock
}

func day(t *testing.T, s string) domain.Day {
	t.Helper()
	d, err := domain.ParseDay(s)
	if err != nil {
		t.Fatalf("ParseDay(%q) failed: %v", s, err)
	}
	return d
}

func TestIsSatisfied(t *testing.T) {
	db, reg, _ := setup(t)
	resolver := NewResolver(db, reg)
	date := day(t, "2024-06-01")

	product := &domain.Product{
		Driver:      "modis",
		ProductType: "ndvi",
		Tile:        "h12v04",
		Date:        date,
	}

	ok, err := resolver.IsSatisfied(product)
	if err != nil {
		t.Fatalf("IsSatisfied failed: %v", err)
	}
	if ok {
		t.Error("Expected unsatisfied with no asset rows")
	}

	// One of two required types present is still unsatisfied.
	if _, err := db.RequestAsset("modis", "MCD43A4", "h12v04", date, false); err != nil {
		t.Fatalf("RequestAsset failed: %v", err)
	}
	ok, err = resolver.IsSatisfied(product)
	if err != nil {
		t.Fatalf("IsSatisfied failed: %v", err)
	}
	if ok {
		t.Error("Expected unsatisfied with one of two required types")
	}

	// A row in any working status counts; the set is optimistic.
	if _, err := db.RequestAsset("modis", "MCD43A2", "h12v04", date, false); err != nil {
		t.Fatalf("RequestAsset failed: %v", err)
	}
	ok, err = resolver.IsSatisfied(product)
	if err != nil {
		t.Fatalf("IsSatisfied failed: %v", err)
	}
	if !ok {
		t.Error("Expected satisfied once every required type has a row")
	}
}

func TestIsSatisfiedIgnoresFailedRows(t *testing.T) {
	db, reg, _ := setup(t)
	resolver := NewResolver(db, reg)
	date := day(t, "2024-06-01")

	for _, at := range []string{"MCD43A4", "MCD43A2"} {
		if _, err := db.RequestAsset("modis", at, "h12v04", date, false); err != nil {
			t.Fatalf("RequestAsset failed: %v", err)
		}
	}
	asset, _ := db.GetAssetByKey("modis", "MCD43A2", "h12v04", date)
	if _, err := db.TransitionAsset(asset.ID, domain.StatusRequested, domain.StatusScheduled); err != nil {
		t.Fatalf("TransitionAsset failed: %v", err)
	}
	if _, err := db.TransitionAsset(asset.ID, domain.StatusScheduled, domain.StatusInProgress); err != nil {
		t.Fatalf("TransitionAsset failed: %v", err)
	}
	if err := db.MarkAssetFailed(asset.ID, "gone"); err != nil {
		t.Fatalf("MarkAssetFailed failed: %v", err)
	}

	ok, err := resolver.IsSatisfied(&domain.Product{
		Driver: "modis", ProductType: "ndvi", Tile: "h12v04", Date: date,
	})
	if err != nil {
		t.Fatalf("IsSatisfied failed: %v", err)
	}
	if ok {
		t.Error("Expected failed rows not to satisfy a dependency")
	}
}

func TestEligibleDatesIntersects(t *testing.T) {
	db, reg, mock := setup(t)
	resolver := NewResolver(db, reg)

	// MCD43A2 only exists every other day; the product can only exist on
	// the intersection.
	mock.DatesFunc = func(assetType, tile string, start, end domain.Day) ([]domain.Day, error) {
		var dates []domain.Day
		step := 1
		if assetType == "MCD43A2" {
			step = 2
		}
		for t := start.Time; !t.After(end.Time); t = t.AddDate(0, 0, step) {
			dates = append(dates, domain.NewDay(t))
		}
		return dates, nil
	}

	dates, err := resolver.EligibleDates("modis", "ndvi", "h12v04", day(t, "2024-06-01"), day(t, "2024-06-06"))
	if err != nil {
		t.Fatalf("EligibleDates failed: %v", err)
	}
	want := []string{"2024-06-01", "2024-06-03", "2024-06-05"}
	if len(dates) != len(want) {
		t.Fatalf("Expected %d dates, got %d: %v", len(want), len(dates), dates)
	}
	for i, w := range want {
		if dates[i].String() != w {
			t.Errorf("Date %d: expected %s, got %s", i, w, dates[i])
		}
	}
}

func TestSatisfyingAssetIDs(t *testing.T) {
	db, reg, _ := setup(t)
	resolver := NewResolver(db, reg)
	date := day(t, "2024-06-01")

	for _, at := range []string{"MCD43A4", "MCD43A2"} {
		if _, err := db.RequestAsset("modis", at, "h12v04", date, false); err != nil {
			t.Fatalf("RequestAsset failed: %v", err)
		}
	}

	ids, err := resolver.SatisfyingAssetIDs(&domain.Product{
		Driver: "modis", ProductType: "ndvi", Tile: "h12v04", Date: date,
	})
	if err != nil {
		t.Fatalf("SatisfyingAssetIDs failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("Expected 2 backing assets, got %v", ids)
	}
}
