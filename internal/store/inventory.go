package store

import (
	"context"
	"fmt"
	"time"

	"github.com/appliedgeo/gips/internal/domain"
)

// Kind selects which inventory table an operation targets.
type Kind string

const (
	KindAsset   Kind = "asset"
	KindProduct Kind = "product"
)

// ParseKind validates a kind string from config or the API.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAsset, KindProduct:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown inventory kind %q", s)
	}
}

// InventoryEntry is the minimal projection the reconciler diffs against the
// archive: a row id plus the natural key.
type InventoryEntry struct {
	ID   int64
	Type string
	Tile string
	Date domain.Day
}

// NewEntry describes an on-disk file the reconciler wants recorded.
type NewEntry struct {
	Type   string
	Tile   string
	Date   domain.Day
	Name   string
	Sensor string
}

// ListInventoryEntries returns all rows of one kind for a driver.
func (db *DB) ListInventoryEntries(driver string, kind Kind) ([]InventoryEntry, error) {
	switch kind {
	case KindAsset:
		rows, err := db.listAssetRows(driver)
		if err != nil {
			return nil, err
		}
		entries := make([]InventoryEntry, len(rows))
		for i, r := range rows {
			entries[i] = InventoryEntry{ID: r.ID, Type: r.AssetType, Tile: r.Tile, Date: r.Date}
		}
		return entries, nil
	case KindProduct:
		rows, err := db.listProductRows(driver)
		if err != nil {
			return nil, err
		}
		entries := make([]InventoryEntry, len(rows))
		for i, r := range rows {
			entries[i] = InventoryEntry{ID: r.ID, Type: r.ProductType, Tile: r.Tile, Date: r.Date}
		}
		return entries, nil
	default:
		return nil, fmt.Errorf("unknown inventory kind %q", kind)
	}
}

// ApplyInventoryDiff inserts rows for on-disk items missing from the database
// (status complete, since the files physically exist) and deletes rows whose
// backing file is gone, all in one transaction.
func (db *DB) ApplyInventoryDiff(ctx context.Context, driver string, kind Kind, add []NewEntry, removeIDs []int64) error {
	return db.RunInTx(ctx, func(tx *DB) error {
		now := time.Now()
		for _, e := range add {
			switch kind {
			case KindAsset:
				asset := &domain.Asset{
					Driver:    driver,
					AssetType: e.Type,
					Tile:      e.Tile,
					Date:      e.Date,
					Sensor:    e.Sensor,
					Name:      e.Name,
					Status:    domain.StatusComplete,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := tx.CreateAsset(asset); err != nil {
					return err
				}
			case KindProduct:
				product := &domain.Product{
					Driver:      driver,
					ProductType: e.Type,
					Tile:        e.Tile,
					Date:        e.Date,
					Sensor:      e.Sensor,
					Name:        e.Name,
					Status:      domain.StatusComplete,
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := tx.CreateProduct(product); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown inventory kind %q", kind)
			}
		}

		switch kind {
		case KindAsset:
			return tx.deleteAssets(removeIDs)
		case KindProduct:
			return tx.deleteProducts(removeIDs)
		default:
			return fmt.Errorf("unknown inventory kind %q", kind)
		}
	})
}
