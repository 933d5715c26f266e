// Package rectify synchronizes the database's record of assets and products
// with the filesystem archive. The archive is authoritative for existence;
// rectify is the only sanctioned way to recover from drift between the two.
package rectify

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/appliedgeo/gips/internal/archive"
	"github.com/appliedgeo/gips/internal/domain"
	"github.com/appliedgeo/gips/internal/driver"
	"github.com/appliedgeo/gips/internal/logger"
	"github.com/appliedgeo/gips/internal/store"
)

// Result summarizes one rectify pass.
type Result struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Skipped int `json:"skipped"`
	Kept    int `json:"kept"`
}

type Reconciler struct {
	db      *store.DB
	reg     *driver.Registry
	archive *archive.Archive
	log     *logger.Logger
}

func NewReconciler(db *store.DB, reg *driver.Registry, arc *archive.Archive, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.Default()
	}
	return &Reconciler{
		db:      db,
		reg:     reg,
		archive: arc,
		log:     log.WithComponent("rectify"),
	}
}

// Rectify scans one driver's archive for files of one kind, parses each
// filename through the driver's grammar (malformed names are skipped, they
// are simply not ours), and applies the symmetric difference to the database:
// on-disk items missing from the DB are inserted as complete, DB rows with no
// backing file are deleted. Repeated calls with an unchanged filesystem make
// no changes.
func (r *Reconciler) Rectify(ctx context.Context, kind store.Kind, driverName string) (*Result, error) {
	d, err := r.reg.Get(driverName)
	if err != nil {
		return nil, err
	}

	onDisk, skipped, err := r.scan(d, kind)
	if err != nil {
		return nil, err
	}

	entries, err := r.db.ListInventoryEntries(driverName, kind)
	if err != nil {
		return nil, err
	}

	inDB := make(map[string]int64, len(entries))
	for _, e := range entries {
		inDB[entryKey(e.Type, e.Tile, e.Date)] = e.ID
	}

	var add []store.NewEntry
	kept := 0
	for key, entry := range onDisk {
		if _, ok := inDB[key]; ok {
			kept++
			delete(inDB, key)
			continue
		}
		add = append(add, entry)
	}

	// Whatever is left in inDB has no backing file.
	removeIDs := make([]int64, 0, len(inDB))
	for _, id := range inDB {
		removeIDs = append(removeIDs, id)
	}

	if err := r.db.ApplyInventoryDiff(ctx, driverName, kind, add, removeIDs); err != nil {
		return nil, fmt.Errorf("failed to apply inventory diff: %w", err)
	}

	result := &Result{Added: len(add), Removed: len(removeIDs), Skipped: skipped, Kept: kept}
	if result.Added > 0 || result.Removed > 0 {
		r.log.Info("Inventory rectified",
			"driver", driverName,
			"kind", kind,
			"added", result.Added,
			"removed", result.Removed,
			"skipped", result.Skipped,
		)
	}
	return result, nil
}

func (r *Reconciler) scan(d driver.Driver, kind store.Kind) (map[string]store.NewEntry, int, error) {
	root := r.archive.DriverRoot(d.Name())
	onDisk := make(map[string]store.NewEntry)
	skipped := 0

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// A missing driver root just means an empty archive.
			if path == root {
				return filepath.SkipAll
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}

		name := filepath.Base(path)
		typ, tile, date, parseErr := parseName(d, kind, name)
		if parseErr != nil {
			skipped++
			return nil
		}
		onDisk[entryKey(typ, tile, date)] = store.NewEntry{
			Type: typ,
			Tile: tile,
			Date: date,
			Name: path,
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return onDisk, skipped, nil
}

func parseName(d driver.Driver, kind store.Kind, name string) (string, string, domain.Day, error) {
	switch kind {
	case store.KindAsset:
		key, err := d.ParseAssetName(name)
		if err != nil {
			return "", "", domain.Day{}, err
		}
		return key.AssetType, key.Tile, key.Date, nil
	case store.KindProduct:
		key, err := d.ParseProductName(name)
		if err != nil {
			return "", "", domain.Day{}, err
		}
		return key.ProductType, key.Tile, key.Date, nil
	default:
		return "", "", domain.Day{}, fmt.Errorf("unknown inventory kind %q", kind)
	}
}

func entryKey(typ, tile string, date domain.Day) string {
	return typ + "/" + tile + "/" + date.String()
}
