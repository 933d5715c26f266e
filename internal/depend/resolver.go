// Package depend decides whether a product's asset dependencies are met.
package depend

import (
	"github.com/appliedgeo/gips/internal/domain"
	"github.com/appliedgeo/gips/internal/driver"
	"github.com/appliedgeo/gips/internal/store"
)

// Resolver answers dependency questions using the driver registry for static
// configuration and the store for live asset state.
type Resolver struct {
	db  *store.DB
	reg *driver.Registry
}

func NewResolver(db *store.DB, reg *driver.Registry) *Resolver {
	return &Resolver{db: db, reg: reg}
}

// RequiredAssets returns the asset types a product type depends on.
func (r *Resolver) RequiredAssets(driverName, productType string) ([]string, error) {
	d, err := r.reg.Get(driverName)
	if err != nil {
		return nil, err
	}
	return d.RequiredAssets(productType)
}

// EligibleDates intersects, over all required asset types, the dates each
// type can exist for a tile within bounds. A product can only ever exist on
// dates where every one of its assets is defined.
func (r *Resolver) EligibleDates(driverName, productType, tile string, start, end domain.Day) ([]domain.Day, error) {
	d, err := r.reg.Get(driverName)
	if err != nil {
		return nil, err
	}
	required, err := d.RequiredAssets(productType)
	if err != nil {
		return nil, err
	}
	if len(required) == 0 {
		return nil, nil
	}

	// Candidate order comes from the first asset type; the intersection can
	// only ever be a subset of it.
	candidates, err := d.AssetDates(required[0], tile, start, end)
	if err != nil {
		return nil, err
	}

	for _, assetType := range required[1:] {
		dates, err := d.AssetDates(assetType, tile, start, end)
		if err != nil {
			return nil, err
		}
		available := make(map[string]bool, len(dates))
		for _, date := range dates {
			available[date.String()] = true
		}

		kept := candidates[:0]
		for _, date := range candidates {
			if available[date.String()] {
				kept = append(kept, date)
			}
		}
		candidates = kept
	}

	seen := make(map[string]bool, len(candidates))
	var eligible []domain.Day
	for _, date := range candidates {
		if seen[date.String()] {
			continue
		}
		seen[date.String()] = true
		eligible = append(eligible, date)
	}
	return eligible, nil
}

// IsSatisfied reports whether every asset type the product depends on has at
// least one row in the satisfying status set for the product's (driver, tile,
// date). The set is optimistic: in-flight assets count, so a product can be
// scheduled before its assets finish; the process worker then simply fails
// and the product is re-requested once the assets land.
func (r *Resolver) IsSatisfied(p *domain.Product) (bool, error) {
	required, err := r.RequiredAssets(p.Driver, p.ProductType)
	if err != nil {
		return false, err
	}
	for _, assetType := range required {
		count, err := r.db.CountSatisfyingAssets(p.Driver, assetType, p.Tile, p.Date)
		if err != nil {
			return false, err
		}
		if count == 0 {
			return false, nil
		}
	}
	return true, nil
}

// SatisfyingAssetIDs returns the ids of complete assets backing a product,
// recorded as its dependency rows when processing is scheduled.
func (r *Resolver) SatisfyingAssetIDs(p *domain.Product) ([]int64, error) {
	required, err := r.RequiredAssets(p.Driver, p.ProductType)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, assetType := range required {
		asset, err := r.db.GetAssetByKey(p.Driver, assetType, p.Tile, p.Date)
		if err != nil {
			return nil, err
		}
		if asset != nil {
			ids = append(ids, asset.ID)
		}
	}
	return ids, nil
}
