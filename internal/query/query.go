// Package query wraps a driver's provider-availability lookup and turns the
// answers into requested asset/product rows, without ever marking anything
// fetched.
package query

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/appliedgeo/gips/internal/depend"
	"github.com/appliedgeo/gips/internal/domain"
	"github.com/appliedgeo/gips/internal/driver"
	"github.com/appliedgeo/gips/internal/logger"
	"github.com/appliedgeo/gips/internal/store"
)

// Type controls how aggressively the provider is re-queried.
type Type string

const (
	// TypeMissing queries only tile-dates with no complete local asset.
	TypeMissing Type = "missing"
	// TypeRemote re-queries everything.
	TypeRemote Type = "remote"
	// TypeUpdate re-queries everything and re-requests assets whose
	// provider-side file differs from the archived one.
	TypeUpdate Type = "update"
)

// Action controls which side effects a query has.
type Action string

const (
	ActionInfo           Action = "get-info"
	ActionRequestAsset   Action = "request-asset"
	ActionRequestProduct Action = "request-product"
)

// Request describes one provider query.
type Request struct {
	Driver   string
	Products []string
	Tiles    []string
	Start    domain.Day
	End      domain.Day
	Type     Type
	Action   Action
	// Force overrides the guard that keeps scheduled/in-progress/complete
	// rows from being re-requested.
	Force bool
}

// AvailableAsset is one normalized provider-side availability record.
type AvailableAsset struct {
	AssetType string     `json:"asset_type"`
	Tile      string     `json:"tile"`
	Date      domain.Day `json:"date"`
	Basename  string     `json:"basename"`
	URL       string     `json:"url"`
	Local     bool       `json:"local"`
}

// Grouped maps product type -> tile -> availability records.
type Grouped map[string]map[string][]AvailableAsset

type Service struct {
	db       *store.DB
	reg      *driver.Registry
	resolver *depend.Resolver
	log      *logger.Logger
}

func NewService(db *store.DB, reg *driver.Registry, resolver *depend.Resolver, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		db:       db,
		reg:      reg,
		resolver: resolver,
		log:      log.WithComponent("query"),
	}
}

// Query asks the provider what is available for the requested products, tiles
// and dates, and applies the request's side effects. All row mutations for
// one (tile, date) group run inside a single transaction so dependency
// records are never half-written.
func (s *Service) Query(ctx context.Context, req Request) (Grouped, error) {
	d, err := s.reg.Get(req.Driver)
	if err != nil {
		return nil, err
	}

	grouped := make(Grouped)
	for _, productType := range req.Products {
		required, err := d.RequiredAssets(productType)
		if err != nil {
			return nil, err
		}

		byTile := make(map[string][]AvailableAsset)
		for _, tile := range req.Tiles {
			dates, err := s.resolver.EligibleDates(req.Driver, productType, tile, req.Start, req.End)
			if err != nil {
				return nil, err
			}

			for _, date := range dates {
				available, err := s.queryGroup(ctx, d, req, required, tile, date)
				if err != nil {
					// One bad tile-date must not abort its siblings.
					s.log.Error("Provider query failed",
						"driver", req.Driver, "tile", tile, "date", date.String(), "error", err)
					continue
				}
				byTile[tile] = append(byTile[tile], available...)

				if req.Action == ActionRequestProduct && len(available) > 0 {
					if err := s.requestProduct(ctx, req, productType, tile, date); err != nil {
						s.log.Error("Failed to request product",
							"driver", req.Driver, "product", productType, "tile", tile, "date", date.String(), "error", err)
					}
				}
			}
		}
		grouped[productType] = byTile
	}
	return grouped, nil
}

// queryGroup resolves availability for all required asset types of one
// (tile, date) and applies asset-request side effects in one transaction.
func (s *Service) queryGroup(ctx context.Context, d driver.Driver, req Request, required []string, tile string, date domain.Day) ([]AvailableAsset, error) {
	var available []AvailableAsset
	var toRequest []AvailableAsset

	for _, assetType := range required {
		local, err := s.db.GetAssetByKey(req.Driver, assetType, tile, date)
		if err != nil {
			return nil, err
		}
		haveLocal := local != nil && local.Status == domain.StatusComplete

		if req.Type == TypeMissing && haveLocal {
			available = append(available, AvailableAsset{
				AssetType: assetType, Tile: tile, Date: date, Basename: local.Name, Local: true,
			})
			continue
		}

		remote, err := d.QueryProvider(ctx, assetType, tile, date)
		if err != nil {
			return nil, fmt.Errorf("query provider for %s: %w", assetType, err)
		}
		if remote == nil {
			continue
		}

		record := AvailableAsset{
			AssetType: assetType, Tile: tile, Date: date,
			Basename: remote.Basename, URL: remote.URL, Local: haveLocal,
		}
		available = append(available, record)

		switch {
		case !haveLocal:
			toRequest = append(toRequest, record)
		case req.Type == TypeUpdate && changedRemotely(local, remote):
			toRequest = append(toRequest, record)
		}
	}

	if req.Action == ActionInfo || len(toRequest) == 0 {
		return available, nil
	}

	// Re-requesting an updated asset must bypass the complete-status guard.
	force := req.Force || req.Type == TypeUpdate
	err := s.db.RunInTx(ctx, func(tx *store.DB) error {
		for _, record := range toRequest {
			if _, err := tx.RequestAsset(req.Driver, record.AssetType, record.Tile, record.Date, force); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return available, nil
}

func (s *Service) requestProduct(ctx context.Context, req Request, productType, tile string, date domain.Day) error {
	return s.db.RunInTx(ctx, func(tx *store.DB) error {
		_, err := tx.RequestProduct(req.Driver, productType, tile, date, req.Force)
		return err
	})
}

// changedRemotely reports whether the provider advertises a different file
// than the one archived locally.
func changedRemotely(local *domain.Asset, remote *driver.RemoteAsset) bool {
	if local.Name == "" || remote.Basename == "" {
		return false
	}
	return filepath.Base(local.Name) != remote.Basename
}
