// Package driver defines the capability interface data-source plugins
// implement and a registry populated at startup. The core never loads drivers
// dynamically; everything it knows about a data source goes through Driver.
package driver

import (
	"context"

	"github.com/appliedgeo/gips/internal/domain"
)

// FetchedFile is one file a driver's fetch adapter retrieved for an asset.
type FetchedFile struct {
	Path   string
	Sensor string
}

// RemoteAsset is a provider-side record for an asset that could be fetched.
type RemoteAsset struct {
	Basename string
	URL      string
}

// Driver is the full capability surface of one data source. Fetch, Process
// and Export are invoked from dispatched workers; the rest is metadata the
// scheduler and reconciler consult directly.
type Driver interface {
	Name() string

	// AssetTypes and ProductTypes enumerate the driver's catalog.
	AssetTypes() []string
	ProductTypes() []string

	// RequiredAssets lists the asset types a product type is derived from.
	RequiredAssets(productType string) ([]string, error)

	// AssetDates enumerates the dates an asset type can exist for a tile
	// within bounds, per the source's revisit cadence.
	AssetDates(assetType, tile string, start, end domain.Day) ([]domain.Day, error)

	// ParseAssetName and ParseProductName apply the driver's filename grammar.
	// Filenames that do not parse are not the driver's and are skipped by the
	// reconciler, not treated as errors.
	ParseAssetName(name string) (*domain.AssetKey, error)
	ParseProductName(name string) (*domain.ProductKey, error)

	// Fetch retrieves the files for one asset into local staging. The
	// contract is exactly one file per asset; zero means transient failure.
	Fetch(ctx context.Context, assetType, tile string, date domain.Day) ([]FetchedFile, error)

	// Process derives one product for a (tile, date) and returns the path of
	// the file it wrote into the archive.
	Process(ctx context.Context, productType, tile string, date domain.Day) (string, error)

	// QueryProvider asks the remote provider whether one asset is available.
	// A nil RemoteAsset with nil error means not available.
	QueryProvider(ctx context.Context, assetType, tile string, date domain.Day) (*RemoteAsset, error)

	// Export mosaics and aggregates one chunk of a job's spatial extent.
	Export(ctx context.Context, job *domain.Job, tiles []string) error
}
