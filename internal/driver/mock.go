package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/appliedgeo/gips/internal/domain"
)

// MockDriver is a scriptable in-memory driver used by tests. Its filename
// grammar is "<type>_<tile>_<YYYY-MM-DD>.<ext>" with .hdf for assets and
// .tif for products; behavior is overridden via the function fields.
type MockDriver struct {
	DriverName string
	Assets     []string
	Products   []string
	// Deps maps product type to required asset types.
	Deps map[string][]string

	FetchFunc   func(ctx context.Context, assetType, tile string, date domain.Day) ([]FetchedFile, error)
	ProcessFunc func(ctx context.Context, productType, tile string, date domain.Day) (string, error)
	QueryFunc   func(ctx context.Context, assetType, tile string, date domain.Day) (*RemoteAsset, error)
	ExportFunc  func(ctx context.Context, job *domain.Job, tiles []string) error
	DatesFunc   func(assetType, tile string, start, end domain.Day) ([]domain.Day, error)
}

func NewMockDriver(name string) *MockDriver {
	return &MockDriver{
		DriverName: name,
		Assets:     []string{"RAW"},
		Products:   []string{"ndvi"},
		Deps:       map[string][]string{"ndvi": {"RAW"}},
	}
}

func (d *MockDriver) Name() string           { return d.DriverName }
func (d *MockDriver) AssetTypes() []string   { return d.Assets }
func (d *MockDriver) ProductTypes() []string { return d.Products }

func (d *MockDriver) RequiredAssets(productType string) ([]string, error) {
	deps, ok := d.Deps[productType]
	if !ok {
		return nil, fmt.Errorf("unknown product type %q", productType)
	}
	return deps, nil
}

func (d *MockDriver) AssetDates(assetType, tile string, start, end domain.Day) ([]domain.Day, error) {
	if d.DatesFunc != nil {
		return d.DatesFunc(assetType, tile, start, end)
	}
	// Daily cadence by default.
	var dates []domain.Day
	for t := start.Time; !t.After(end.Time); t = t.AddDate(0, 0, 1) {
		dates = append(dates, domain.NewDay(t))
	}
	return dates, nil
}

func (d *MockDriver) ParseAssetName(name string) (*domain.AssetKey, error) {
	typ, tile, date, err := d.parseName(name, ".hdf")
	if err != nil {
		return nil, err
	}
	for _, at := range d.Assets {
		if at == typ {
			return &domain.AssetKey{AssetType: typ, Tile: tile, Date: date}, nil
		}
	}
	return nil, fmt.Errorf("unknown asset type %q in %q", typ, name)
}

func (d *MockDriver) ParseProductName(name string) (*domain.ProductKey, error) {
	typ, tile, date, err := d.parseName(name, ".tif")
	if err != nil {
		return nil, err
	}
	for _, pt := range d.Products {
		if pt == typ {
			return &domain.ProductKey{ProductType: typ, Tile: tile, Date: date}, nil
		}
	}
	return nil, fmt.Errorf("unknown product type %q in %q", typ, name)
}

func (d *MockDriver) parseName(name, ext string) (string, string, domain.Day, error) {
	if !strings.HasSuffix(name, ext) {
		return "", "", domain.Day{}, fmt.Errorf("%q does not end in %s", name, ext)
	}
	parts := strings.Split(strings.TrimSuffix(name, ext), "_")
	if len(parts) != 3 {
		return "", "", domain.Day{}, fmt.Errorf("malformed name %q", name)
	}
	date, err := domain.ParseDay(parts[2])
	if err != nil {
		return "", "", domain.Day{}, err
	}
	return parts[0], parts[1], date, nil
}

func (d *MockDriver) Fetch(ctx context.Context, assetType, tile string, date domain.Day) ([]FetchedFile, error) {
	if d.FetchFunc != nil {
		return d.FetchFunc(ctx, assetType, tile, date)
	}
	return nil, nil
}

func (d *MockDriver) Process(ctx context.Context, productType, tile string, date domain.Day) (string, error) {
	if d.ProcessFunc != nil {
		return d.ProcessFunc(ctx, productType, tile, date)
	}
	return fmt.Sprintf("%s_%s_%s.tif", productType, tile, date), nil
}

func (d *MockDriver) QueryProvider(ctx context.Context, assetType, tile string, date domain.Day) (*RemoteAsset, error) {
	if d.QueryFunc != nil {
		return d.QueryFunc(ctx, assetType, tile, date)
	}
	return &RemoteAsset{
		Basename: fmt.Sprintf("%s_%s_%s.hdf", assetType, tile, date),
		URL:      fmt.Sprintf("http://provider.local/%s/%s/%s", assetType, tile, date),
	}, nil
}

func (d *MockDriver) Export(ctx context.Context, job *domain.Job, tiles []string) error {
	if d.ExportFunc != nil {
		return d.ExportFunc(ctx, job, tiles)
	}
	return nil
}
