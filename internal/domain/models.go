package domain

import "time"

// AssetKey is the natural key of an asset within one driver's archive.
type AssetKey struct {
	AssetType string
	Tile      string
	Date      Day
}

// ProductKey is the natural key of a product within one driver's archive.
type ProductKey struct {
	ProductType string
	Tile        string
	Date        Day
}

// Asset is a single fetched input file for one (driver, asset-type, tile, date).
// At most one row exists per natural key; the filesystem archive is the source
// of truth for existence, the database for status.
type Asset struct {
	ID         int64     `json:"id" db:"id"`
	Driver     string    `json:"driver" db:"driver"`
	AssetType  string    `json:"asset_type" db:"asset_type"`
	Tile       string    `json:"tile" db:"tile"`
	Date       Day       `json:"date" db:"date"`
	Sensor     string    `json:"sensor" db:"sensor"`
	Name       string    `json:"name" db:"name"`
	Status     Status    `json:"status" db:"status"`
	Retries    int       `json:"retries" db:"retries"`
	QueueJobID string    `json:"queue_job_id" db:"queue_job_id"`
	Error      *string   `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Key returns the asset's natural key.
func (a *Asset) Key() AssetKey {
	return AssetKey{AssetType: a.AssetType, Tile: a.Tile, Date: a.Date}
}

// Product is a single derived output file for one (driver, product-type, tile,
// date). Its asset dependencies are recorded in product_assets rows.
type Product struct {
	ID          int64     `json:"id" db:"id"`
	Driver      string    `json:"driver" db:"driver"`
	ProductType string    `json:"product_type" db:"product_type"`
	Tile        string    `json:"tile" db:"tile"`
	Date        Day       `json:"date" db:"date"`
	Sensor      string    `json:"sensor" db:"sensor"`
	Name        string    `json:"name" db:"name"`
	Status      Status    `json:"status" db:"status"`
	Retries     int       `json:"retries" db:"retries"`
	QueueJobID  string    `json:"queue_job_id" db:"queue_job_id"`
	Error       *string   `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Key returns the product's natural key.
func (p *Product) Key() ProductKey {
	return ProductKey{ProductType: p.ProductType, Tile: p.Tile, Date: p.Date}
}

// Job is a user-level unit of work: a spatial extent, one driver+product+band
// variable and a temporal extent. It spans query, fetch, process and
// export/aggregate phases.
type Job struct {
	ID          string      `json:"id" db:"id"`
	Site        string      `json:"site" db:"site"`
	Driver      string      `json:"driver" db:"driver"`
	ProductType string      `json:"product_type" db:"product_type"`
	Band        string      `json:"band" db:"band"`
	Tiles       StringSlice `json:"tiles" db:"tiles"`
	StartDate   Day         `json:"start_date" db:"start_date"`
	EndDate     Day         `json:"end_date" db:"end_date"`
	Status      Status      `json:"status" db:"status"`
	Error       *string     `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// PostProcessJob is one export+aggregate chunk of a job's spatial extent. The
// parent job completes only when every chunk completes.
type PostProcessJob struct {
	ID         int64       `json:"id" db:"id"`
	JobID      string      `json:"job_id" db:"job_id"`
	ChunkIndex int         `json:"chunk_index" db:"chunk_index"`
	Tiles      StringSlice `json:"tiles" db:"tiles"`
	QueueJobID string      `json:"queue_job_id" db:"queue_job_id"`
	Status     Status      `json:"status" db:"status"`
	Error      *string     `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at" db:"updated_at"`
}
