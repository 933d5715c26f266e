// Package worker holds the functions the task queue dispatches: fetching
// assets, processing products, expanding jobs and exporting chunks. Each
// function guards on the row's expected status so a stale or duplicate
// dispatch degrades to a no-op instead of double work.
package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/appliedgeo/gips/internal/archive"
	"github.com/appliedgeo/gips/internal/domain"
	"github.com/appliedgeo/gips/internal/driver"
	"github.com/appliedgeo/gips/internal/logger"
	"github.com/appliedgeo/gips/internal/query"
	"github.com/appliedgeo/gips/internal/queue"
	"github.com/appliedgeo/gips/internal/store"
)

// Runner executes dispatched work against the inventory database.
type Runner struct {
	db    *store.DB
	reg   *driver.Registry
	arch  *archive.Archive
	query *query.Service
	log   *logger.Logger
}

func NewRunner(db *store.DB, reg *driver.Registry, arch *archive.Archive, qs *query.Service, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Default()
	}
	return &Runner{
		db:    db,
		reg:   reg,
		arch:  arch,
		query: qs,
		log:   log.WithComponent("worker"),
	}
}

// RegisterHandlers wires the runner's functions into an in-process queue.
// Remote backends invoke the same functions through the worker command.
func (r *Runner) RegisterHandlers(q *queue.LocalQueue) {
	q.Register(queue.OpFetch, func(ctx context.Context, args []string) error {
		id, err := parseID(queue.OpFetch, args)
		if err != nil {
			return err
		}
		return r.Fetch(ctx, id)
	})
	q.Register(queue.OpProcess, func(ctx context.Context, args []string) error {
		id, err := parseID(queue.OpProcess, args)
		if err != nil {
			return err
		}
		return r.Process(ctx, id)
	})
	q.Register(queue.OpQuery, func(ctx context.Context, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("query expects one job id, got %v", args)
		}
		return r.Query(ctx, args[0])
	})
	q.Register(queue.OpExport, func(ctx context.Context, args []string) error {
		id, err := parseID(queue.OpExport, args)
		if err != nil {
			return err
		}
		return r.ExportChunk(ctx, id)
	})
}

func parseID(op queue.Op, args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s expects one id argument, got %v", op, args)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: bad id %q: %w", op, args[0], err)
	}
	return id, nil
}

// Fetch downloads the file backing one asset and installs it into the
// archive. Transient failures park the asset in retry; the repair pass
// decides whether it gets another attempt.
func (r *Runner) Fetch(ctx context.Context, assetID int64) (err error) {
	log := r.log.With("asset_id", assetID)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Fetch panicked", "panic", rec)
			err = r.db.MarkAssetRetry(assetID, fmt.Sprintf("panic: %v", rec))
		}
	}()

	asset, err := r.db.GetAsset(assetID)
	if err != nil {
		return err
	}
	if asset == nil {
		return nil
	}
	claimed, err := r.db.TransitionAsset(assetID, domain.StatusScheduled, domain.StatusInProgress)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("Asset not in scheduled, skipping fetch", "status", asset.Status)
		return nil
	}

	d, err := r.reg.Get(asset.Driver)
	if err != nil {
		return r.db.MarkAssetFailed(assetID, err.Error())
	}

	files, err := d.Fetch(ctx, asset.AssetType, asset.Tile, asset.Date)
	if err != nil {
		log.Warn("Fetch failed", "error", err)
		return r.db.MarkAssetRetry(assetID, err.Error())
	}
	switch {
	case len(files) == 0:
		log.Warn("Fetch returned no files")
		return r.db.MarkAssetRetry(assetID, "fetch returned no files")
	case len(files) > 1:
		// One file per asset is the driver contract. Leave the row
		// in-progress; the repair pass requeues it under the retry budget.
		return fmt.Errorf("driver %s returned %d files for asset %d, want 1", asset.Driver, len(files), assetID)
	}

	installed, err := r.arch.Install(asset.Driver, asset.Tile, asset.Date, files[0].Path)
	if err != nil {
		log.Warn("Archive install failed", "error", err)
		return r.db.MarkAssetRetry(assetID, err.Error())
	}

	log.Info("Asset fetched", "driver", asset.Driver, "tile", asset.Tile, "date", asset.Date, "path", installed)
	return r.db.MarkAssetComplete(assetID, filepath.Base(installed), files[0].Sensor)
}

// Process derives one product from its satisfied dependencies. Product
// failures are terminal; there is no retry loop for processing.
func (r *Runner) Process(ctx context.Context, productID int64) (err error) {
	log := r.log.With("product_id", productID)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Process panicked", "panic", rec)
			err = r.db.MarkProductFailed(productID, fmt.Sprintf("panic: %v", rec))
		}
	}()

	product, err := r.db.GetProduct(productID)
	if err != nil {
		return err
	}
	if product == nil {
		return nil
	}
	claimed, err := r.db.TransitionProduct(productID, domain.StatusScheduled, domain.StatusInProgress)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("Product not in scheduled, skipping process", "status", product.Status)
		return nil
	}

	d, err := r.reg.Get(product.Driver)
	if err != nil {
		return r.db.MarkProductFailed(productID, err.Error())
	}

	path, err := d.Process(ctx, product.ProductType, product.Tile, product.Date)
	if err != nil {
		log.Warn("Process failed", "error", err)
		return r.db.MarkProductFailed(productID, err.Error())
	}

	log.Info("Product built", "driver", product.Driver, "product_type", product.ProductType,
		"tile", product.Tile, "date", product.Date, "path", path)
	return r.db.MarkProductComplete(productID, filepath.Base(path))
}

// Query expands one job: it asks the provider what is available over the
// job's extent and requests every product (and transitively every asset) the
// job needs. The job then sits in-progress until its products drain.
func (r *Runner) Query(ctx context.Context, jobID string) (err error) {
	log := r.log.WithJob(jobID)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Query panicked", "panic", rec)
			err = r.db.FailJob(jobID, fmt.Sprintf("panic: %v", rec))
		}
	}()

	job, err := r.db.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	claimed, err := r.db.TransitionJob(jobID, domain.StatusScheduled, domain.StatusInProgress)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("Job not in scheduled, skipping query", "status", job.Status)
		return nil
	}

	_, err = r.query.Query(ctx, query.Request{
		Driver:   job.Driver,
		Products: []string{job.ProductType},
		Tiles:    job.Tiles,
		Start:    job.StartDate,
		End:      job.EndDate,
		Type:     query.TypeMissing,
		Action:   query.ActionRequestProduct,
	})
	if err != nil {
		log.Error("Job query failed", "error", err)
		return r.db.FailJob(jobID, err.Error())
	}

	log.Info("Job expanded", "driver", job.Driver, "product_type", job.ProductType, "tiles", len(job.Tiles))
	return nil
}

// ExportChunk mosaics one chunk of a job's tiles into the export area.
func (r *Runner) ExportChunk(ctx context.Context, chunkID int64) (err error) {
	log := r.log.With("chunk_id", chunkID)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Export panicked", "panic", rec)
			err = r.db.FailPostProcessJob(chunkID, fmt.Sprintf("panic: %v", rec))
		}
	}()

	chunk, err := r.db.GetPostProcessJob(chunkID)
	if err != nil {
		return err
	}
	if chunk == nil {
		return nil
	}
	claimed, err := r.db.TransitionPostProcessJob(chunkID, domain.StatusScheduled, domain.StatusInProgress)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("Chunk not in scheduled, skipping export", "status", chunk.Status)
		return nil
	}

	job, err := r.db.GetJob(chunk.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		return r.db.FailPostProcessJob(chunkID, fmt.Sprintf("job %s missing", chunk.JobID))
	}

	d, err := r.reg.Get(job.Driver)
	if err != nil {
		return r.db.FailPostProcessJob(chunkID, err.Error())
	}

	if err := d.Export(ctx, job, chunk.Tiles); err != nil {
		log.Warn("Export failed", "job_id", chunk.JobID, "error", err)
		return r.db.FailPostProcessJob(chunkID, err.Error())
	}

	log.Info("Chunk exported", "job_id", chunk.JobID, "chunk_index", chunk.ChunkIndex, "tiles", len(chunk.Tiles))
	_, err = r.db.TransitionPostProcessJob(chunkID, domain.StatusInProgress, domain.StatusComplete)
	return err
}
