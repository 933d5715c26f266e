// Package scheduler drives the inventory state machine. Each pass runs four
// phases in order: expand newly requested jobs, fetch requested assets,
// process satisfied products, then export drained jobs. Every phase is
// idempotent; a crash between phases just means the next pass picks up where
// the database says things stand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/appliedgeo/gips/internal/domain"
	"github.com/appliedgeo/gips/internal/driver"
	"github.com/appliedgeo/gips/internal/logger"
	"github.com/appliedgeo/gips/internal/metrics"
	"github.com/appliedgeo/gips/internal/queue"
	"github.com/appliedgeo/gips/internal/store"
)

// Config tunes one scheduler instance.
type Config struct {
	// FetchBatch caps how many requested assets one pass claims per driver.
	FetchBatch int
	// PerJob is how many tuples go into one queue batch.
	PerJob int
	// ChunkSize is how many tiles one export chunk covers.
	ChunkSize int
	// MaxRetries is the per-asset retry budget.
	MaxRetries int
	// TickInterval is the pause between passes in Run.
	TickInterval time.Duration
}

type Scheduler struct {
	db       *store.DB
	reg      *driver.Registry
	queue    queue.TaskQueue
	resolver depResolver
	metrics  *metrics.Collector
	log      *logger.Logger
	cfg      Config
}

// depResolver is the slice of the dependency resolver the scheduler needs.
type depResolver interface {
	RequiredAssets(driverName, productType string) ([]string, error)
	IsSatisfied(p *domain.Product) (bool, error)
	SatisfyingAssetIDs(p *domain.Product) ([]int64, error)
}

func New(db *store.DB, reg *driver.Registry, q queue.TaskQueue, resolver depResolver, m *metrics.Collector, log *logger.Logger, cfg Config) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		db:       db,
		reg:      reg,
		queue:    q,
		resolver: resolver,
		metrics:  m,
		log:      log.WithComponent("scheduler"),
		cfg:      cfg,
	}
}

// Run executes passes until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.Info("Scheduler started", "tick_interval", s.cfg.TickInterval)
	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Error("Scheduler pass finished with errors", "error", err)
		}
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs one full pass. Phase errors are joined, not fatal: one
// driver's broken backend must not stall the others.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	var errs []error

	if err := s.scheduleQueries(ctx); err != nil {
		errs = append(errs, fmt.Errorf("query phase: %w", err))
	}
	for _, name := range s.reg.Names() {
		if err := s.scheduleFetch(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("fetch phase %s: %w", name, err))
		}
		if err := s.scheduleProcess(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("process phase %s: %w", name, err))
		}
	}
	if err := s.schedulePostProcessing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("export phase: %w", err))
	}

	s.updateGauges()
	if s.metrics != nil {
		s.metrics.RecordPass(time.Since(start).Seconds())
		for range errs {
			s.metrics.RecordError()
		}
	}
	return errors.Join(errs...)
}

// scheduleQueries claims requested jobs and dispatches one query task each.
func (s *Scheduler) scheduleQueries(ctx context.Context) error {
	jobs, err := s.db.ClaimRequestedJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		log := s.log.WithJob(job.ID)
		// Commit the status the worker guards on before dispatch; a fast
		// backend can run the query before Submit returns.
		if _, err := s.db.TransitionJob(job.ID, domain.StatusInitializing, domain.StatusScheduled); err != nil {
			return err
		}
		results, err := s.queue.Submit(ctx, queue.OpQuery, [][]string{{job.ID}}, queue.SubmitOptions{})
		if err != nil {
			return err
		}
		if len(results) == 0 || results[0].JobID == "" {
			stderr := ""
			if len(results) > 0 {
				stderr = results[0].Stderr
			}
			log.Error("Query submission rejected", "stderr", stderr)
			s.recordSubmit(queue.OpQuery, false)
			if err := s.db.FailJob(job.ID, "query submission failed: "+stderr); err != nil {
				return err
			}
			continue
		}
		s.recordSubmit(queue.OpQuery, true)
		log.Info("Job query dispatched", "queue_job_id", results[0].JobID)
	}
	return nil
}

// scheduleFetch runs one driver's fetch phase: back off while the previous
// batch lives, repair what died, then claim and dispatch a new batch.
func (s *Scheduler) scheduleFetch(ctx context.Context, driverName string) error {
	log := s.log.WithDriver(driverName)

	lastID, err := s.db.LastAssetQueueJobID(driverName)
	if err != nil {
		return err
	}
	if lastID != "" {
		alive, err := s.queue.IsJobAlive(ctx, lastID)
		if err != nil {
			// A broken probe must not wedge the driver forever; treat the
			// batch as dead and let the repair pass sort the rows out.
			log.Warn("Liveness probe failed", "queue_job_id", lastID, "error", err)
			alive = false
		}
		if alive {
			log.Debug("Previous fetch batch still running, skipping", "queue_job_id", lastID)
			if s.metrics != nil {
				s.metrics.RecordFetchSkipped()
			}
			return nil
		}
	}

	requeued, exhausted, err := s.db.RepairStuckAssets(ctx, driverName, s.cfg.MaxRetries)
	if err != nil {
		return err
	}
	if requeued > 0 || exhausted > 0 {
		log.Info("Repaired stuck assets", "requeued", requeued, "exhausted", exhausted)
		if s.metrics != nil {
			s.metrics.RecordRepair(requeued, exhausted)
		}
	}

	assets, err := s.db.ClaimRequestedAssets(ctx, driverName, s.cfg.FetchBatch)
	if err != nil {
		return err
	}
	if len(assets) == 0 {
		return nil
	}

	args := make([][]string, len(assets))
	for i, asset := range assets {
		args[i] = []string{strconv.FormatInt(asset.ID, 10)}
	}
	results, err := s.queue.Submit(ctx, queue.OpFetch, args, queue.SubmitOptions{
		BatchSize: s.cfg.PerJob,
		NProc:     1,
		Chain:     true,
	})
	if err != nil {
		return err
	}

	for _, result := range results {
		ids, err := argIDs(result.Args)
		if err != nil {
			return err
		}
		if result.JobID == "" {
			// Leave these rows scheduled with no queue job; the next pass
			// sees the empty id as a dead batch and requeues them.
			log.Warn("Fetch batch submission rejected", "assets", len(ids), "stderr", result.Stderr)
			s.recordSubmit(queue.OpFetch, false)
			continue
		}
		s.recordSubmit(queue.OpFetch, true)
		if err := s.db.SetAssetQueueJob(ids, result.JobID); err != nil {
			return err
		}
		log.Info("Fetch batch dispatched", "queue_job_id", result.JobID, "assets", len(ids))
	}
	return nil
}

// scheduleProcess dispatches products whose dependencies are satisfied.
func (s *Scheduler) scheduleProcess(ctx context.Context, driverName string) error {
	log := s.log.WithDriver(driverName)

	products, err := s.db.ListRequestedProducts(driverName, s.cfg.FetchBatch)
	if err != nil {
		return err
	}

	var ready []*domain.Product
	for _, product := range products {
		ok, err := s.resolver.IsSatisfied(product)
		if err != nil {
			log.Warn("Dependency check failed", "product_id", product.ID, "error", err)
			continue
		}
		if ok {
			ready = append(ready, product)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	ids := make([]int64, len(ready))
	byID := make(map[int64]*domain.Product, len(ready))
	for i, product := range ready {
		ids[i] = product.ID
		byID[product.ID] = product
	}
	claimed, err := s.db.ClaimProducts(ctx, ids)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	for _, id := range claimed {
		assetIDs, err := s.resolver.SatisfyingAssetIDs(byID[id])
		if err != nil {
			return err
		}
		if err := s.db.LinkProductAssets(id, assetIDs); err != nil {
			return err
		}
	}

	args := make([][]string, len(claimed))
	for i, id := range claimed {
		args[i] = []string{strconv.FormatInt(id, 10)}
	}
	results, err := s.queue.Submit(ctx, queue.OpProcess, args, queue.SubmitOptions{
		BatchSize: s.cfg.PerJob,
		NProc:     1,
	})
	if err != nil {
		return err
	}

	for _, result := range results {
		ids, err := argIDs(result.Args)
		if err != nil {
			return err
		}
		if result.JobID == "" {
			// Products have no liveness-based repair pass, so a rejected
			// claim goes straight back to requested for the next pass.
			log.Warn("Process batch submission rejected", "products", len(ids), "stderr", result.Stderr)
			s.recordSubmit(queue.OpProcess, false)
			if err := s.db.ReleaseProducts(ids); err != nil {
				return err
			}
			continue
		}
		s.recordSubmit(queue.OpProcess, true)
		if err := s.db.SetProductQueueJob(ids, result.JobID); err != nil {
			return err
		}
		log.Info("Process batch dispatched", "queue_job_id", result.JobID, "products", len(ids))
	}
	return nil
}

// schedulePostProcessing moves drained jobs into export and settles jobs
// whose chunks have finished or died.
func (s *Scheduler) schedulePostProcessing(ctx context.Context) error {
	var errs []error

	inProgress, err := s.db.ListJobsByStatus(domain.StatusInProgress)
	if err != nil {
		return err
	}
	for _, job := range inProgress {
		if err := s.maybeStartExport(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
	}

	exporting, err := s.db.ListJobsByStatus(domain.StatusPostProcessing)
	if err != nil {
		return err
	}
	for _, job := range exporting {
		if err := s.settleExport(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
	}
	return errors.Join(errs...)
}

// maybeStartExport checks whether everything a job asked for has settled and,
// if so, carves the job's tiles into chunks and dispatches them.
func (s *Scheduler) maybeStartExport(ctx context.Context, job *domain.Job) error {
	log := s.log.WithJob(job.ID)

	assetTypes, err := s.resolver.RequiredAssets(job.Driver, job.ProductType)
	if err != nil {
		return err
	}
	workingAssets, err := s.db.CountWorkingAssets(job.Driver, assetTypes, job.Tiles, job.StartDate, job.EndDate)
	if err != nil {
		return err
	}
	workingProducts, err := s.db.CountWorkingProducts(job.Driver, job.ProductType, job.Tiles, job.StartDate, job.EndDate)
	if err != nil {
		return err
	}
	if workingAssets > 0 || workingProducts > 0 {
		log.Debug("Job not drained yet", "working_assets", workingAssets, "working_products", workingProducts)
		return nil
	}

	var chunks []*domain.PostProcessJob
	err = s.db.RunInTx(ctx, func(tx *store.DB) error {
		existing, err := tx.ListPostProcessJobs(job.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			// A previous pass crashed mid-dispatch; pick up its chunks and
			// submit whatever never got a queue job.
			chunks = existing
			return nil
		}
		for index, tiles := range chunkTiles(job.Tiles, s.cfg.ChunkSize) {
			chunk := &domain.PostProcessJob{
				JobID:      job.ID,
				ChunkIndex: index,
				Tiles:      tiles,
				Status:     domain.StatusScheduled,
			}
			if err := tx.CreatePostProcessJob(chunk); err != nil {
				return err
			}
			chunks = append(chunks, chunk)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, chunk := range chunks {
		if chunk.Status != domain.StatusScheduled || chunk.QueueJobID != "" {
			continue
		}
		results, err := s.queue.Submit(ctx, queue.OpExport,
			[][]string{{strconv.FormatInt(chunk.ID, 10)}},
			queue.SubmitOptions{NProc: s.cfg.ChunkSize})
		if err != nil {
			return err
		}
		if len(results) == 0 || results[0].JobID == "" {
			stderr := ""
			if len(results) > 0 {
				stderr = results[0].Stderr
			}
			log.Error("Export submission rejected", "chunk_index", chunk.ChunkIndex, "stderr", stderr)
			s.recordSubmit(queue.OpExport, false)
			if err := s.db.FailPostProcessJob(chunk.ID, "export submission failed: "+stderr); err != nil {
				return err
			}
			continue
		}
		s.recordSubmit(queue.OpExport, true)
		if err := s.db.SetPostProcessQueueJob(chunk.ID, results[0].JobID); err != nil {
			return err
		}
		log.Info("Export chunk dispatched", "chunk_index", chunk.ChunkIndex, "queue_job_id", results[0].JobID)
	}

	// The job moves only after every chunk has been offered to the queue. A
	// crash anywhere above leaves it in-progress, and the next pass re-enters
	// here instead of settleExport declaring untouched chunks dead.
	_, err = s.db.TransitionJob(job.ID, domain.StatusInProgress, domain.StatusPostProcessing)
	return err
}

// settleExport fails chunks whose queue job died and finishes the job once
// no chunk is still working.
func (s *Scheduler) settleExport(ctx context.Context, job *domain.Job) error {
	log := s.log.WithJob(job.ID)

	chunks, err := s.db.ListPostProcessJobs(job.ID)
	if err != nil {
		return err
	}

	working := 0
	anyFailed := false
	for _, chunk := range chunks {
		switch chunk.Status {
		case domain.StatusScheduled, domain.StatusInProgress:
			alive := false
			if chunk.QueueJobID != "" {
				alive, err = s.queue.IsJobAlive(ctx, chunk.QueueJobID)
				if err != nil {
					log.Warn("Liveness probe failed", "queue_job_id", chunk.QueueJobID, "error", err)
					alive = false
				}
			}
			if alive {
				working++
				continue
			}
			log.Warn("Export chunk died", "chunk_index", chunk.ChunkIndex, "queue_job_id", chunk.QueueJobID)
			if err := s.db.FailPostProcessJob(chunk.ID, "export job died"); err != nil {
				return err
			}
			anyFailed = true
		case domain.StatusFailed:
			anyFailed = true
		}
	}

	if working > 0 {
		return nil
	}
	if anyFailed {
		log.Warn("Job failed in export")
		return s.db.FailJob(job.ID, "one or more export chunks failed")
	}
	if len(chunks) == 0 {
		return s.db.FailJob(job.ID, "no export chunks found")
	}
	log.Info("Job complete")
	_, err = s.db.TransitionJob(job.ID, domain.StatusPostProcessing, domain.StatusComplete)
	return err
}

func (s *Scheduler) updateGauges() {
	if s.metrics == nil {
		return
	}
	for _, name := range s.reg.Names() {
		assetCounts, err := s.db.CountAssetsByStatus(name)
		if err == nil {
			for _, sc := range assetCounts {
				s.metrics.SetAssetCount(name, string(sc.Status), sc.Count)
			}
		}
		productCounts, err := s.db.CountProductsByStatus(name)
		if err == nil {
			for _, sc := range productCounts {
				s.metrics.SetProductCount(name, string(sc.Status), sc.Count)
			}
		}
	}
}

func (s *Scheduler) recordSubmit(op queue.Op, ok bool) {
	if s.metrics != nil {
		s.metrics.RecordSubmit(string(op), ok)
	}
}

func argIDs(args [][]string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, tuple := range args {
		if len(tuple) != 1 {
			return nil, fmt.Errorf("unexpected batch tuple %v", tuple)
		}
		id, err := strconv.ParseInt(tuple[0], 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// chunkTiles splits tiles into groups of size chunkSize, zero meaning one
// chunk for everything.
func chunkTiles(tiles []string, chunkSize int) [][]string {
	if len(tiles) == 0 {
		return nil
	}
	if chunkSize <= 0 || chunkSize >= len(tiles) {
		return [][]string{tiles}
	}
	var chunks [][]string
	for start := 0; start < len(tiles); start += chunkSize {
		end := start + chunkSize
		if end > len(tiles) {
			end = len(tiles)
		}
		chunks = append(chunks, tiles[start:end])
	}
	return chunks
}
