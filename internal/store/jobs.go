package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/appliedgeo/gips/internal/domain"
)

const jobColumns = `id, site, driver, product_type, band, tiles, start_date, end_date, status, error, created_at, updated_at`

func (db *DB) CreateJob(job *domain.Job) error {
	query := `INSERT INTO jobs (id, site, driver, product_type, band, tiles, start_date, end_date, status, created_at, updated_at)
		VALUES (:id, :site, :driver, :product_type, :band, :tiles, :start_date, :end_date, :status, :created_at, :updated_at)`

	_, err := db.NamedExec(query, job)
	return err
}

func (db *DB) GetJob(id string) (*domain.Job, error) {
	var job domain.Job
	err := db.Get(&job, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (db *DB) ListJobs(limit int) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := db.Select(&jobs, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	return jobs, err
}

func (db *DB) ListJobsByStatus(status domain.Status) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := db.Select(&jobs, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC`, status)
	return jobs, err
}

// ClaimRequestedJobs atomically flips all requested jobs to initializing and
// returns them, so a racing scheduler pass cannot dispatch the same job twice.
func (db *DB) ClaimRequestedJobs(ctx context.Context) ([]*domain.Job, error) {
	var claimed []*domain.Job
	err := db.RunInTx(ctx, func(tx *DB) error {
		rows, err := tx.Queryx(`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?
			RETURNING `+jobColumns,
			domain.StatusInitializing, time.Now(), domain.StatusRequested)
		if err != nil {
			return err
		}
		defer rows.Close() //nolint:errcheck // deferred cleanup

		for rows.Next() {
			var job domain.Job
			if err := rows.StructScan(&job); err != nil {
				return err
			}
			claimed = append(claimed, &job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// TransitionJob moves a job from an expected status to the next one,
// validating the edge and treating a missed pre-state as a no-op.
func (db *DB) TransitionJob(id string, from, to domain.Status) (bool, error) {
	if err := domain.Advance(from, to); err != nil {
		return false, err
	}
	res, err := db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailJob forces a job to failed regardless of its current status. It is the
// repair path for jobs whose backing work died outside the normal lifecycle.
func (db *DB) FailJob(id string, errMsg string) error {
	_, err := db.Exec(`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status != ?`,
		domain.StatusFailed, errMsg, time.Now(), id, domain.StatusComplete)
	return err
}

func (db *DB) CreatePostProcessJob(ppj *domain.PostProcessJob) error {
	query := `INSERT INTO postprocess_jobs (job_id, chunk_index, tiles, queue_job_id, status, created_at, updated_at)
		VALUES (:job_id, :chunk_index, :tiles, :queue_job_id, :status, :created_at, :updated_at)
		RETURNING id`

	rows, err := db.NamedQuery(query, ppj)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck // deferred cleanup

	if rows.Next() {
		if err := rows.Scan(&ppj.ID); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (db *DB) GetPostProcessJob(id int64) (*domain.PostProcessJob, error) {
	var ppj domain.PostProcessJob
	err := db.Get(&ppj, `SELECT * FROM postprocess_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ppj, nil
}

func (db *DB) ListPostProcessJobs(jobID string) ([]*domain.PostProcessJob, error) {
	var ppjs []*domain.PostProcessJob
	err := db.Select(&ppjs, `SELECT * FROM postprocess_jobs WHERE job_id = ? ORDER BY chunk_index`, jobID)
	return ppjs, err
}

// TransitionPostProcessJob moves a chunk from an expected status to the next
// one with the same no-op semantics as the other transition helpers.
func (db *DB) TransitionPostProcessJob(id int64, from, to domain.Status) (bool, error) {
	if err := domain.Advance(from, to); err != nil {
		return false, err
	}
	res, err := db.Exec(`UPDATE postprocess_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (db *DB) SetPostProcessQueueJob(id int64, queueJobID string) error {
	_, err := db.Exec(`UPDATE postprocess_jobs SET queue_job_id = ?, updated_at = ? WHERE id = ?`,
		queueJobID, time.Now(), id)
	return err
}

// FailPostProcessJob forces a chunk to failed. Used when the liveness check
// finds its backing queue job dead, which bypasses the normal lifecycle.
func (db *DB) FailPostProcessJob(id int64, errMsg string) error {
	_, err := db.Exec(`UPDATE postprocess_jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		domain.StatusFailed, errMsg, time.Now(), id)
	return err
}

// JobStats aggregates terminal job counts for the stats endpoint.
type JobStats struct {
	Total    int `db:"total"`
	Complete int `db:"complete"`
	Failed   int `db:"failed"`
}

func (db *DB) GetJobStats() (*JobStats, error) {
	query := `SELECT
		COUNT(*) as total,
		SUM(CASE WHEN status = 'complete' THEN 1 ELSE 0 END) as complete,
		SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed
	FROM jobs`

	stats := &JobStats{}
	err := db.Get(stats, query)
	return stats, err
}

// StatusCount is one (status, count) pair of an inventory aggregate.
type StatusCount struct {
	Status domain.Status `db:"status" json:"status"`
	Count  int           `db:"count" json:"count"`
}

func (db *DB) CountAssetsByStatus(driver string) ([]StatusCount, error) {
	var counts []StatusCount
	err := db.Select(&counts,
		`SELECT status, COUNT(*) as count FROM assets WHERE driver = ? GROUP BY status ORDER BY status`, driver)
	return counts, err
}

func (db *DB) CountProductsByStatus(driver string) ([]StatusCount, error) {
	var counts []StatusCount
	err := db.Select(&counts,
		`SELECT status, COUNT(*) as count FROM products WHERE driver = ? GROUP BY status ORDER BY status`, driver)
	return counts, err
}
