package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/appliedgeo/gips/internal/domain"
)

const assetColumns = `id, driver, asset_type, tile, date, sensor, name, status, retries, queue_job_id, error, created_at, updated_at`

func (db *DB) CreateAsset(asset *domain.Asset) error {
	query := `INSERT INTO assets (driver, asset_type, tile, date, sensor, name, status, retries, queue_job_id, created_at, updated_at)
		VALUES (:driver, :asset_type, :tile, :date, :sensor, :name, :status, :retries, :queue_job_id, :created_at, :updated_at)
		RETURNING id`

	rows, err := db.NamedQuery(query, asset)
	if err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}
	defer rows.Close() //nolint:errcheck // deferred cleanup

	if rows.Next() {
		if err := rows.Scan(&asset.ID); err != nil {
			return fmt.Errorf("failed to scan asset id: %w", err)
		}
	}
	return rows.Err()
}

func (db *DB) GetAsset(id int64) (*domain.Asset, error) {
	var asset domain.Asset
	err := db.Get(&asset, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// GetAssetByKey returns the asset for a natural key, or nil when absent.
func (db *DB) GetAssetByKey(driver, assetType, tile string, date domain.Day) (*domain.Asset, error) {
	var asset domain.Asset
	err := db.Get(&asset,
		`SELECT `+assetColumns+` FROM assets WHERE driver = ? AND asset_type = ? AND tile = ? AND date = ?`,
		driver, assetType, tile, date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

func (db *DB) ListAssets(driver string, status domain.Status, limit int) ([]*domain.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE 1=1`
	args := []interface{}{}
	if driver != "" {
		query += ` AND driver = ?`
		args = append(args, driver)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	var assets []*domain.Asset
	err := db.Select(&assets, query, args...)
	return assets, err
}

// TransitionAsset moves an asset from an expected status to the next one. It
// validates the edge against the status model and returns false without error
// when the row is no longer in the expected status, so duplicate or late
// dispatches degrade to no-ops.
func (db *DB) TransitionAsset(id int64, from, to domain.Status) (bool, error) {
	if err := domain.Advance(from, to); err != nil {
		return false, err
	}
	res, err := db.Exec(`UPDATE assets SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkAssetComplete records the archived file and sensor for a fetched asset.
func (db *DB) MarkAssetComplete(id int64, name, sensor string) error {
	ok, err := db.transitionAssetWith(id, domain.StatusInProgress, domain.StatusComplete,
		`name = ?, sensor = ?, error = NULL`, name, sensor)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("asset %d not in-progress", id)
	}
	return nil
}

func (db *DB) MarkAssetRetry(id int64, errMsg string) error {
	_, err := db.transitionAssetWith(id, domain.StatusInProgress, domain.StatusRetry, `error = ?`, errMsg)
	return err
}

func (db *DB) MarkAssetFailed(id int64, errMsg string) error {
	_, err := db.transitionAssetWith(id, domain.StatusInProgress, domain.StatusFailed, `error = ?`, errMsg)
	return err
}

func (db *DB) transitionAssetWith(id int64, from, to domain.Status, set string, setArgs ...interface{}) (bool, error) {
	if err := domain.Advance(from, to); err != nil {
		return false, err
	}
	args := append([]interface{}{to, time.Now()}, setArgs...)
	args = append(args, id, from)
	res, err := db.Exec(`UPDATE assets SET status = ?, updated_at = ?, `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RequestAsset creates an asset row in requested status, or re-marks an
// existing one requested. Without force, rows already scheduled, in-progress
// or complete are left alone; force overrides that guard. Returns whether the
// row ended up in requested status.
func (db *DB) RequestAsset(driver, assetType, tile string, date domain.Day, force bool) (bool, error) {
	existing, err := db.GetAssetByKey(driver, assetType, tile, date)
	if err != nil {
		return false, err
	}

	now := time.Now()
	if existing == nil {
		asset := &domain.Asset{
			Driver:    driver,
			AssetType: assetType,
			Tile:      tile,
			Date:      date,
			Status:    domain.StatusRequested,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return true, db.CreateAsset(asset)
	}

	if existing.Status == domain.StatusRequested {
		return true, nil
	}

	query := `UPDATE assets SET status = ?, queue_job_id = '', error = NULL, updated_at = ? WHERE id = ?`
	args := []interface{}{domain.StatusRequested, now, existing.ID}
	if !force {
		query += ` AND status NOT IN (?, ?, ?)`
		args = append(args, domain.StatusScheduled, domain.StatusInProgress, domain.StatusComplete)
	}
	res, err := db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimRequestedAssets atomically flips up to limit requested assets of one
// driver to scheduled and returns them, ordered by id for determinism. Two
// concurrent scheduler passes can never claim the same row: the claim is a
// single UPDATE over a status-filtered id set.
func (db *DB) ClaimRequestedAssets(ctx context.Context, driver string, limit int) ([]*domain.Asset, error) {
	var claimed []*domain.Asset
	err := db.RunInTx(ctx, func(tx *DB) error {
		rows, err := tx.Queryx(`UPDATE assets SET status = ?, updated_at = ?
			WHERE id IN (SELECT id FROM assets WHERE driver = ? AND status = ? ORDER BY id LIMIT ?)
			RETURNING `+assetColumns,
			domain.StatusScheduled, time.Now(), driver, domain.StatusRequested, limit)
		if err != nil {
			return err
		}
		defer rows.Close() //nolint:errcheck // deferred cleanup

		for rows.Next() {
			var asset domain.Asset
			if err := rows.StructScan(&asset); err != nil {
				return err
			}
			claimed = append(claimed, &asset)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (db *DB) SetAssetQueueJob(ids []int64, queueJobID string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE assets SET queue_job_id = ?, updated_at = ? WHERE id IN (?)`,
		queueJobID, time.Now(), ids)
	if err != nil {
		return err
	}
	_, err = db.Exec(db.Rebind(query), args...)
	return err
}

// LastAssetQueueJobID returns the most recently assigned queue job id among a
// driver's working assets, used for the at-most-one-fetch-batch liveness check.
func (db *DB) LastAssetQueueJobID(driver string) (string, error) {
	var id string
	err := db.Get(&id, `SELECT queue_job_id FROM assets
		WHERE driver = ? AND queue_job_id != '' AND status IN (?, ?, ?)
		ORDER BY updated_at DESC, id DESC LIMIT 1`,
		driver, domain.StatusScheduled, domain.StatusInProgress, domain.StatusRetry)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// RepairStuckAssets requeues a driver's working assets whose backing queue job
// is dead: under the retry budget they re-enter requested with the counter
// incremented, past it they are failed for good. Returns (requeued, failed).
func (db *DB) RepairStuckAssets(ctx context.Context, driver string, maxRetries int) (int64, int64, error) {
	var requeued, failed int64
	err := db.RunInTx(ctx, func(tx *DB) error {
		now := time.Now()
		res, err := tx.Exec(`UPDATE assets SET status = ?, error = 'retry budget exhausted', updated_at = ?
			WHERE driver = ? AND status IN (?, ?, ?) AND retries >= ?`,
			domain.StatusFailed, now,
			driver, domain.StatusScheduled, domain.StatusInProgress, domain.StatusRetry, maxRetries)
		if err != nil {
			return err
		}
		if failed, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.Exec(`UPDATE assets SET status = ?, retries = retries + 1, queue_job_id = '', updated_at = ?
			WHERE driver = ? AND status IN (?, ?, ?)`,
			domain.StatusRequested, now,
			driver, domain.StatusScheduled, domain.StatusInProgress, domain.StatusRetry)
		if err != nil {
			return err
		}
		requeued, err = res.RowsAffected()
		return err
	})
	return requeued, failed, err
}

// CountSatisfyingAssets counts assets of one type able to satisfy a product
// dependency for a (driver, tile, date), using the optimistic satisfying set.
func (db *DB) CountSatisfyingAssets(driver, assetType, tile string, date domain.Day) (int, error) {
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM assets
		WHERE driver = ? AND asset_type = ? AND tile = ? AND date = ? AND status IN (?)`,
		driver, assetType, tile, date.String(), domain.SatisfyingStatusStrings())
	if err != nil {
		return 0, err
	}
	var count int
	err = db.Get(&count, db.Rebind(query), args...)
	return count, err
}

// CountWorkingAssets counts a job's assets still in a working status, scoped
// to the asset types its product depends on.
func (db *DB) CountWorkingAssets(driver string, assetTypes, tiles []string, start, end domain.Day) (int, error) {
	if len(assetTypes) == 0 || len(tiles) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM assets
		WHERE driver = ? AND asset_type IN (?) AND tile IN (?) AND date >= ? AND date <= ? AND status IN (?)`,
		driver, assetTypes, tiles, start.String(), end.String(), domain.WorkingStatusStrings())
	if err != nil {
		return 0, err
	}
	var count int
	err = db.Get(&count, db.Rebind(query), args...)
	return count, err
}

// assetRow is the minimal projection rectify diffs against the archive.
type assetRow struct {
	ID        int64      `db:"id"`
	AssetType string     `db:"asset_type"`
	Tile      string     `db:"tile"`
	Date      domain.Day `db:"date"`
}

func (db *DB) listAssetRows(driver string) ([]assetRow, error) {
	var rows []assetRow
	err := db.Select(&rows, `SELECT id, asset_type, tile, date FROM assets WHERE driver = ?`, driver)
	return rows, err
}

func (db *DB) deleteAssets(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM assets WHERE id IN (?)`, ids)
	if err != nil {
		return err
	}
	_, err = db.Exec(db.Rebind(query), args...)
	return err
}
