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

const productColumns = `id, driver, product_type, tile, date, sensor, name, status, retries, queue_job_id, error, created_at, updated_at`

func (db *DB) CreateProduct(product *domain.Product) error {
	query := `INSERT INTO products (driver, product_type, tile, date, sensor, name, status, retries, queue_job_id, created_at, updated_at)
		VALUES (:driver, :product_type, :tile, :date, :sensor, :name, :status, :retries, :queue_job_id, :created_at, :updated_at)
		RETURNING id`

	rows, err := db.NamedQuery(query, product)
	if err != nil {
		return fmt.Errorf("failed to create product: %w", err)
	}
	defer rows.Close() //nolint:errcheck // deferred cleanup

	if rows.Next() {
		if err := rows.Scan(&product.ID); err != nil {
			return fmt.Errorf("failed to scan product id: %w", err)
		}
	}
	return rows.Err()
}

func (db *DB) GetProduct(id int64) (*domain.Product, error) {
	var product domain.Product
	err := db.Get(&product, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductByKey returns the product for a natural key, or nil when absent.
func (db *DB) GetProductByKey(driver, productType, tile string, date domain.Day) (*domain.Product, error) {
	var product domain.Product
	err := db.Get(&product,
		`SELECT `+productColumns+` FROM products WHERE driver = ? AND product_type = ? AND tile = ? AND date = ?`,
		driver, productType, tile, date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (db *DB) ListProducts(driver string, status domain.Status, limit int) ([]*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE 1=1`
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

	var products []*domain.Product
	err := db.Select(&products, query, args...)
	return products, err
}

// ListRequestedProducts returns a driver's requested products ordered by id,
// for the dependency-gated claim in schedule_process.
func (db *DB) ListRequestedProducts(driver string, limit int) ([]*domain.Product, error) {
	var products []*domain.Product
	err := db.Select(&products,
		`SELECT `+productColumns+` FROM products WHERE driver = ? AND status = ? ORDER BY id LIMIT ?`,
		driver, domain.StatusRequested, limit)
	return products, err
}

// RequestProduct creates a product row in requested status, or re-marks an
// existing one requested with the same working-status guard as RequestAsset.
func (db *DB) RequestProduct(driver, productType, tile string, date domain.Day, force bool) (bool, error) {
	existing, err := db.GetProductByKey(driver, productType, tile, date)
	if err != nil {
		return false, err
	}

	now := time.Now()
	if existing == nil {
		product := &domain.Product{
			Driver:      driver,
			ProductType: productType,
			Tile:        tile,
			Date:        date,
			Status:      domain.StatusRequested,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return true, db.CreateProduct(product)
	}

	if existing.Status == domain.StatusRequested {
		return true, nil
	}

	query := `UPDATE products SET status = ?, queue_job_id = '', error = NULL, updated_at = ? WHERE id = ?`
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

// ClaimProducts flips the given products from requested to scheduled and
// returns the subset actually claimed. Rows that changed status since they
// were selected are silently skipped, so racing passes stay disjoint.
func (db *DB) ClaimProducts(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var claimed []int64
	err := db.RunInTx(ctx, func(tx *DB) error {
		query, args, err := sqlx.In(`UPDATE products SET status = ?, updated_at = ?
			WHERE id IN (?) AND status = ? RETURNING id`,
			domain.StatusScheduled, time.Now(), ids, domain.StatusRequested)
		if err != nil {
			return err
		}
		rows, err := tx.Queryx(tx.Rebind(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close() //nolint:errcheck // deferred cleanup

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			claimed = append(claimed, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseProducts puts claimed but undispatched products back in requested so
// a later pass can claim them again. Like the other repair paths it bypasses
// the status model; only rows still in scheduled are touched.
func (db *DB) ReleaseProducts(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE products SET status = ?, queue_job_id = '', updated_at = ?
		WHERE id IN (?) AND status = ?`,
		domain.StatusRequested, time.Now(), ids, domain.StatusScheduled)
	if err != nil {
		return err
	}
	_, err = db.Exec(db.Rebind(query), args...)
	return err
}

// TransitionProduct moves a product from an expected status to the next one,
// validating the edge and treating a missed pre-state as a no-op.
func (db *DB) TransitionProduct(id int64, from, to domain.Status) (bool, error) {
	if err := domain.Advance(from, to); err != nil {
		return false, err
	}
	res, err := db.Exec(`UPDATE products SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkProductComplete records the produced file for a processed product.
func (db *DB) MarkProductComplete(id int64, name string) error {
	if err := domain.Advance(domain.StatusInProgress, domain.StatusComplete); err != nil {
		return err
	}
	res, err := db.Exec(`UPDATE products SET status = ?, name = ?, error = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		domain.StatusComplete, name, time.Now(), id, domain.StatusInProgress)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("product %d not in-progress", id)
	}
	return nil
}

func (db *DB) MarkProductFailed(id int64, errMsg string) error {
	if err := domain.Advance(domain.StatusInProgress, domain.StatusFailed); err != nil {
		return err
	}
	_, err := db.Exec(`UPDATE products SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		domain.StatusFailed, errMsg, time.Now(), id, domain.StatusInProgress)
	return err
}

func (db *DB) SetProductQueueJob(ids []int64, queueJobID string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE products SET queue_job_id = ?, updated_at = ? WHERE id IN (?)`,
		queueJobID, time.Now(), ids)
	if err != nil {
		return err
	}
	_, err = db.Exec(db.Rebind(query), args...)
	return err
}

// LinkProductAssets records which assets a product was built from.
func (db *DB) LinkProductAssets(productID int64, assetIDs []int64) error {
	for _, assetID := range assetIDs {
		if _, err := db.Exec(`INSERT OR IGNORE INTO product_assets (product_id, asset_id) VALUES (?, ?)`,
			productID, assetID); err != nil {
			return err
		}
	}
	return nil
}

// ProductAssetIDs returns the ids of the assets a product was built from.
func (db *DB) ProductAssetIDs(productID int64) ([]int64, error) {
	var ids []int64
	err := db.Select(&ids, `SELECT asset_id FROM product_assets WHERE product_id = ? ORDER BY asset_id`, productID)
	return ids, err
}

// CountWorkingProducts counts a job's products still in a working status.
func (db *DB) CountWorkingProducts(driver, productType string, tiles []string, start, end domain.Day) (int, error) {
	if len(tiles) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM products
		WHERE driver = ? AND product_type = ? AND tile IN (?) AND date >= ? AND date <= ? AND status IN (?)`,
		driver, productType, tiles, start.String(), end.String(), domain.WorkingStatusStrings())
	if err != nil {
		return 0, err
	}
	var count int
	err = db.Get(&count, db.Rebind(query), args...)
	return count, err
}

type productRow struct {
	ID          int64      `db:"id"`
	ProductType string     `db:"product_type"`
	Tile        string     `db:"tile"`
	Date        domain.Day `db:"date"`
}

func (db *DB) listProductRows(driver string) ([]productRow, error) {
	var rows []productRow
	err := db.Select(&rows, `SELECT id, product_type, tile, date FROM products WHERE driver = ?`, driver)
	return rows, err
}

func (db *DB) deleteProducts(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM products WHERE id IN (?)`, ids)
	if err != nil {
		return err
	}
	_, err = db.Exec(db.Rebind(query), args...)
	return err
}
