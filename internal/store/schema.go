package store

const Schema = `
CREATE TABLE IF NOT EXISTS assets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	driver TEXT NOT NULL,
	asset_type TEXT NOT NULL,
	tile TEXT NOT NULL,
	date TEXT NOT NULL,
	sensor TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	queue_job_id TEXT NOT NULL DEFAULT '',
	error TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,

	UNIQUE (driver, asset_type, tile, date)
);

CREATE INDEX IF NOT EXISTS idx_assets_status ON assets(driver, status);
CREATE INDEX IF NOT EXISTS idx_assets_tile_date ON assets(driver, tile, date);

CREATE TABLE IF NOT EXISTS products (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	driver TEXT NOT NULL,
	product_type TEXT NOT NULL,
	tile TEXT NOT NULL,
	date TEXT NOT NULL,
	sensor TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	queue_job_id TEXT NOT NULL DEFAULT '',
	error TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,

	UNIQUE (driver, product_type, tile, date)
);

CREATE INDEX IF NOT EXISTS idx_products_status ON products(driver, status);
CREATE INDEX IF NOT EXISTS idx_products_tile_date ON products(driver, tile, date);

-- Which assets a product was built from
CREATE TABLE IF NOT EXISTS product_assets (
	product_id INTEGER NOT NULL,
	asset_id INTEGER NOT NULL,

	PRIMARY KEY (product_id, asset_id),
	FOREIGN KEY (product_id) REFERENCES products(id) ON DELETE CASCADE,
	FOREIGN KEY (asset_id) REFERENCES assets(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	site TEXT NOT NULL,
	driver TEXT NOT NULL,
	product_type TEXT NOT NULL,
	band TEXT NOT NULL DEFAULT '',
	tiles TEXT NOT NULL,
	start_date TEXT NOT NULL,
	end_date TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS postprocess_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	tiles TEXT NOT NULL,
	queue_job_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,

	UNIQUE (job_id, chunk_index),
	FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_postprocess_jobs_job ON postprocess_jobs(job_id, status);
`
