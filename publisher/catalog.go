package publisher

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net"

	"github.com/lib/pq"

	"github.com/nci/pixetl/tiles"
)

// CatalogSchema creates the provenance table. Kept here so deployments
// and tests share one definition.
const CatalogSchema = `
create table if not exists catalog_records (
	tile_id text primary key,
	storage_uri text not null,
	checksum text not null,
	band_stats jsonb,
	footprint jsonb,
	created_at timestamptz not null
)`

const upsertRecord = `
insert into catalog_records (tile_id, storage_uri, checksum, band_stats, footprint, created_at)
values ($1, $2, $3, $4, $5, $6)
on conflict (tile_id) do update set
	storage_uri = excluded.storage_uri,
	checksum = excluded.checksum,
	band_stats = excluded.band_stats,
	footprint = excluded.footprint,
	created_at = excluded.created_at`

// PgCatalog writes catalog rows through a shared connection pool. Each
// upsert is a single-row transaction keyed by tile identifier, so
// workers do not contend on locks.
type PgCatalog struct {
	DB *sql.DB
}

// OpenCatalog connects to the catalog database and ensures the table
// exists.
func OpenCatalog(dsn string) (*PgCatalog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(CatalogSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &PgCatalog{DB: db}, nil
}

func (c *PgCatalog) Upsert(ctx context.Context, rec *tiles.CatalogRecord) error {
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return err
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, upsertRecord,
		rec.TileID, rec.StorageURI, rec.Checksum, stats, rec.Footprint, rec.CreatedAt)
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Transient treats connection-level failures as retryable and SQL-level
// failures (constraint violations, bad casts) as permanent.
func (c *PgCatalog) Transient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exceptions, class 57: operator intervention
		// (shutdowns, cancellations). Everything else is a logic error.
		class := pqErr.Code.Class()
		return class == "08" || class == "57"
	}
	return false
}

func (c *PgCatalog) Close() error {
	return c.DB.Close()
}
