// Package publisher writes finished tiles to object storage and records
// their provenance in the relational catalog. Publishing is idempotent
// by tile identifier: re-publishing overwrites the prior artifact and
// upserts the catalog row, never accumulating duplicates.
package publisher

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	geo "github.com/nci/geometry"
	"github.com/nci/gomemcache/memcache"

	"github.com/nci/pixetl/grid"
	"github.com/nci/pixetl/tiles"
)

const (
	KindStorage = "storage"
	KindCatalog = "catalog"
)

// PublishError distinguishes storage-layer from catalog-layer failures
// so callers can decide what to retry.
type PublishError struct {
	Kind      string
	Key       string
	Transient bool
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %s layer: %v", e.Key, e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// IsTransient reports whether the failure is worth retrying.
func (e *PublishError) IsTransient() bool { return e.Transient }

// PublishKind returns which layer failed, storage or catalog.
func (e *PublishError) PublishKind() string { return e.Kind }

// ObjectStore is the object storage collaborator. Put must overwrite
// existing keys.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	// URI renders the addressable location of a key.
	URI(key string) string
	// Transient classifies a Put/Exists failure as retryable or not.
	Transient(err error) bool
}

// CatalogStore upserts provenance rows keyed by tile identifier.
type CatalogStore interface {
	Upsert(ctx context.Context, rec *tiles.CatalogRecord) error
	Transient(err error) bool
}

// Publisher writes tile artifacts and catalog rows. The artifact is
// always written before the catalog row, so a row never exists without
// a complete artifact behind it.
type Publisher struct {
	Store   ObjectStore
	Catalog CatalogStore
	Prefix  string

	// cache remembers positive Exists answers so overwrite=false runs
	// do not head the store once per tile on re-runs.
	cache *memcache.Client
}

func NewPublisher(store ObjectStore, catalog CatalogStore, prefix string, memcacheURI string) *Publisher {
	p := &Publisher{Store: store, Catalog: catalog, Prefix: prefix}
	if memcacheURI != "" {
		p.cache = memcache.New(memcacheURI)
	}
	return p
}

// Key maps a tile identifier onto its object storage key.
func (p *Publisher) Key(tileID string) string {
	if p.Prefix == "" {
		return tileID + ".dat.snp"
	}
	return p.Prefix + "/" + tileID + ".dat.snp"
}

// Publish writes the tile artifact and upserts its catalog row,
// returning the record written. Safe to retry.
func (p *Publisher) Publish(ctx context.Context, t *tiles.Tile) (*tiles.CatalogRecord, error) {
	key := p.Key(t.ID)

	body, err := t.Encode()
	if err != nil {
		return nil, &PublishError{Kind: KindStorage, Key: key, Err: err}
	}
	sum := md5.Sum(body)

	if err := p.Store.Put(ctx, key, body); err != nil {
		return nil, &PublishError{Kind: KindStorage, Key: key, Transient: p.Store.Transient(err), Err: err}
	}

	rec := &tiles.CatalogRecord{
		TileID:     t.ID,
		StorageURI: p.Store.URI(key),
		Checksum:   hex.EncodeToString(sum[:]),
		Footprint:  footprintGeoJSON(t.Bounds),
		CreatedAt:  time.Now().UTC(),
	}
	for i := range t.Bands {
		rec.Stats = append(rec.Stats, t.Bands[i].Stats())
	}

	if err := p.Catalog.Upsert(ctx, rec); err != nil {
		return nil, &PublishError{Kind: KindCatalog, Key: key, Transient: p.Catalog.Transient(err), Err: err}
	}

	p.cacheExists(key)
	return rec, nil
}

// Exists reports whether a tile artifact is already in the store.
func (p *Publisher) Exists(ctx context.Context, tileID string) (bool, error) {
	key := p.Key(tileID)
	if p.cache != nil {
		if cached, err := p.cache.Get(cacheKey(key)); err == nil && len(cached.Value) > 0 {
			return true, nil
		}
	}
	ok, err := p.Store.Exists(ctx, key)
	if err != nil {
		return false, &PublishError{Kind: KindStorage, Key: key, Transient: p.Store.Transient(err), Err: err}
	}
	if ok {
		p.cacheExists(key)
	}
	return ok, nil
}

func (p *Publisher) cacheExists(key string) {
	if p.cache == nil {
		return
	}
	p.cache.Set(&memcache.Item{Key: cacheKey(key), Value: []byte("1")})
}

func cacheKey(key string) string {
	buff := md5.Sum([]byte(key))
	return hex.EncodeToString(buff[:])
}

// footprintGeoJSON renders the tile bounds as a GeoJSON feature for the
// catalog's footprint column.
func footprintGeoJSON(e grid.Extent) string {
	raw := fmt.Sprintf(
		`{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[%g,%g],[%g,%g],[%g,%g],[%g,%g],[%g,%g]]]}}`,
		e.MinX, e.MinY, e.MaxX, e.MinY, e.MaxX, e.MaxY, e.MinX, e.MaxY, e.MinX, e.MinY,
	)
	var feat geo.Feature
	if err := json.Unmarshal([]byte(raw), &feat); err != nil {
		return raw
	}
	out, err := json.Marshal(&feat)
	if err != nil {
		return raw
	}
	return string(out)
}
