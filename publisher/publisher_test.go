package publisher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nci/pixetl/grid"
	"github.com/nci/pixetl/source"
	"github.com/nci/pixetl/tiles"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Put(ctx context.Context, key string, body []byte) error {
	if s.failPut != nil {
		return s.failPut
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), body...)
	return nil
}

func (s *memStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memStore) URI(key string) string { return "mem://bucket/" + key }

func (s *memStore) Transient(err error) bool { return false }

type memCatalog struct {
	mu         sync.Mutex
	rows       map[string]*tiles.CatalogRecord
	failUpsert error
}

func newMemCatalog() *memCatalog {
	return &memCatalog{rows: make(map[string]*tiles.CatalogRecord)}
}

func (c *memCatalog) Upsert(ctx context.Context, rec *tiles.CatalogRecord) error {
	if c.failUpsert != nil {
		return c.failUpsert
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[rec.TileID] = rec
	return nil
}

func (c *memCatalog) Transient(err error) bool { return false }

func testTile(value float64) *tiles.Tile {
	data := make([]float64, 16)
	for i := range data {
		data[i] = value
	}
	return &tiles.Tile{
		ID:     "test/0/1_2",
		Coord:  grid.TileCoord{Col: 1, Row: 2},
		Bounds: grid.Extent{MinX: 4, MinY: -12, MaxX: 8, MaxY: -8},
		Size:   4,
		Bands: []tiles.Band{{
			Name: "band_1", DataType: source.Float32, NoData: -1, HasNoData: true, Data: data,
		}},
	}
}

func TestPublishWritesArtifactAndRecord(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	p := NewPublisher(store, catalog, "dataset/v1", "")

	rec, err := p.Publish(context.Background(), testTile(7))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	key := "dataset/v1/test/0/1_2.dat.snp"
	if _, ok := store.objects[key]; !ok {
		t.Fatalf("artifact %s was not written", key)
	}
	if rec.StorageURI != "mem://bucket/"+key {
		t.Errorf("unexpected storage URI %s", rec.StorageURI)
	}
	if rec.Checksum == "" {
		t.Error("record is missing its checksum")
	}
	if len(rec.Stats) != 1 || rec.Stats[0].Mean != 7 || rec.Stats[0].Count != 16 {
		t.Errorf("unexpected band stats %+v", rec.Stats)
	}
	if !strings.Contains(rec.Footprint, "Polygon") {
		t.Errorf("footprint is not a GeoJSON polygon: %s", rec.Footprint)
	}

	row, ok := catalog.rows[rec.TileID]
	if !ok {
		t.Fatal("catalog row was not written")
	}
	if row.Checksum != rec.Checksum {
		t.Error("catalog row checksum does not match the record")
	}
}

func TestPublishIsIdempotentByTileID(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	p := NewPublisher(store, catalog, "", "")

	first, err := p.Publish(context.Background(), testTile(7))
	if err != nil {
		t.Fatalf("first Publish failed: %v", err)
	}
	second, err := p.Publish(context.Background(), testTile(9))
	if err != nil {
		t.Fatalf("second Publish failed: %v", err)
	}

	if len(catalog.rows) != 1 {
		t.Fatalf("expected exactly one catalog row, got %d", len(catalog.rows))
	}
	row := catalog.rows[second.TileID]
	if row.Checksum != second.Checksum {
		t.Error("catalog row does not reflect the latest publish")
	}
	if first.Checksum == second.Checksum {
		t.Error("different pixel content should produce different checksums")
	}
	if len(store.objects) != 1 {
		t.Errorf("expected one overwritten artifact, got %d objects", len(store.objects))
	}
}

func TestPublishRepeatSameContentSameChecksum(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	p := NewPublisher(store, catalog, "", "")

	first, err := p.Publish(context.Background(), testTile(7))
	if err != nil {
		t.Fatalf("first Publish failed: %v", err)
	}
	second, err := p.Publish(context.Background(), testTile(7))
	if err != nil {
		t.Fatalf("second Publish failed: %v", err)
	}
	if first.Checksum != second.Checksum {
		t.Error("identical tiles must encode to identical checksums")
	}
}

func TestPublishErrorDistinguishesLayers(t *testing.T) {
	ctx := context.Background()

	store := newMemStore()
	store.failPut = errors.New("access denied")
	p := NewPublisher(store, newMemCatalog(), "", "")
	_, err := p.Publish(ctx, testTile(1))
	var pubErr *PublishError
	if !errors.As(err, &pubErr) || pubErr.Kind != KindStorage {
		t.Errorf("expected a storage-kind PublishError, got %v", err)
	}

	catalog := newMemCatalog()
	catalog.failUpsert = errors.New("relation does not exist")
	p = NewPublisher(newMemStore(), catalog, "", "")
	_, err = p.Publish(ctx, testTile(1))
	if !errors.As(err, &pubErr) || pubErr.Kind != KindCatalog {
		t.Errorf("expected a catalog-kind PublishError, got %v", err)
	}
}

func TestExists(t *testing.T) {
	store := newMemStore()
	p := NewPublisher(store, newMemCatalog(), "", "")

	ok, err := p.Exists(context.Background(), "test/0/1_2")
	if err != nil || ok {
		t.Errorf("expected not to exist, got %v, %v", ok, err)
	}
	if _, err := p.Publish(context.Background(), testTile(1)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	ok, err = p.Exists(context.Background(), "test/0/1_2")
	if err != nil || !ok {
		t.Errorf("expected to exist after publish, got %v, %v", ok, err)
	}
}
