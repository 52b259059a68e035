package processor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nci/pixetl/grid"
	"github.com/nci/pixetl/publisher"
	"github.com/nci/pixetl/source"
	"github.com/nci/pixetl/tiles"
	"github.com/nci/pixetl/utils"
)

// fakePublisher records published tiles in memory and can be programmed
// to fail.
type fakePublisher struct {
	mu       sync.Mutex
	records  map[string]*tiles.CatalogRecord
	tiles    map[string]*tiles.Tile
	calls    map[string]int
	existing map[string]bool

	// transientFailures fails the first n publish attempts per tile with
	// a retryable error.
	transientFailures int
	// failAfter permanently fails every publish after n successes.
	failAfter int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		records:   make(map[string]*tiles.CatalogRecord),
		tiles:     make(map[string]*tiles.Tile),
		calls:     make(map[string]int),
		existing:  make(map[string]bool),
		failAfter: -1,
	}
}

func (f *fakePublisher) Publish(ctx context.Context, t *tiles.Tile) (*tiles.CatalogRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[t.ID]++
	if f.calls[t.ID] <= f.transientFailures {
		return nil, &publisher.PublishError{Kind: publisher.KindStorage, Key: t.ID, Transient: true, Err: errors.New("simulated transient storage failure")}
	}
	if f.failAfter >= 0 && len(f.records) >= f.failAfter {
		return nil, &publisher.PublishError{Kind: publisher.KindStorage, Key: t.ID, Err: errors.New("simulated permanent storage failure")}
	}
	rec := &tiles.CatalogRecord{TileID: t.ID, StorageURI: "mem://" + t.ID, CreatedAt: time.Now()}
	f.records[t.ID] = rec
	f.tiles[t.ID] = t
	return rec, nil
}

func (f *fakePublisher) Exists(ctx context.Context, tileID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[tileID], nil
}

// testSource builds a square dataset at 10 units per pixel anchored at
// (0, 0), all pixels valid with value 7 unless masked.
func testSource(t *testing.T, sizePx int, maskQuadrant bool) *source.MemDataset {
	t.Helper()
	desc := source.Descriptor{
		URI:    "mem://src",
		CRS:    "EPSG:4326",
		Bounds: grid.Extent{MinX: 0, MinY: -float64(sizePx) * 10, MaxX: float64(sizePx) * 10, MaxY: 0},
		ResX:   10,
		ResY:   10,
		Width:  sizePx,
		Height: sizePx,
		Bands: []source.BandDescriptor{
			{Name: "band_1", DataType: source.Float32, NoData: -1, HasNoData: true},
		},
	}
	data := make([]float64, sizePx*sizePx)
	for i := range data {
		data[i] = 7
	}
	if maskQuadrant {
		// Lower-right quadrant is all nodata.
		for row := sizePx / 2; row < sizePx; row++ {
			for col := sizePx / 2; col < sizePx; col++ {
				data[row*sizePx+col] = -1
			}
		}
	}
	ds, err := source.NewMemDataset(desc, [][]float64{data})
	if err != nil {
		t.Fatalf("NewMemDataset failed: %v", err)
	}
	return ds
}

func testGrid(t *testing.T) *grid.Grid {
	t.Helper()
	g, err := grid.New("test", "EPSG:4326", 0, 0, 256, 10, 3,
		grid.Extent{MinX: 0, MinY: -102400, MaxX: 102400, MaxY: 0})
	if err != nil {
		t.Fatalf("failed to build grid: %v", err)
	}
	return g
}

func testConfig() *utils.JobConfig {
	cfg := &utils.JobConfig{
		SourceURI: "mem://src",
		GridName:  "test",
		Bands:     []utils.BandConfig{{Resampling: "nearest"}},
		Workers:   4,
		Overwrite: true,
	}
	cfg.ApplyDefaults()
	return cfg
}

func initPipeline(t *testing.T, src source.Dataset, pub TilePublisher, cfg *utils.JobConfig) *TilePipeline {
	t.Helper()
	dp, err := InitTilePipeline(context.Background(), src, testGrid(t), pub, cfg)
	if err != nil {
		t.Fatalf("InitTilePipeline failed: %v", err)
	}
	dp.RetryInitialInterval = time.Millisecond
	return dp
}

func TestPipelineProducesExpectedTiles(t *testing.T) {
	// A 512x512 source at 10 units per pixel on a 256px grid at the
	// same resolution must produce exactly 4 tiles.
	pub := newFakePublisher()
	dp := initPipeline(t, testSource(t, 512, false), pub, testConfig())

	manifest, err := dp.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if manifest.Done != 4 || manifest.Failed != 0 {
		t.Fatalf("expected 4 done and 0 failed, got %d done %d failed %d skipped",
			manifest.Done, manifest.Failed, manifest.Skipped)
	}

	var ids []string
	for id := range pub.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	expected := []string{"test/3/0_0", "test/3/0_1", "test/3/1_0", "test/3/1_1"}
	if diff := cmp.Diff(expected, ids); diff != "" {
		t.Errorf("unexpected published tiles (-want +got):\n%s", diff)
	}
}

func TestPipelineSkipsFullyNoDataTiles(t *testing.T) {
	pub := newFakePublisher()
	dp := initPipeline(t, testSource(t, 512, true), pub, testConfig())

	manifest, err := dp.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if manifest.Done != 3 || manifest.Skipped != 1 {
		t.Fatalf("expected 3 done and 1 skipped, got %d done %d skipped", manifest.Done, manifest.Skipped)
	}
	if _, ok := pub.records["test/3/1_1"]; ok {
		t.Error("the all-nodata tile must never be published")
	}
}

func TestPipelineRetriesTransientPublish(t *testing.T) {
	pub := newFakePublisher()
	pub.transientFailures = 1

	cfg := testConfig()
	dp := initPipeline(t, testSource(t, 256, false), pub, cfg)

	manifest, err := dp.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if manifest.Done != 1 || manifest.Failed != 0 {
		t.Fatalf("expected the tile to succeed on retry, got %+v", manifest)
	}
	if len(pub.records) != 1 {
		t.Errorf("expected exactly one catalog record, got %d", len(pub.records))
	}
	if pub.calls["test/3/0_0"] != 2 {
		t.Errorf("expected 2 publish attempts, got %d", pub.calls["test/3/0_0"])
	}
}

func TestPipelineRetryExhaustionFailsTileOnly(t *testing.T) {
	pub := newFakePublisher()
	pub.transientFailures = 100

	cfg := testConfig()
	cfg.RetryLimit = 2
	// Threshold high enough that the single failure does not abort.
	cfg.FailureRateThreshold = 1.0
	dp := initPipeline(t, testSource(t, 512, false), pub, cfg)

	manifest, err := dp.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if manifest.Failed != 4 {
		t.Fatalf("expected all 4 tiles to fail after retry exhaustion, got %d", manifest.Failed)
	}
	for _, e := range manifest.Entries {
		if e.Status != StatusFailed {
			continue
		}
		if e.ErrKind != "publish_storage" {
			t.Errorf("tile %s: expected error kind publish_storage, got %s", e.TileID, e.ErrKind)
		}
	}
}

func TestPipelineAbortsOnFailureRateThreshold(t *testing.T) {
	pub := newFakePublisher()
	pub.failAfter = 2 // two tiles succeed, the rest fail permanently

	cfg := testConfig()
	cfg.Workers = 2
	cfg.FailureRateThreshold = 0.5
	dp := initPipeline(t, testSource(t, 1024, false), pub, cfg) // 16 tiles
	dp.MinAbortSamples = 4

	manifest, err := dp.Run()
	var aborted *JobAbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("expected JobAbortedError, got %v", err)
	}
	if aborted.FailureRate <= aborted.Threshold {
		t.Errorf("reported failure rate %v does not exceed threshold %v", aborted.FailureRate, aborted.Threshold)
	}

	// Already-DONE tiles stay published and queryable.
	if len(pub.records) != manifest.Done {
		t.Errorf("%d records for %d done tiles", len(pub.records), manifest.Done)
	}
	for id := range pub.records {
		if ok, _ := pub.Exists(context.Background(), id); !ok {
			t.Errorf("published tile %s is no longer queryable", id)
		}
	}

	// Every seeded tile is accounted for in the manifest.
	accounted := manifest.Done + manifest.Failed + manifest.Skipped + manifest.Pending
	if accounted != len(manifest.Entries) {
		t.Errorf("manifest counts %d do not match %d entries", accounted, len(manifest.Entries))
	}
}

func TestPipelineSkipsExistingTilesWithoutOverwrite(t *testing.T) {
	pub := newFakePublisher()
	for _, id := range []string{"test/3/0_0", "test/3/0_1", "test/3/1_0", "test/3/1_1"} {
		pub.existing[id] = true
	}

	cfg := testConfig()
	cfg.Overwrite = false
	dp := initPipeline(t, testSource(t, 512, false), pub, cfg)

	manifest, err := dp.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if manifest.Skipped != 4 || manifest.Done != 0 {
		t.Fatalf("expected all tiles skipped, got %+v", manifest)
	}
	if len(pub.records) != 0 {
		t.Errorf("no tiles should have been published, got %d", len(pub.records))
	}
}

func TestPipelineAppliesCalcExpression(t *testing.T) {
	pub := newFakePublisher()

	cfg := testConfig()
	cfg.Bands[0].Calc = "A * 100 + 1"
	dp := initPipeline(t, testSource(t, 256, false), pub, cfg)

	manifest, err := dp.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if manifest.Done != 1 {
		t.Fatalf("expected 1 tile, got %+v", manifest)
	}
	tile, ok := pub.tiles["test/3/0_0"]
	if !ok {
		t.Fatal("tile was not published")
	}
	// Source pixels are 7 everywhere, so calc must yield 701.
	for i, v := range tile.Bands[0].Data {
		if v != 701 {
			t.Fatalf("pixel %d: expected 701 after calc, got %v", i, v)
		}
	}
}

func TestPipelineSubsetRestrictsTiles(t *testing.T) {
	pub := newFakePublisher()

	cfg := testConfig()
	cfg.Subset = []string{"test/3/1_1"}
	dp := initPipeline(t, testSource(t, 512, false), pub, cfg)

	manifest, err := dp.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if manifest.Done != 1 {
		t.Fatalf("expected only the subset tile, got %+v", manifest)
	}
	if _, ok := pub.records["test/3/1_1"]; !ok {
		t.Error("subset tile was not published")
	}
}

func TestInitTilePipelineBandCountMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.Bands = append(cfg.Bands, utils.BandConfig{Resampling: "nearest"})
	_, err := InitTilePipeline(context.Background(), testSource(t, 256, false), testGrid(t), newFakePublisher(), cfg)
	var confErr *utils.ConfigurationError
	if !errors.As(err, &confErr) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
}
