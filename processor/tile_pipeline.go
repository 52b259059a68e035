package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	goeval "github.com/edisonguo/govaluate"

	"github.com/nci/pixetl/grid"
	"github.com/nci/pixetl/metrics"
	"github.com/nci/pixetl/source"
	"github.com/nci/pixetl/utils"
	"github.com/nci/pixetl/warp"
)

const defaultMinAbortSamples = 10

// TilePipeline drives a whole job: it seeds tile coordinates from the
// grid, fans tile production out across a bounded worker pool and
// collects a manifest of every tile's terminal status. The source
// dataset and grid are shared read-only across workers; the publisher is
// the only shared sink.
type TilePipeline struct {
	Context   context.Context
	Source    source.Dataset
	Grid      *grid.Grid
	Publisher TilePublisher
	Config    *utils.JobConfig
	Metrics   metrics.Logger

	// MinAbortSamples is the number of completed tiles required before
	// the failure-rate threshold is evaluated, so a single early failure
	// cannot abort a large job.
	MinAbortSamples int

	// RetryInitialInterval seeds the exponential backoff between retry
	// attempts on transient failures.
	RetryInitialInterval time.Duration

	bands        []BandSpec
	transformer  *warp.Transformer
	targetExtent grid.Extent
}

// InitTilePipeline validates the job against the opened source and
// prepares the band specs and CRS transformer. All configuration and
// grid errors surface here, before any tile work starts.
func InitTilePipeline(ctx context.Context, src source.Dataset, g *grid.Grid, pub TilePublisher, cfg *utils.JobConfig) (*TilePipeline, error) {
	desc := src.Descriptor()

	srcCRS := desc.CRS
	if cfg.SourceCRS != "" {
		srcCRS = cfg.SourceCRS
	}
	if srcCRS == "" {
		return nil, &utils.ConfigurationError{Field: "source_crs", Reason: "source CRS could not be detected and no override was given"}
	}

	tr, err := warp.NewTransformer(srcCRS, g.CRS)
	if err != nil {
		return nil, err
	}

	if len(cfg.Bands) != len(desc.Bands) {
		return nil, &utils.ConfigurationError{
			Field:  "bands",
			Reason: fmt.Sprintf("%d bands configured but source has %d", len(cfg.Bands), len(desc.Bands)),
		}
	}

	bands := make([]BandSpec, len(cfg.Bands))
	for i, bc := range cfg.Bands {
		spec := BandSpec{SrcIndex: i, Descriptor: desc.Bands[i]}
		if bc.Name != "" {
			spec.Descriptor.Name = bc.Name
		}
		if bc.DataType != "" {
			spec.Descriptor.DataType = source.DataType(bc.DataType)
		}
		if bc.NoData != nil {
			spec.Descriptor.NoData = *bc.NoData
			spec.Descriptor.HasNoData = true
		}
		spec.Method, err = warp.ParseMethod(bc.Resampling)
		if err != nil {
			return nil, &utils.ConfigurationError{Field: fmt.Sprintf("bands[%d].resampling", i), Reason: err.Error()}
		}
		if bc.Calc != "" {
			expr, err := goeval.NewEvaluableExpression(bc.Calc)
			if err != nil {
				return nil, &utils.ConfigurationError{Field: fmt.Sprintf("bands[%d].calc", i), Reason: err.Error()}
			}
			spec.Calc = expr
			spec.CalcExpr = bc.Calc
		}
		bands[i] = spec
	}

	dp := &TilePipeline{
		Context:              ctx,
		Source:               src,
		Grid:                 g,
		Publisher:            pub,
		Config:               cfg,
		MinAbortSamples:      defaultMinAbortSamples,
		RetryInitialInterval: 500 * time.Millisecond,
		bands:                bands,
		transformer:          tr,
	}
	dp.targetExtent = dp.forwardExtent(desc.Bounds)
	return dp, nil
}

// forwardExtent maps the source bounds into the grid CRS by sampling the
// extent edges through the forward transform.
func (dp *TilePipeline) forwardExtent(e grid.Extent) grid.Extent {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	const steps = 8
	for i := 0; i <= steps; i++ {
		fx := e.MinX + e.Width()*float64(i)/steps
		fy := e.MinY + e.Height()*float64(i)/steps
		for _, pt := range [][2]float64{
			{fx, e.MinY}, {fx, e.MaxY},
			{e.MinX, fy}, {e.MaxX, fy},
		} {
			x, y := dp.transformer.Forward(pt[0], pt[1])
			minX = math.Min(minX, x)
			minY = math.Min(minY, y)
			maxX = math.Max(maxX, x)
			maxY = math.Max(maxY, y)
		}
	}
	return grid.Extent{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

// Run executes the job to completion. The returned manifest accounts for
// every processed tile even when Run also returns an error. A breached
// failure-rate threshold stops new work, lets in-flight tiles finish and
// returns JobAbortedError.
func (dp *TilePipeline) Run() (*Manifest, error) {
	ctx, cancel := context.WithCancel(dp.Context)
	defer cancel()

	fatal := make(chan error, 1)
	seeder := NewTileSeeder(ctx, dp.Grid, dp.targetExtent, dp.Config.Subset, fatal)
	go seeder.Run()

	results := make(chan TileResult, 100)
	cLimiter := NewConcLimiter(dp.Config.Workers)

	go func() {
		for coord := range seeder.Out {
			if ctx.Err() != nil {
				results <- TileResult{
					TileID:  dp.Grid.TileID(coord),
					Status:  StatusPending,
					ErrKind: "aborted",
				}
				continue
			}
			cLimiter.Increase()
			go func(c grid.TileCoord) {
				defer cLimiter.Decrease()
				results <- dp.processTile(ctx, c)
			}(coord)
		}
		cLimiter.Wait()
		close(results)
	}()

	manifest := &Manifest{}
	var abortErr *JobAbortedError
	for r := range results {
		manifest.add(r)
		dp.logMetrics(r)

		if abortErr != nil {
			continue
		}
		completed := manifest.Done + manifest.Skipped + manifest.Failed
		if manifest.Failed == 0 || completed < dp.MinAbortSamples {
			continue
		}
		rate := float64(manifest.Failed) / float64(completed)
		if rate > dp.Config.FailureRateThreshold {
			abortErr = &JobAbortedError{
				FailureRate: rate,
				Threshold:   dp.Config.FailureRateThreshold,
				Failed:      manifest.Failed,
				Completed:   completed,
			}
			log.Printf("tile pipeline: %v, stopping new work", abortErr)
			cancel()
		}
	}

	select {
	case err := <-fatal:
		return manifest, err
	default:
	}
	if abortErr != nil {
		return manifest, abortErr
	}
	return manifest, nil
}

func (dp *TilePipeline) processTile(ctx context.Context, coord grid.TileCoord) TileResult {
	start := time.Now()
	res := TileResult{
		TileID:    dp.Grid.TileID(coord),
		Status:    StatusPending,
		StartedAt: start,
	}
	defer func() { res.Duration = time.Since(start) }()

	bounds := dp.Grid.TileBounds(coord)
	desc := dp.Source.Descriptor()
	srcBounds := dp.transformer.SourceBounds(bounds, desc.ResX, desc.ResY)

	// Tiles with no source coverage are skipped without touching the
	// reader.
	if !srcBounds.Intersects(desc.Bounds) {
		res.Status = StatusSkipped
		return res
	}

	if !dp.Config.Overwrite {
		exists, err := dp.Publisher.Exists(ctx, res.TileID)
		if err == nil && exists {
			res.Status = StatusSkipped
			return res
		}
	}

	res.Status = StatusReading
	blocks := make([]*source.Block, len(dp.bands))
	for i, spec := range dp.bands {
		var block *source.Block
		err := dp.retry(ctx, func() error {
			var rerr error
			block, rerr = dp.Source.ReadWindow(spec.SrcIndex, srcBounds)
			return rerr
		})
		if err != nil {
			return res.fail(err)
		}
		blocks[i] = block
	}

	res.Status = StatusTransforming
	warped := make([]*source.Block, len(dp.bands))
	for i, spec := range dp.bands {
		block, err := warp.Reproject(blocks[i], spec.Descriptor, dp.transformer, bounds, dp.Grid.TileSizePx, dp.Grid.TileSizePx, spec.Method)
		if err != nil {
			return res.fail(err)
		}
		warped[i] = block
	}

	res.Status = StatusCutting
	cut, err := Cut(warped, dp.bands, dp.Grid)
	if err != nil {
		return res.fail(err)
	}
	if len(cut) == 0 {
		res.Status = StatusSkipped
		return res
	}
	tile := cut[0]

	if err := applyCalc(tile, dp.bands); err != nil {
		return res.fail(err)
	}

	res.Status = StatusPublishing
	err = dp.retry(ctx, func() error {
		rec, perr := dp.Publisher.Publish(ctx, tile)
		if perr == nil {
			res.Record = rec
		}
		return perr
	})
	if err != nil {
		return res.fail(err)
	}

	res.Status = StatusDone
	return res
}

func (r TileResult) fail(err error) TileResult {
	r.Status = StatusFailed
	r.Err = err
	r.ErrKind = errKind(err)
	log.Printf("tile %s failed (%s): %v", r.TileID, r.ErrKind, err)
	return r
}

// transientError is implemented by errors worth retrying.
type transientError interface {
	IsTransient() bool
}

func isTransient(err error) bool {
	var te transientError
	return errors.As(err, &te) && te.IsTransient()
}

// retry runs op with bounded exponential backoff on transient failures.
// Permanent failures and context cancellation stop retrying immediately.
func (dp *TilePipeline) retry(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = dp.RetryInitialInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(dp.Config.RetryLimit)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil || isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

func errKind(err error) string {
	var (
		srcErr    *source.SourceReadError
		warpErr   *warp.ReprojectionError
		kindedErr interface{ PublishKind() string }
	)
	switch {
	case errors.As(err, &srcErr):
		return "source_read"
	case errors.As(err, &warpErr):
		return "reprojection"
	case errors.As(err, &kindedErr):
		return "publish_" + kindedErr.PublishKind()
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "internal"
}

func (dp *TilePipeline) logMetrics(r TileResult) {
	if dp.Metrics == nil {
		return
	}
	info := &metrics.TileInfo{
		TileID:    r.TileID,
		Status:    string(r.Status),
		ErrorKind: r.ErrKind,
		Duration:  r.Duration,
	}
	if !r.StartedAt.IsZero() {
		info.StartTime = r.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	dp.Metrics.Log(info)
}
