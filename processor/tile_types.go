package processor

import (
	"context"
	"fmt"
	"time"

	goeval "github.com/edisonguo/govaluate"

	"github.com/nci/pixetl/source"
	"github.com/nci/pixetl/tiles"
	"github.com/nci/pixetl/warp"
)

// TileStatus is the per-tile state machine. A tile moves
// PENDING -> READING -> TRANSFORMING -> CUTTING -> PUBLISHING -> DONE,
// or to FAILED at any stage. SKIPPED is terminal for tiles with no valid
// source data (or an existing artifact when overwrite is off).
type TileStatus string

const (
	StatusPending      TileStatus = "PENDING"
	StatusReading      TileStatus = "READING"
	StatusTransforming TileStatus = "TRANSFORMING"
	StatusCutting      TileStatus = "CUTTING"
	StatusPublishing   TileStatus = "PUBLISHING"
	StatusDone         TileStatus = "DONE"
	StatusFailed       TileStatus = "FAILED"
	StatusSkipped      TileStatus = "SKIPPED"
)

// BandSpec is a source band resolved against its configuration: the
// resampling method and optional pixel expression are explicit inputs,
// never inferred from the data type.
type BandSpec struct {
	SrcIndex   int
	Descriptor source.BandDescriptor
	Method     warp.Method
	Calc       *goeval.EvaluableExpression
	CalcExpr   string
}

// TilePublisher is the downstream sink for finished tiles. Publishing
// must be idempotent by tile identifier.
type TilePublisher interface {
	Publish(ctx context.Context, t *tiles.Tile) (*tiles.CatalogRecord, error)
	Exists(ctx context.Context, tileID string) (bool, error)
}

// TileResult is one manifest entry: a tile identifier with its terminal
// status and, for failures, the originating error kind.
type TileResult struct {
	TileID    string
	Status    TileStatus
	ErrKind   string
	Err       error
	Record    *tiles.CatalogRecord
	Duration  time.Duration
	StartedAt time.Time
}

// Manifest is the final account of a job: every seeded tile identifier
// with its terminal status. Tiles are never silently dropped.
type Manifest struct {
	Entries []TileResult

	Done    int
	Skipped int
	Failed  int
	Pending int
}

func (m *Manifest) add(r TileResult) {
	m.Entries = append(m.Entries, r)
	switch r.Status {
	case StatusDone:
		m.Done++
	case StatusSkipped:
		m.Skipped++
	case StatusFailed:
		m.Failed++
	default:
		m.Pending++
	}
}

// FailedIDs lists the identifiers of permanently failed tiles.
func (m *Manifest) FailedIDs() []string {
	var ids []string
	for _, e := range m.Entries {
		if e.Status == StatusFailed {
			ids = append(ids, e.TileID)
		}
	}
	return ids
}

// JobAbortedError is returned when the failure-rate threshold is
// exceeded and the job stops scheduling new tiles. Tiles already DONE
// remain valid in the catalog.
type JobAbortedError struct {
	FailureRate float64
	Threshold   float64
	Failed      int
	Completed   int
}

func (e *JobAbortedError) Error() string {
	return fmt.Sprintf("job aborted: failure rate %.2f exceeded threshold %.2f (%d of %d tiles failed)",
		e.FailureRate, e.Threshold, e.Failed, e.Completed)
}
