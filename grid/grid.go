// Package grid defines the global tiling schemes all pixetl outputs align to.
//
// A Grid partitions a projected coordinate space into fixed-size square
// tiles anchored at the grid origin. Tile boundaries are always integer
// multiples of TileSizePx*PixelRes from the origin, so re-running a job
// against the same grid always addresses the same tiles.
package grid

import (
	"fmt"
	"math"
)

// WebMercatorExtent is the half-width of the EPSG:3857 coordinate space.
const WebMercatorExtent = 20037508.342789244

const webMercatorTileSize = 256

// InvalidGridError reports an unusable grid parameterisation.
type InvalidGridError struct {
	Reason string
}

func (e *InvalidGridError) Error() string {
	return fmt.Sprintf("invalid grid: %s", e.Reason)
}

// Extent is an axis-aligned bounding box in grid CRS units.
type Extent struct {
	MinX, MinY, MaxX, MaxY float64
}

func (e Extent) Width() float64  { return e.MaxX - e.MinX }
func (e Extent) Height() float64 { return e.MaxY - e.MinY }

func (e Extent) Intersects(other Extent) bool {
	return e.MinX < other.MaxX && e.MaxX > other.MinX &&
		e.MinY < other.MaxY && e.MaxY > other.MinY
}

// TileCoord addresses a single grid cell. Rows increase southwards from
// the grid origin, columns eastwards.
type TileCoord struct {
	Col   int
	Row   int
	Level int
}

// Grid is a global tiling scheme. OriginX/OriginY is the upper-left
// corner of the gridded space.
type Grid struct {
	Name       string
	CRS        string
	OriginX    float64
	OriginY    float64
	TileSizePx int
	PixelRes   float64
	Level      int

	// Extent of the gridded space. Tiles are never emitted outside it.
	MinX, MinY, MaxX, MaxY float64
}

var supportedCRS = map[string]bool{
	"EPSG:4326": true,
	"EPSG:3857": true,
}

// New builds a grid from explicit parameters and validates them.
func New(name, crs string, originX, originY float64, tileSizePx int, pixelRes float64, level int, extent Extent) (*Grid, error) {
	g := &Grid{
		Name:       name,
		CRS:        crs,
		OriginX:    originX,
		OriginY:    originY,
		TileSizePx: tileSizePx,
		PixelRes:   pixelRes,
		Level:      level,
		MinX:       extent.MinX,
		MinY:       extent.MinY,
		MaxX:       extent.MaxX,
		MaxY:       extent.MaxY,
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Grid) validate() error {
	if g.TileSizePx <= 0 {
		return &InvalidGridError{Reason: fmt.Sprintf("tile size must be positive, got %d", g.TileSizePx)}
	}
	if g.PixelRes <= 0 || math.IsNaN(g.PixelRes) || math.IsInf(g.PixelRes, 0) {
		return &InvalidGridError{Reason: fmt.Sprintf("pixel resolution must be positive, got %v", g.PixelRes)}
	}
	if !supportedCRS[g.CRS] {
		return &InvalidGridError{Reason: fmt.Sprintf("unrecognized CRS %q", g.CRS)}
	}
	if g.MaxX <= g.MinX || g.MaxY <= g.MinY {
		return &InvalidGridError{Reason: "grid extent is degenerate"}
	}
	return nil
}

// TileSpan is the width and height of one tile in CRS units.
func (g *Grid) TileSpan() float64 {
	return float64(g.TileSizePx) * g.PixelRes
}

// TileBounds returns the bounding box of a tile. The tile's upper-left
// corner sits exactly col/row tile spans away from the grid origin.
func (g *Grid) TileBounds(c TileCoord) Extent {
	span := g.TileSpan()
	minX := g.OriginX + float64(c.Col)*span
	maxY := g.OriginY - float64(c.Row)*span
	return Extent{MinX: minX, MinY: maxY - span, MaxX: minX + span, MaxY: maxY}
}

// TileID derives the deterministic tile identifier used as both the
// object storage key suffix and the catalog primary key.
func (g *Grid) TileID(c TileCoord) string {
	return fmt.Sprintf("%s/%d/%d_%d", g.Name, c.Level, c.Col, c.Row)
}

// TileForPoint returns the coordinate of the tile containing (x, y).
// Points on a tile boundary belong to the tile east/south of it, matching
// the half-open pixel convention.
func (g *Grid) TileForPoint(x, y float64) TileCoord {
	span := g.TileSpan()
	col := int(math.Floor((x - g.OriginX) / span))
	row := int(math.Floor((g.OriginY - y) / span))
	return TileCoord{Col: col, Row: row, Level: g.Level}
}

// TilesForExtent returns a lazy, restartable iterator over the coordinates
// of every grid tile intersecting the extent, in row-major order. Each
// coordinate is emitted exactly once.
func (g *Grid) TilesForExtent(e Extent) (*TileIterator, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}
	if e.MaxX <= e.MinX || e.MaxY <= e.MinY {
		return nil, &InvalidGridError{Reason: "extent is degenerate"}
	}

	clipped := Extent{
		MinX: math.Max(e.MinX, g.MinX),
		MinY: math.Max(e.MinY, g.MinY),
		MaxX: math.Min(e.MaxX, g.MaxX),
		MaxY: math.Min(e.MaxY, g.MaxY),
	}
	it := &TileIterator{grid: g}
	if clipped.MaxX <= clipped.MinX || clipped.MaxY <= clipped.MinY {
		// No overlap with the gridded space. Empty but valid.
		it.empty = true
		return it, nil
	}

	span := g.TileSpan()
	it.col0 = int(math.Floor((clipped.MinX - g.OriginX) / span))
	it.row0 = int(math.Floor((g.OriginY - clipped.MaxY) / span))
	// Upper bounds are exclusive. A max edge exactly on a tile boundary
	// does not pull in the next tile.
	it.col1 = int(math.Ceil((clipped.MaxX - g.OriginX) / span))
	it.row1 = int(math.Ceil((g.OriginY - clipped.MinY) / span))
	it.Reset()
	return it, nil
}

// TileIterator walks tile coordinates row-major. It is not safe for
// concurrent use; each consumer should obtain its own iterator.
type TileIterator struct {
	grid                   *Grid
	col0, row0, col1, row1 int
	col, row               int
	empty                  bool
}

// Reset restarts the iterator from the first coordinate.
func (it *TileIterator) Reset() {
	it.col = it.col0
	it.row = it.row0
}

// Next returns the next tile coordinate. The second return value is false
// once the sequence is exhausted.
func (it *TileIterator) Next() (TileCoord, bool) {
	if it.empty || it.row >= it.row1 {
		return TileCoord{}, false
	}
	c := TileCoord{Col: it.col, Row: it.row, Level: it.grid.Level}
	it.col++
	if it.col >= it.col1 {
		it.col = it.col0
		it.row++
	}
	return c, true
}

// Count returns the total number of coordinates the iterator emits.
func (it *TileIterator) Count() int {
	if it.empty {
		return 0
	}
	return (it.col1 - it.col0) * (it.row1 - it.row0)
}
