package processor

import (
	"fmt"
	"math"

	"github.com/nci/pixetl/grid"
	"github.com/nci/pixetl/source"
	"github.com/nci/pixetl/tiles"
)

// alignmentEps tolerates float noise when checking that a block boundary
// sits on a whole pixel of the grid.
const alignmentEps = 1e-6

// Cut partitions a reprojected multi-band block into grid-aligned tiles.
// All blocks must share the same bounds and dimensions and be sampled at
// the grid's pixel resolution, with boundaries on whole grid pixels.
//
// Tiles are emitted in row-major order of their coordinates. Each tile is
// exactly TileSizePx x TileSizePx, padded with the band nodata value
// where the block does not cover it. Fully-nodata tiles are dropped, not
// published. Cutting the same block twice yields bit-identical tiles.
func Cut(blocks []*source.Block, bands []BandSpec, g *grid.Grid) ([]*tiles.Tile, error) {
	if len(blocks) == 0 || len(blocks) != len(bands) {
		return nil, fmt.Errorf("cut: %d blocks for %d bands", len(blocks), len(bands))
	}
	ref := blocks[0]
	for _, b := range blocks[1:] {
		if b.Width != ref.Width || b.Height != ref.Height || b.Bounds != ref.Bounds {
			return nil, fmt.Errorf("cut: band blocks disagree on geometry")
		}
	}
	if err := checkAligned(ref, g); err != nil {
		return nil, err
	}

	it, err := g.TilesForExtent(ref.Bounds)
	if err != nil {
		return nil, err
	}

	var out []*tiles.Tile
	for {
		coord, ok := it.Next()
		if !ok {
			break
		}
		t := cutOne(blocks, bands, g, coord)
		if !t.HasData() {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func checkAligned(block *source.Block, g *grid.Grid) error {
	resX := block.Bounds.Width() / float64(block.Width)
	resY := block.Bounds.Height() / float64(block.Height)
	if math.Abs(resX-g.PixelRes) > alignmentEps*g.PixelRes || math.Abs(resY-g.PixelRes) > alignmentEps*g.PixelRes {
		return fmt.Errorf("cut: block resolution (%v, %v) does not match grid resolution %v", resX, resY, g.PixelRes)
	}
	offX := (block.Bounds.MinX - g.OriginX) / g.PixelRes
	offY := (g.OriginY - block.Bounds.MaxY) / g.PixelRes
	if math.Abs(offX-math.Round(offX)) > alignmentEps || math.Abs(offY-math.Round(offY)) > alignmentEps {
		return fmt.Errorf("cut: block boundaries are not aligned to grid pixels")
	}
	return nil
}

func cutOne(blocks []*source.Block, bands []BandSpec, g *grid.Grid, coord grid.TileCoord) *tiles.Tile {
	bounds := g.TileBounds(coord)
	size := g.TileSizePx

	// Pixel offset of the tile's upper-left corner inside the block.
	ref := blocks[0]
	colOff := int(math.Round((bounds.MinX - ref.Bounds.MinX) / g.PixelRes))
	rowOff := int(math.Round((ref.Bounds.MaxY - bounds.MaxY) / g.PixelRes))

	t := &tiles.Tile{
		ID:     g.TileID(coord),
		Coord:  coord,
		Bounds: bounds,
		Size:   size,
		Bands:  make([]tiles.Band, len(bands)),
	}
	for bi, spec := range bands {
		band := tiles.Band{
			Name:      spec.Descriptor.Name,
			DataType:  spec.Descriptor.DataType,
			NoData:    spec.Descriptor.NoData,
			HasNoData: spec.Descriptor.HasNoData,
			Data:      make([]float64, size*size),
		}
		fill := spec.Descriptor.MissingValue()
		if fill != 0 {
			for i := range band.Data {
				band.Data[i] = fill
			}
		}
		block := blocks[bi]
		for row := 0; row < size; row++ {
			srcRow := rowOff + row
			if srcRow < 0 || srcRow >= block.Height {
				continue
			}
			c0 := colOff
			c1 := colOff + size
			if c0 < 0 {
				c0 = 0
			}
			if c1 > block.Width {
				c1 = block.Width
			}
			if c1 <= c0 {
				continue
			}
			srcOff := srcRow*block.Width + c0
			dstOff := row*size + (c0 - colOff)
			copy(band.Data[dstOff:dstOff+(c1-c0)], block.Data[srcOff:srcOff+(c1-c0)])
		}
		t.Bands[bi] = band
	}
	return t
}
