// Package warp transforms source pixel blocks onto grid-aligned target
// bounds, handling the CRS change and the resampling in one pass.
//
// The resampling method is always an explicit per-band configuration
// input. Nodata pixels are never blended into interpolated values: any
// contribution from a missing sample turns the output pixel into nodata.
package warp

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/nci/pixetl/grid"
	"github.com/nci/pixetl/source"
)

// Method is the closed set of supported resampling methods.
type Method string

const (
	Nearest  Method = "nearest"
	Bilinear Method = "bilinear"
	Cubic    Method = "cubic"
)

// ParseMethod validates a configured resampling method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case Nearest, Bilinear, Cubic:
		return Method(s), nil
	case "":
		return Nearest, nil
	}
	return "", fmt.Errorf("resampling method %q is not supported", s)
}

// ReprojectionError reports an unsupported transform or unusable target.
type ReprojectionError struct {
	SrcCRS string
	DstCRS string
	Reason string
}

func (e *ReprojectionError) Error() string {
	if e.SrcCRS != "" || e.DstCRS != "" {
		return fmt.Sprintf("reproject %s -> %s: %s", e.SrcCRS, e.DstCRS, e.Reason)
	}
	return fmt.Sprintf("reproject: %s", e.Reason)
}

// Transformer converts coordinates between the source CRS and the target
// grid CRS. EPSG:4326 and EPSG:3857 are supported in both directions.
type Transformer struct {
	srcCRS string
	dstCRS string
}

func NewTransformer(srcCRS, dstCRS string) (*Transformer, error) {
	switch {
	case srcCRS == dstCRS && (srcCRS == "EPSG:4326" || srcCRS == "EPSG:3857"):
	case srcCRS == "EPSG:4326" && dstCRS == "EPSG:3857":
	case srcCRS == "EPSG:3857" && dstCRS == "EPSG:4326":
	default:
		return nil, &ReprojectionError{SrcCRS: srcCRS, DstCRS: dstCRS, Reason: "unsupported CRS transform"}
	}
	return &Transformer{srcCRS: srcCRS, dstCRS: dstCRS}, nil
}

// Forward maps a source CRS coordinate into the target CRS.
func (t *Transformer) Forward(x, y float64) (float64, float64) {
	if t.srcCRS == t.dstCRS {
		return x, y
	}
	if t.srcCRS == "EPSG:4326" {
		p := project.WGS84.ToMercator(orb.Point{x, y})
		return p[0], p[1]
	}
	p := project.Mercator.ToWGS84(orb.Point{x, y})
	return p[0], p[1]
}

// Inverse maps a target CRS coordinate back into the source CRS.
func (t *Transformer) Inverse(x, y float64) (float64, float64) {
	if t.srcCRS == t.dstCRS {
		return x, y
	}
	if t.dstCRS == "EPSG:4326" {
		p := project.WGS84.ToMercator(orb.Point{x, y})
		return p[0], p[1]
	}
	p := project.Mercator.ToWGS84(orb.Point{x, y})
	return p[0], p[1]
}

// SourceBounds estimates the source CRS bounding box needed to fill the
// target bounds, by sampling the target edges through the inverse
// transform and padding by a couple of source pixels.
func (t *Transformer) SourceBounds(target grid.Extent, srcResX, srcResY float64) grid.Extent {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	const steps = 4
	for i := 0; i <= steps; i++ {
		fx := target.MinX + target.Width()*float64(i)/steps
		fy := target.MinY + target.Height()*float64(i)/steps
		for _, pt := range [][2]float64{
			{fx, target.MinY}, {fx, target.MaxY},
			{target.MinX, fy}, {target.MaxX, fy},
		} {
			x, y := t.Inverse(pt[0], pt[1])
			minX = math.Min(minX, x)
			minY = math.Min(minY, y)
			maxX = math.Max(maxX, x)
			maxY = math.Max(maxY, y)
		}
	}
	return grid.Extent{
		MinX: minX - 2*srcResX,
		MinY: minY - 2*srcResY,
		MaxX: maxX + 2*srcResX,
		MaxY: maxY + 2*srcResY,
	}
}

// Reproject resamples a source block onto target bounds at the given
// pixel dimensions. Output pixels whose source location falls outside the
// block, or whose interpolation stencil touches a nodata sample, are set
// to the band's missing value.
func Reproject(block *source.Block, band source.BandDescriptor, t *Transformer, target grid.Extent, width, height int, method Method) (*source.Block, error) {
	if target.Width() <= 0 || target.Height() <= 0 {
		return nil, &ReprojectionError{SrcCRS: t.srcCRS, DstCRS: t.dstCRS, Reason: "degenerate target bounds"}
	}
	if width <= 0 || height <= 0 {
		return nil, &ReprojectionError{SrcCRS: t.srcCRS, DstCRS: t.dstCRS, Reason: fmt.Sprintf("degenerate target raster %dx%d", width, height)}
	}
	switch method {
	case Nearest, Bilinear, Cubic:
	default:
		return nil, &ReprojectionError{SrcCRS: t.srcCRS, DstCRS: t.dstCRS, Reason: fmt.Sprintf("unknown resampling method %q", method)}
	}

	out := &source.Block{
		Width:  width,
		Height: height,
		Bounds: target,
		Data:   make([]float64, width*height),
	}
	missing := band.MissingValue()

	dstResX := target.Width() / float64(width)
	dstResY := target.Height() / float64(height)
	srcResX := block.Bounds.Width() / float64(block.Width)
	srcResY := block.Bounds.Height() / float64(block.Height)

	for row := 0; row < height; row++ {
		dstY := target.MaxY - (float64(row)+0.5)*dstResY
		for col := 0; col < width; col++ {
			dstX := target.MinX + (float64(col)+0.5)*dstResX
			srcX, srcY := t.Inverse(dstX, dstY)

			// Fractional pixel coordinates of the sample point.
			px := (srcX-block.Bounds.MinX)/srcResX - 0.5
			py := (block.Bounds.MaxY-srcY)/srcResY - 0.5

			var v float64
			switch method {
			case Nearest:
				v = sampleNearest(block, band, px, py, missing)
			case Bilinear:
				v = sampleBilinear(block, band, px, py, missing)
			case Cubic:
				v = sampleCubic(block, band, px, py, missing)
			}
			out.Data[row*width+col] = v
		}
	}
	return out, nil
}

func sampleAt(block *source.Block, x, y int) (float64, bool) {
	if x < 0 || y < 0 || x >= block.Width || y >= block.Height {
		return 0, false
	}
	return block.Data[y*block.Width+x], true
}

func sampleNearest(block *source.Block, band source.BandDescriptor, px, py, missing float64) float64 {
	x := int(math.Round(px))
	y := int(math.Round(py))
	v, ok := sampleAt(block, x, y)
	if !ok || band.IsMissing(v) {
		return missing
	}
	return v
}

func sampleBilinear(block *source.Block, band source.BandDescriptor, px, py, missing float64) float64 {
	x0 := int(math.Floor(px))
	y0 := int(math.Floor(py))
	fx := px - float64(x0)
	fy := py - float64(y0)

	var vals [4]float64
	for i, off := range [4][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
		v, ok := sampleAt(block, x0+off[0], y0+off[1])
		if !ok || band.IsMissing(v) {
			return missing
		}
		vals[i] = v
	}
	top := vals[0]*(1-fx) + vals[1]*fx
	bot := vals[2]*(1-fx) + vals[3]*fx
	return top*(1-fy) + bot*fy
}

// cubicWeight is the Catmull-Rom kernel used by GDAL's cubic resampler.
func cubicWeight(t float64) float64 {
	t = math.Abs(t)
	if t <= 1 {
		return 1.5*t*t*t - 2.5*t*t + 1
	}
	if t < 2 {
		return -0.5*t*t*t + 2.5*t*t - 4*t + 2
	}
	return 0
}

func sampleCubic(block *source.Block, band source.BandDescriptor, px, py, missing float64) float64 {
	x0 := int(math.Floor(px))
	y0 := int(math.Floor(py))
	fx := px - float64(x0)
	fy := py - float64(y0)

	var sum, wsum float64
	for dy := -1; dy <= 2; dy++ {
		wy := cubicWeight(float64(dy) - fy)
		if wy == 0 {
			continue
		}
		for dx := -1; dx <= 2; dx++ {
			wx := cubicWeight(float64(dx) - fx)
			if wx == 0 {
				continue
			}
			v, ok := sampleAt(block, x0+dx, y0+dy)
			if !ok || band.IsMissing(v) {
				return missing
			}
			sum += v * wx * wy
			wsum += wx * wy
		}
	}
	if wsum == 0 {
		return missing
	}
	return sum / wsum
}
