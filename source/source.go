// Package source opens input rasters and exposes windowed read access to
// their pixel data. Datasets are immutable once opened and safe for
// concurrent reads.
package source

import (
	"fmt"
	"math"

	"github.com/nci/pixetl/grid"
)

// DataType names follow the GDAL raster type names.
type DataType string

const (
	Byte    DataType = "Byte"
	Int16   DataType = "Int16"
	UInt16  DataType = "UInt16"
	Int32   DataType = "Int32"
	UInt32  DataType = "UInt32"
	Float32 DataType = "Float32"
	Float64 DataType = "Float64"
)

// Size returns the width of the type in bytes.
func (t DataType) Size() int {
	switch t {
	case Byte:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, UInt32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// SourceReadError reports a failed window read. Transient errors (remote
// I/O) are retried by the pipeline; logical errors are not.
type SourceReadError struct {
	URI       string
	Reason    string
	Transient bool
	Err       error
}

func (e *SourceReadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source read %s: %s: %v", e.URI, e.Reason, e.Err)
	}
	return fmt.Sprintf("source read %s: %s", e.URI, e.Reason)
}

func (e *SourceReadError) Unwrap() error { return e.Err }

// IsTransient reports whether the read failure is worth retrying.
func (e *SourceReadError) IsTransient() bool { return e.Transient }

// BandDescriptor describes one band of a dataset. HasNoData is false when
// the source declares no nodata value; reads then represent missing
// pixels as NaN and the empty-tile short-circuit is disabled.
type BandDescriptor struct {
	Name      string
	DataType  DataType
	NoData    float64
	HasNoData bool
}

// MissingValue is the sentinel written into padded block regions.
func (b BandDescriptor) MissingValue() float64 {
	if b.HasNoData {
		return b.NoData
	}
	return math.NaN()
}

// IsMissing reports whether v is the band's nodata sentinel.
func (b BandDescriptor) IsMissing(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return b.HasNoData && v == b.NoData
}

// Descriptor is the immutable shape of an opened dataset.
type Descriptor struct {
	URI    string
	CRS    string
	Bounds grid.Extent
	ResX   float64
	ResY   float64
	Width  int
	Height int
	Bands  []BandDescriptor
}

// Block is a rectangular pixel window of a single band. Data is row-major
// with Width*Height samples, widened to float64.
type Block struct {
	Width  int
	Height int
	Bounds grid.Extent
	Data   []float64
}

// Dataset is a read-only raster source shared across pipeline workers.
type Dataset interface {
	Descriptor() Descriptor
	// ReadWindow reads the band pixels intersecting bounds (source CRS).
	// A window entirely outside the dataset fails with SourceReadError;
	// a partially overlapping window is padded with the band's nodata
	// value.
	ReadWindow(band int, bounds grid.Extent) (*Block, error)
	Close() error
}

// pixelWindow maps CRS bounds onto dataset pixel indices, expanding
// outwards so the window fully covers the requested bounds.
type pixelWindow struct {
	x0, y0 int
	w, h   int
}

func windowFromBounds(d Descriptor, bounds grid.Extent) pixelWindow {
	x0 := int(math.Floor((bounds.MinX - d.Bounds.MinX) / d.ResX))
	y0 := int(math.Floor((d.Bounds.MaxY - bounds.MaxY) / d.ResY))
	x1 := int(math.Ceil((bounds.MaxX - d.Bounds.MinX) / d.ResX))
	y1 := int(math.Ceil((d.Bounds.MaxY - bounds.MinY) / d.ResY))
	return pixelWindow{x0: x0, y0: y0, w: x1 - x0, h: y1 - y0}
}

func (w pixelWindow) bounds(d Descriptor) grid.Extent {
	return grid.Extent{
		MinX: d.Bounds.MinX + float64(w.x0)*d.ResX,
		MaxY: d.Bounds.MaxY - float64(w.y0)*d.ResY,
		MaxX: d.Bounds.MinX + float64(w.x0+w.w)*d.ResX,
		MinY: d.Bounds.MaxY - float64(w.y0+w.h)*d.ResY,
	}
}

// clamp intersects the window with the dataset raster. ok is false when
// nothing overlaps.
func (w pixelWindow) clamp(d Descriptor) (pixelWindow, bool) {
	x0 := w.x0
	y0 := w.y0
	x1 := w.x0 + w.w
	y1 := w.y0 + w.h
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > d.Width {
		x1 = d.Width
	}
	if y1 > d.Height {
		y1 = d.Height
	}
	if x1 <= x0 || y1 <= y0 {
		return pixelWindow{}, false
	}
	return pixelWindow{x0: x0, y0: y0, w: x1 - x0, h: y1 - y0}, true
}

// newPaddedBlock allocates a block for the full window, pre-filled with
// the band's missing value so out-of-source regions read as nodata.
func newPaddedBlock(d Descriptor, band BandDescriptor, w pixelWindow) *Block {
	data := make([]float64, w.w*w.h)
	fill := band.MissingValue()
	if fill != 0 {
		for i := range data {
			data[i] = fill
		}
	}
	return &Block{Width: w.w, Height: w.h, Bounds: w.bounds(d), Data: data}
}

// MemDataset is an in-memory Dataset used by tests and calc fixtures.
type MemDataset struct {
	desc  Descriptor
	bands [][]float64
}

// NewMemDataset wraps row-major per-band pixel slices. Each slice must
// hold desc.Width*desc.Height samples.
func NewMemDataset(desc Descriptor, bands [][]float64) (*MemDataset, error) {
	if len(bands) != len(desc.Bands) {
		return nil, fmt.Errorf("memdataset: %d pixel slices for %d band descriptors", len(bands), len(desc.Bands))
	}
	for i, b := range bands {
		if len(b) != desc.Width*desc.Height {
			return nil, fmt.Errorf("memdataset: band %d has %d samples, want %d", i, len(b), desc.Width*desc.Height)
		}
	}
	return &MemDataset{desc: desc, bands: bands}, nil
}

func (m *MemDataset) Descriptor() Descriptor { return m.desc }

func (m *MemDataset) ReadWindow(band int, bounds grid.Extent) (*Block, error) {
	if band < 0 || band >= len(m.bands) {
		return nil, &SourceReadError{URI: m.desc.URI, Reason: fmt.Sprintf("band %d out of range", band)}
	}
	win := windowFromBounds(m.desc, bounds)
	inner, ok := win.clamp(m.desc)
	if !ok {
		return nil, &SourceReadError{URI: m.desc.URI, Reason: "window lies entirely outside dataset extent"}
	}

	block := newPaddedBlock(m.desc, m.desc.Bands[band], win)
	src := m.bands[band]
	for row := 0; row < inner.h; row++ {
		srcOff := (inner.y0+row)*m.desc.Width + inner.x0
		dstOff := (inner.y0-win.y0+row)*win.w + (inner.x0 - win.x0)
		copy(block.Data[dstOff:dstOff+inner.w], src[srcOff:srcOff+inner.w])
	}
	return block, nil
}

func (m *MemDataset) Close() error { return nil }
