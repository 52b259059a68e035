// Package tiles holds the tile data model shared by the cutter and the
// publisher: grid-aligned pixel blocks, their band statistics, and the
// artifact encoding written to object storage.
package tiles

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/golang/snappy"

	"github.com/nci/pixetl/grid"
	"github.com/nci/pixetl/source"
)

// Band is one band of a cut tile. Data holds Size*Size samples row-major,
// widened to float64. Missing pixels carry the band nodata value, or NaN
// when the band declares none.
type Band struct {
	Name      string
	DataType  source.DataType
	NoData    float64
	HasNoData bool
	Data      []float64
}

func (b *Band) descriptor() source.BandDescriptor {
	return source.BandDescriptor{
		Name:      b.Name,
		DataType:  b.DataType,
		NoData:    b.NoData,
		HasNoData: b.HasNoData,
	}
}

// HasData reports whether the band holds at least one valid pixel.
func (b *Band) HasData() bool {
	d := b.descriptor()
	for _, v := range b.Data {
		if !d.IsMissing(v) {
			return true
		}
	}
	return false
}

// BandStats summarises the valid pixels of one band.
type BandStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Count int     `json:"count"`
}

// Stats computes per-band statistics over valid pixels only.
func (b *Band) Stats() BandStats {
	d := b.descriptor()
	st := BandStats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, v := range b.Data {
		if d.IsMissing(v) {
			continue
		}
		if v < st.Min {
			st.Min = v
		}
		if v > st.Max {
			st.Max = v
		}
		sum += v
		st.Count++
	}
	if st.Count == 0 {
		return BandStats{}
	}
	st.Mean = sum / float64(st.Count)
	return st
}

// Tile is a fixed-size grid-aligned pixel block, owned by exactly one
// pipeline worker until it is handed to the publisher.
type Tile struct {
	ID     string
	Coord  grid.TileCoord
	Bounds grid.Extent
	Size   int
	Bands  []Band
}

// HasData reports whether any band holds a valid pixel. Fully-nodata
// tiles are skipped by the pipeline, never published.
func (t *Tile) HasData() bool {
	for i := range t.Bands {
		if t.Bands[i].HasData() {
			return true
		}
	}
	return false
}

// Encode serialises the tile payload as the published artifact: per-band
// little-endian samples at the band's native width, concatenated and
// snappy-compressed. Encoding is deterministic, so identical tiles yield
// identical checksums.
func (t *Tile) Encode() ([]byte, error) {
	var raw bytes.Buffer
	for i := range t.Bands {
		if err := encodeBand(&raw, &t.Bands[i]); err != nil {
			return nil, fmt.Errorf("tile %s: %w", t.ID, err)
		}
	}
	return snappy.Encode(nil, raw.Bytes()), nil
}

func encodeBand(buf *bytes.Buffer, b *Band) error {
	d := b.descriptor()
	clampToMissing := func(v float64) float64 {
		if math.IsNaN(v) {
			return b.NoData
		}
		return v
	}
	switch b.DataType {
	case source.Byte:
		for _, v := range b.Data {
			buf.WriteByte(uint8(clampToMissing(v)))
		}
	case source.Int16:
		out := make([]byte, 2)
		for _, v := range b.Data {
			binary.LittleEndian.PutUint16(out, uint16(int16(clampToMissing(v))))
			buf.Write(out)
		}
	case source.UInt16:
		out := make([]byte, 2)
		for _, v := range b.Data {
			binary.LittleEndian.PutUint16(out, uint16(clampToMissing(v)))
			buf.Write(out)
		}
	case source.Int32:
		out := make([]byte, 4)
		for _, v := range b.Data {
			binary.LittleEndian.PutUint32(out, uint32(int32(clampToMissing(v))))
			buf.Write(out)
		}
	case source.UInt32:
		out := make([]byte, 4)
		for _, v := range b.Data {
			binary.LittleEndian.PutUint32(out, uint32(clampToMissing(v)))
			buf.Write(out)
		}
	case source.Float32:
		out := make([]byte, 4)
		for _, v := range b.Data {
			binary.LittleEndian.PutUint32(out, math.Float32bits(float32(v)))
			buf.Write(out)
		}
	case source.Float64:
		out := make([]byte, 8)
		for _, v := range b.Data {
			binary.LittleEndian.PutUint64(out, math.Float64bits(v))
			buf.Write(out)
		}
	default:
		return fmt.Errorf("band %s: cannot encode data type %q", b.Name, b.DataType)
	}
	return nil
}

// CatalogRecord is the provenance row written for each published tile.
type CatalogRecord struct {
	TileID     string
	StorageURI string
	Checksum   string
	Stats      []BandStats
	Footprint  string
	CreatedAt  time.Time
}
