package source

import (
	"fmt"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/nci/pixetl/grid"
)

var registerDrivers sync.Once

// GDALDataset reads rasters through the GDAL virtual filesystem, so URIs
// like /vsis3/bucket/key and plain paths both work.
type GDALDataset struct {
	ds   *godal.Dataset
	desc Descriptor

	// GDAL dataset handles are not safe for concurrent raster I/O.
	mu sync.Mutex
}

// Open opens a raster source read-only and snapshots its descriptor.
func Open(uri string) (*GDALDataset, error) {
	registerDrivers.Do(godal.RegisterAll)

	ds, err := godal.Open(uri, godal.RasterOnly())
	if err != nil {
		return nil, &SourceReadError{URI: uri, Reason: "open failed", Transient: true, Err: err}
	}

	desc, err := describe(uri, ds)
	if err != nil {
		ds.Close()
		return nil, err
	}
	return &GDALDataset{ds: ds, desc: desc}, nil
}

func describe(uri string, ds *godal.Dataset) (Descriptor, error) {
	gt, err := ds.GeoTransform()
	if err != nil {
		return Descriptor{}, &SourceReadError{URI: uri, Reason: "no geotransform", Err: err}
	}
	if gt[2] != 0 || gt[4] != 0 {
		return Descriptor{}, &SourceReadError{URI: uri, Reason: "rotated rasters are not supported"}
	}

	st := ds.Structure()
	resX := gt[1]
	resY := -gt[5]
	desc := Descriptor{
		URI:    uri,
		CRS:    detectCRS(ds),
		ResX:   resX,
		ResY:   resY,
		Width:  st.SizeX,
		Height: st.SizeY,
		Bounds: grid.Extent{
			MinX: gt[0],
			MaxY: gt[3],
			MaxX: gt[0] + float64(st.SizeX)*resX,
			MinY: gt[3] - float64(st.SizeY)*resY,
		},
	}

	for i, bnd := range ds.Bands() {
		dtype, err := dataTypeFromGDAL(bnd.Structure().DataType)
		if err != nil {
			return Descriptor{}, &SourceReadError{URI: uri, Reason: fmt.Sprintf("band %d", i+1), Err: err}
		}
		nodata, ok := bnd.NoData()
		desc.Bands = append(desc.Bands, BandDescriptor{
			Name:      fmt.Sprintf("band_%d", i+1),
			DataType:  dtype,
			NoData:    nodata,
			HasNoData: ok,
		})
	}
	if len(desc.Bands) == 0 {
		return Descriptor{}, &SourceReadError{URI: uri, Reason: "dataset has no raster bands"}
	}
	return desc, nil
}

func detectCRS(ds *godal.Dataset) string {
	sr := ds.SpatialRef()
	if sr == nil {
		return ""
	}
	for _, epsg := range []int{4326, 3857} {
		ref, err := godal.NewSpatialRefFromEPSG(epsg)
		if err != nil {
			continue
		}
		same := sr.IsSame(ref)
		ref.Close()
		if same {
			return fmt.Sprintf("EPSG:%d", epsg)
		}
	}
	return ""
}

func dataTypeFromGDAL(dt godal.DataType) (DataType, error) {
	switch dt {
	case godal.Byte:
		return Byte, nil
	case godal.Int16:
		return Int16, nil
	case godal.UInt16:
		return UInt16, nil
	case godal.Int32:
		return Int32, nil
	case godal.UInt32:
		return UInt32, nil
	case godal.Float32:
		return Float32, nil
	case godal.Float64:
		return Float64, nil
	}
	return "", fmt.Errorf("unsupported raster data type %v", dt)
}

func (g *GDALDataset) Descriptor() Descriptor { return g.desc }

func (g *GDALDataset) ReadWindow(band int, bounds grid.Extent) (*Block, error) {
	if band < 0 || band >= len(g.desc.Bands) {
		return nil, &SourceReadError{URI: g.desc.URI, Reason: fmt.Sprintf("band %d out of range", band)}
	}
	win := windowFromBounds(g.desc, bounds)
	inner, ok := win.clamp(g.desc)
	if !ok {
		return nil, &SourceReadError{URI: g.desc.URI, Reason: "window lies entirely outside dataset extent"}
	}

	buf := make([]float64, inner.w*inner.h)
	g.mu.Lock()
	err := g.ds.Bands()[band].Read(inner.x0, inner.y0, buf, inner.w, inner.h)
	g.mu.Unlock()
	if err != nil {
		return nil, &SourceReadError{URI: g.desc.URI, Reason: "window read failed", Transient: true, Err: err}
	}

	block := newPaddedBlock(g.desc, g.desc.Bands[band], win)
	for row := 0; row < inner.h; row++ {
		dstOff := (inner.y0-win.y0+row)*win.w + (inner.x0 - win.x0)
		copy(block.Data[dstOff:dstOff+inner.w], buf[row*inner.w:(row+1)*inner.w])
	}
	return block, nil
}

func (g *GDALDataset) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ds == nil {
		return nil
	}
	err := g.ds.Close()
	g.ds = nil
	return err
}
