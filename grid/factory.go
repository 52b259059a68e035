package grid

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NewLatLngGrid builds a geographic grid where each tile spans `degrees`
// degrees and is `pixels` pixels wide. The grid covers the full lat/lng
// space with its origin at (-180, 90). The level encodes the tile width
// in degrees so identifiers stay unique across grids sharing a name
// prefix.
func NewLatLngGrid(degrees, pixels int) (*Grid, error) {
	if degrees <= 0 {
		return nil, &InvalidGridError{Reason: fmt.Sprintf("tile width must be positive degrees, got %d", degrees)}
	}
	if pixels <= 0 {
		return nil, &InvalidGridError{Reason: fmt.Sprintf("tile size must be positive, got %d", pixels)}
	}
	return New(
		fmt.Sprintf("%d/%d", degrees, pixels),
		"EPSG:4326",
		-180, 90,
		pixels,
		float64(degrees)/float64(pixels),
		degrees,
		Extent{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90},
	)
}

// NewWebMercatorGrid builds the standard XYZ web-mercator grid for a zoom
// level: 256px tiles covering the square EPSG:3857 world extent.
func NewWebMercatorGrid(zoom int) (*Grid, error) {
	if zoom < 0 || zoom > 22 {
		return nil, &InvalidGridError{Reason: fmt.Sprintf("zoom %d out of range [0, 22]", zoom)}
	}
	res := 2 * WebMercatorExtent / (webMercatorTileSize * math.Exp2(float64(zoom)))
	return New(
		fmt.Sprintf("zoom_%d", zoom),
		"EPSG:3857",
		-WebMercatorExtent, WebMercatorExtent,
		webMercatorTileSize,
		res,
		zoom,
		Extent{
			MinX: -WebMercatorExtent, MinY: -WebMercatorExtent,
			MaxX: WebMercatorExtent, MaxY: WebMercatorExtent,
		},
	)
}

// ByName resolves one of the named grid layouts used for published
// datasets, e.g. "10/40000" (~30m pixels), "90/27008" (~375m pixels) or
// "zoom_12". Unknown names fail with InvalidGridError.
func ByName(name string) (*Grid, error) {
	if strings.HasPrefix(name, "zoom_") {
		zoom, err := strconv.Atoi(strings.TrimPrefix(name, "zoom_"))
		if err != nil {
			return nil, &InvalidGridError{Reason: fmt.Sprintf("unknown grid name: %s", name)}
		}
		return NewWebMercatorGrid(zoom)
	}

	parts := strings.SplitN(name, "/", 2)
	if len(parts) == 2 {
		degrees, errD := strconv.Atoi(parts[0])
		pixels, errP := strconv.Atoi(parts[1])
		if errD == nil && errP == nil {
			return NewLatLngGrid(degrees, pixels)
		}
	}
	return nil, &InvalidGridError{Reason: fmt.Sprintf("unknown grid name: %s", name)}
}
