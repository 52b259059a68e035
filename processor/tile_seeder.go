package processor

import (
	"context"

	"github.com/nci/pixetl/grid"
)

// TileSeeder walks the grid's tile coordinate sequence for the job extent
// and feeds the worker pool. Coordinates not in the optional subset are
// filtered out before any work is scheduled for them.
type TileSeeder struct {
	Context context.Context
	Grid    *grid.Grid
	Extent  grid.Extent
	Subset  map[string]bool
	Out     chan grid.TileCoord
	Error   chan error
}

func NewTileSeeder(ctx context.Context, g *grid.Grid, extent grid.Extent, subset []string, errChan chan error) *TileSeeder {
	var subsetSet map[string]bool
	if len(subset) > 0 {
		subsetSet = make(map[string]bool, len(subset))
		for _, id := range subset {
			subsetSet[id] = true
		}
	}
	return &TileSeeder{
		Context: ctx,
		Grid:    g,
		Extent:  extent,
		Subset:  subsetSet,
		Out:     make(chan grid.TileCoord, 100),
		Error:   errChan,
	}
}

func (s *TileSeeder) Run() {
	defer close(s.Out)

	it, err := s.Grid.TilesForExtent(s.Extent)
	if err != nil {
		s.Error <- err
		return
	}

	for {
		coord, ok := it.Next()
		if !ok {
			return
		}
		if s.Subset != nil && !s.Subset[s.Grid.TileID(coord)] {
			continue
		}
		select {
		case s.Out <- coord:
		case <-s.Context.Done():
			return
		}
	}
}
