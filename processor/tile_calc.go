package processor

import (
	"fmt"

	"github.com/nci/pixetl/tiles"
)

// applyCalc evaluates each band's configured pixel expression in place.
// The pixel value is bound to the variable A. Nodata pixels are left
// untouched so the expression never manufactures data where there is
// none.
func applyCalc(t *tiles.Tile, bands []BandSpec) error {
	params := make(map[string]interface{}, 1)
	for bi := range bands {
		expr := bands[bi].Calc
		if expr == nil {
			continue
		}
		desc := bands[bi].Descriptor
		band := &t.Bands[bi]
		for i, v := range band.Data {
			if desc.IsMissing(v) {
				continue
			}
			params["A"] = v
			res, err := expr.Evaluate(params)
			if err != nil {
				return fmt.Errorf("calc %q on tile %s band %s: %w", bands[bi].CalcExpr, t.ID, desc.Name, err)
			}
			value, ok := res.(float64)
			if !ok {
				return fmt.Errorf("calc %q on tile %s band %s: non-numeric result %v", bands[bi].CalcExpr, t.ID, desc.Name, res)
			}
			band.Data[i] = value
		}
	}
	return nil
}
