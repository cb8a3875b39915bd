package processor

import (
	"fmt"
	"math"

	"github.com/arminnakhjiri/BasicGEE/utils"
)

// EvaluateExpression computes a band expression such as
// "(SR_B5 - SR_B4) / (SR_B5 + SR_B4)" per pixel. Any NaN input makes
// the output pixel NaN. Division by zero follows IEEE rules.
func EvaluateExpression(bs *BandSet, expr, name string) (*Raster, error) {
	be, err := utils.ParseBandExpressions([]string{expr})
	if err != nil {
		return nil, err
	}
	return evaluateParsed(bs, be, 0, name)
}

// EvaluateProducts evaluates every expression and appends the results
// under their expression names.
func EvaluateProducts(bs *BandSet, be *utils.BandExpressions) (*BandSet, error) {
	rasters := make([]*Raster, len(be.Expressions))
	for ix := range be.Expressions {
		r, err := evaluateParsed(bs, be, ix, be.ExprNames[ix])
		if err != nil {
			return nil, err
		}
		rasters[ix] = r
	}
	return bs.AddBands(rasters...)
}

func evaluateParsed(bs *BandSet, be *utils.BandExpressions, ix int, name string) (*Raster, error) {
	refs := be.ExprVarRef[ix]
	if _, err := bs.bandList(refs...); err != nil {
		return nil, fmt.Errorf("expression %q: %w", be.ExprText[ix], err)
	}

	return MapTiles(bs, name, DefaultTileSize, 0, func(tile *BandSet) (*Raster, error) {
		return evaluateTile(tile, be, ix, name)
	})
}

func evaluateTile(tile *BandSet, be *utils.BandExpressions, ix int, name string) (*Raster, error) {
	refs := be.ExprVarRef[ix]
	inputs, err := tile.bandList(refs...)
	if err != nil {
		return nil, err
	}

	out := NewRaster(name, tile.Width(), tile.Height())
	params := make(map[string]interface{}, len(refs))
	for i := range out.Data {
		hasNaN := false
		for iv, r := range inputs {
			v := r.Data[i]
			if math.IsNaN(v) {
				hasNaN = true
				break
			}
			params[refs[iv]] = v
		}
		if hasNaN {
			out.Data[i] = math.NaN()
			continue
		}

		v, err := be.EvaluateFloat(ix, params)
		if err != nil {
			return nil, err
		}
		out.Data[i] = v
	}
	return out, nil
}
