package processor

import (
	"fmt"
	"math"
	"sort"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Reducer names a per pixel (or per region) statistic over a stack of
// samples. NaN samples never contribute.
type Reducer string

const (
	ReduceMedian Reducer = "median"
	ReduceMean   Reducer = "mean"
	ReduceMin    Reducer = "min"
	ReduceMax    Reducer = "max"
	ReduceFirst  Reducer = "first"
	ReduceMosaic Reducer = "mosaic"
	ReduceCount  Reducer = "count"
)

func ParseReducer(name string) (Reducer, error) {
	switch r := Reducer(name); r {
	case ReduceMedian, ReduceMean, ReduceMin, ReduceMax, ReduceFirst, ReduceMosaic, ReduceCount:
		return r, nil
	case "":
		return ReduceMedian, nil
	}
	return "", fmt.Errorf("unknown reducer: %s", name)
}

// Reduce applies r to the valid values in vals, which are ordered
// oldest first. An empty input reduces to NaN, except for count.
func (r Reducer) Reduce(vals []float64) float64 {
	valid := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if r == ReduceCount {
		return float64(len(valid))
	}
	if len(valid) == 0 {
		return math.NaN()
	}

	switch r {
	case ReduceMean:
		return stat.Mean(valid, nil)
	case ReduceMin:
		return floats.Min(valid)
	case ReduceMax:
		return floats.Max(valid)
	case ReduceFirst:
		return valid[0]
	case ReduceMosaic:
		return valid[len(valid)-1]
	default:
		sort.Float64s(valid)
		n := len(valid)
		if n%2 == 1 {
			return valid[n/2]
		}
		return (valid[n/2-1] + valid[n/2]) / 2
	}
}

// Composite reduces a collection of band sets pixel by pixel into one
// band set holding the bands of the first image. The collection is
// ordered by time first so mosaic keeps the most recent valid pixel.
func Composite(sets []*BandSet, r Reducer) (*BandSet, error) {
	if len(sets) == 0 {
		return nil, fmt.Errorf("composite: %w", catalog.ErrEmptyResult)
	}
	ordered := make([]*BandSet, len(sets))
	copy(ordered, sets)
	SortByTime(ordered)

	first := ordered[0]
	names := first.Names()
	stacks := make([][]*Raster, len(names))
	for ib, name := range names {
		for _, bs := range ordered {
			band, err := bs.Band(name)
			if err != nil {
				return nil, fmt.Errorf("composite image %s: %w", bs.ID, err)
			}
			if !band.sameGrid(first.bands[name]) {
				return nil, fmt.Errorf("composite image %s band %s: %w", bs.ID, name, ErrGridMismatch)
			}
			stacks[ib] = append(stacks[ib], band)
		}
	}

	rasters := make([]*Raster, len(names))
	for ib, name := range names {
		stack := stacks[ib]
		out := NewRaster(name, first.Width(), first.Height())
		vals := make([]float64, len(stack))
		for i := range out.Data {
			for is, band := range stack {
				vals[is] = band.Data[i]
			}
			out.Data[i] = r.Reduce(vals)
		}
		rasters[ib] = out
	}

	composite, err := NewBandSet(rasters...)
	if err != nil {
		return nil, err
	}
	out := first.derive(composite.names, composite.bands)
	out.ID = fmt.Sprintf("%s_%s_%d", r, first.ID, len(ordered))
	out.Properties = map[string]float64{"IMAGE_COUNT": float64(len(ordered))}
	return out, nil
}
