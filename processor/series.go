package processor

import (
	"fmt"
	"math"
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
)

type SeriesPoint struct {
	Date  time.Time
	Value float64
}

// Series is one regionally reduced value per image date.
type Series struct {
	Name    string
	Band    string
	Reducer Reducer
	Points  []SeriesPoint
}

// Valid returns the points holding a defined value.
func (s *Series) Valid() []SeriesPoint {
	out := make([]SeriesPoint, 0, len(s.Points))
	for _, p := range s.Points {
		if !math.IsNaN(p.Value) {
			out = append(out, p)
		}
	}
	return out
}

// RegionalSeries reduces band over region for every image of the
// collection, oldest first. A nil region covers the whole grid.
// Images without a valid pixel in the region keep a NaN point.
func RegionalSeries(sets []*BandSet, band string, region *Region, r Reducer) (*Series, error) {
	if len(sets) == 0 {
		return nil, fmt.Errorf("series: %w", catalog.ErrEmptyResult)
	}
	if r == ReduceMosaic || r == ReduceFirst {
		return nil, fmt.Errorf("series: %s is not a regional reducer", r)
	}

	ordered := make([]*BandSet, len(sets))
	copy(ordered, sets)
	SortByTime(ordered)

	series := &Series{Band: band, Reducer: r}
	for _, bs := range ordered {
		raster, err := bs.Band(band)
		if err != nil {
			return nil, fmt.Errorf("series image %s: %w", bs.ID, err)
		}

		vals := raster.Data
		if region != nil {
			mask, err := region.Mask(bs)
			if err != nil {
				return nil, fmt.Errorf("series image %s: %w", bs.ID, err)
			}
			vals = make([]float64, 0, len(mask))
			for i, inside := range mask {
				if inside {
					vals = append(vals, raster.Data[i])
				}
			}
		}
		series.Points = append(series.Points, SeriesPoint{Date: bs.TimeStamp, Value: r.Reduce(vals)})
	}
	return series, nil
}
