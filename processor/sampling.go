package processor

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// LabeledFeature is one training location. Points sample a single
// pixel, polygons every pixel whose centre they contain.
type LabeledFeature struct {
	Geometry orb.Geometry
	Label    int
}

// ParseLabeledFeatures reads a GeoJSON FeatureCollection whose
// features carry an integer class in property.
func ParseLabeledFeatures(raw []byte, property string) ([]LabeledFeature, error) {
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("problem unmarshalling training features: %v", err)
	}

	out := make([]LabeledFeature, 0, len(fc.Features))
	for i, f := range fc.Features {
		v, ok := f.Properties[property]
		if !ok {
			return nil, fmt.Errorf("training feature %d has no %q property", i, property)
		}
		label, ok := v.(float64)
		if !ok || label != math.Trunc(label) {
			return nil, fmt.Errorf("training feature %d: %q must be an integer class, got %v", i, property, v)
		}
		switch f.Geometry.(type) {
		case orb.Point, orb.MultiPoint, orb.Polygon, orb.MultiPolygon:
		default:
			return nil, fmt.Errorf("training feature %d: unsupported geometry %s", i, f.Geometry.GeoJSONType())
		}
		out = append(out, LabeledFeature{Geometry: f.Geometry, Label: int(label)})
	}
	return out, nil
}

// TrainingTable holds one row of band values per sampled pixel.
// Labels is nil for unsupervised samples.
type TrainingTable struct {
	Bands  []string
	Rows   [][]float64
	Labels []int
}

func (t *TrainingTable) Len() int {
	return len(t.Rows)
}

// ClassCounts returns the number of rows per label.
func (t *TrainingTable) ClassCounts() map[int]int {
	counts := make(map[int]int)
	for _, l := range t.Labels {
		counts[l]++
	}
	return counts
}

func (t *TrainingTable) add(row []float64, label int, labeled bool) {
	t.Rows = append(t.Rows, row)
	if labeled {
		t.Labels = append(t.Labels, label)
	}
}

// pixelRow returns the band values at pixel i, or false if any is NaN.
func pixelRow(rasters []*Raster, i int) ([]float64, bool) {
	row := make([]float64, len(rasters))
	for ib, r := range rasters {
		v := r.Data[i]
		if math.IsNaN(v) {
			return nil, false
		}
		row[ib] = v
	}
	return row, true
}

// SampleRegions builds a training table from the pixels under the
// labeled features. Locations outside the grid and pixels with any
// NaN band are dropped.
func SampleRegions(bs *BandSet, features []LabeledFeature, bands []string) (*TrainingTable, error) {
	if len(bands) == 0 {
		bands = bs.Names()
	}
	rasters, err := bs.bandList(bands...)
	if err != nil {
		return nil, err
	}
	if len(bs.GeoTransform) != 6 {
		return nil, fmt.Errorf("sample regions: %w", ErrNoGeoTransform)
	}

	table := &TrainingTable{Bands: append([]string(nil), bands...)}
	w := bs.Width()
	for _, f := range features {
		var pixels []int
		switch g := f.Geometry.(type) {
		case orb.Point:
			if x, y, ok := bs.PixelAt(g[0], g[1]); ok {
				pixels = append(pixels, y*w+x)
			}
		case orb.MultiPoint:
			for _, p := range g {
				if x, y, ok := bs.PixelAt(p[0], p[1]); ok {
					pixels = append(pixels, y*w+x)
				}
			}
		default:
			mask, err := (&Region{Geometry: g}).Mask(bs)
			if err != nil {
				return nil, err
			}
			for i, inside := range mask {
				if inside {
					pixels = append(pixels, i)
				}
			}
		}

		for _, i := range pixels {
			if row, ok := pixelRow(rasters, i); ok {
				table.add(row, f.Label, true)
			}
		}
	}
	return table, nil
}

// SamplePixels draws up to numPixels distinct valid pixels inside
// region (the whole grid when region is nil). The same seed always
// selects the same pixels.
func SamplePixels(bs *BandSet, region *Region, numPixels int, seed int64) (*TrainingTable, error) {
	if numPixels <= 0 {
		return nil, fmt.Errorf("sample pixels: numPixels must be positive, got %d", numPixels)
	}
	rasters, err := bs.bandList(bs.names...)
	if err != nil {
		return nil, err
	}

	var mask []bool
	if region != nil {
		if mask, err = region.Mask(bs); err != nil {
			return nil, fmt.Errorf("sample pixels: %w", err)
		}
	}

	var candidates []int
	for i := 0; i < bs.Width()*bs.Height(); i++ {
		if mask != nil && !mask[i] {
			continue
		}
		if _, ok := pixelRow(rasters, i); ok {
			candidates = append(candidates, i)
		}
	}

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > numPixels {
		candidates = candidates[:numPixels]
	}

	table := &TrainingTable{Bands: bs.Names()}
	for _, i := range candidates {
		row, _ := pixelRow(rasters, i)
		table.add(row, 0, false)
	}
	return table, nil
}
