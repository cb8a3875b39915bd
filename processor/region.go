package processor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	geo "github.com/nci/geometry"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
)

var ErrNoGeoTransform = errors.New("band set has no geotransform")

// Region is a lon/lat area of interest used to query the catalog and
// to mask pixels.
type Region struct {
	Geometry orb.Geometry
	wkt      string
}

// ParseRegion accepts a GeoJSON Feature, FeatureCollection (first
// feature), bare Polygon or MultiPolygon geometry, or a
// [minx, miny, maxx, maxy] array.
func ParseRegion(raw []byte) (*Region, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("empty region")
	}

	if raw[0] == '[' {
		var bbox []float64
		if err := json.Unmarshal(raw, &bbox); err != nil {
			return nil, fmt.Errorf("problem unmarshalling region bbox: %v", err)
		}
		if len(bbox) != 4 || bbox[0] >= bbox[2] || bbox[1] >= bbox[3] {
			return nil, fmt.Errorf("region bbox must be [minx, miny, maxx, maxy]: %v", bbox)
		}
		b := orb.Bound{Min: orb.Point{bbox[0], bbox[1]}, Max: orb.Point{bbox[2], bbox[3]}}
		poly := b.ToPolygon()
		return &Region{Geometry: poly, wkt: wkt.MarshalString(poly)}, nil
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("problem unmarshalling GeoJSON object: %v", err)
	}

	var feat geo.Feature
	switch head.Type {
	case "Feature":
		if err := json.Unmarshal(raw, &feat); err != nil {
			return nil, fmt.Errorf("problem unmarshalling GeoJSON object: %v", err)
		}
	case "FeatureCollection":
		var fc geo.FeatureCollection
		if err := json.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("problem unmarshalling GeoJSON object: %v", err)
		}
		if len(fc.Features) == 0 {
			return nil, fmt.Errorf("region feature collection has no features")
		}
		feat.Geometry = fc.Features[0].Geometry
	default:
		wrapped := fmt.Sprintf(`{"type": "Feature", "geometry": %s}`, raw)
		if err := json.Unmarshal([]byte(wrapped), &feat); err != nil {
			return nil, fmt.Errorf("problem unmarshalling GeoJSON object: %v", err)
		}
	}

	switch feat.Geometry.(type) {
	case *geo.Polygon, *geo.MultiPolygon:
	default:
		return nil, fmt.Errorf("geometry not supported, regions must be Polygon or MultiPolygon")
	}

	featWKT := feat.Geometry.MarshalWKT()
	g, err := wkt.Unmarshal(featWKT)
	if err != nil {
		return nil, fmt.Errorf("invalid region geometry %s: %v", featWKT, err)
	}
	return &Region{Geometry: g, wkt: featWKT}, nil
}

// NewBoundRegion returns a rectangular region.
func NewBoundRegion(minX, minY, maxX, maxY float64) *Region {
	poly := orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}.ToPolygon()
	return &Region{Geometry: poly, wkt: wkt.MarshalString(poly)}
}

// ParseWKTRegion reads a Polygon or MultiPolygon in WKT.
func ParseWKTRegion(s string) (*Region, error) {
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid region geometry %s: %v", s, err)
	}
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
	default:
		return nil, fmt.Errorf("geometry not supported, regions must be Polygon or MultiPolygon")
	}
	return &Region{Geometry: g, wkt: s}, nil
}

// WKT is the form posted to the metadata service.
func (r *Region) WKT() string {
	return r.wkt
}

func (r *Region) BBox() [4]float64 {
	b := r.Geometry.Bound()
	return [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}

// Area is the planar area in squared degrees.
func (r *Region) Area() float64 {
	return planar.Area(r.Geometry)
}

func (r *Region) Contains(x, y float64) bool {
	p := orb.Point{x, y}
	switch g := r.Geometry.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, p)
	case orb.Bound:
		return g.Contains(p)
	case orb.Ring:
		return planar.RingContains(g, p)
	}
	return false
}

// Mask reports for every pixel whether its centre lies inside r.
func (r *Region) Mask(bs *BandSet) ([]bool, error) {
	if len(bs.GeoTransform) != 6 {
		return nil, ErrNoGeoTransform
	}
	w, h := bs.Width(), bs.Height()
	mask := make([]bool, w*h)
	b := r.Geometry.Bound()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			cx, cy, _ := bs.PixelCenter(x, y)
			if cx < b.Min[0] || cx > b.Max[0] || cy < b.Min[1] || cy > b.Max[1] {
				continue
			}
			mask[y*w+x] = r.Contains(cx, cy)
		}
	}
	return mask, nil
}

// Clip sets every pixel whose centre falls outside r to NaN.
func Clip(bs *BandSet, r *Region) (*BandSet, error) {
	mask, err := r.Mask(bs)
	if err != nil {
		return nil, fmt.Errorf("clip: %w", err)
	}

	rasters := make([]*Raster, 0, bs.Len())
	for _, name := range bs.names {
		out := bs.bands[name].clone(name)
		for i, inside := range mask {
			if !inside {
				out.Data[i] = math.NaN()
			}
		}
		rasters = append(rasters, out)
	}
	return bs.AddBands(rasters...)
}
