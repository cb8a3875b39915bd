package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrEmptyResult is returned when a query or filter chain matches no
// scene and the caller asked for one.
var ErrEmptyResult = errors.New("no scene matches the query")

// Scene is one catalogued acquisition. Bands maps band names to the
// file holding them.
type Scene struct {
	ID           string            `json:"id" yaml:"id"`
	Collection   string            `json:"collection" yaml:"collection"`
	Acquired     time.Time         `json:"acquired" yaml:"acquired"`
	CloudCover   float64           `json:"cloud_cover" yaml:"cloud_cover"`
	WRSPath      int               `json:"wrs_path" yaml:"wrs_path"`
	WRSRow       int               `json:"wrs_row" yaml:"wrs_row"`
	BBox         [4]float64        `json:"bbox" yaml:"bbox"`
	Polygon      string            `json:"polygon" yaml:"polygon"`
	Bands        map[string]string `json:"bands" yaml:"bands"`
	GeoTransform []float64         `json:"geotransform,omitempty" yaml:"geotransform,omitempty"`
}

func (s *Scene) Intersects(bbox [4]float64) bool {
	return s.BBox[0] <= bbox[2] && bbox[0] <= s.BBox[2] && s.BBox[1] <= bbox[3] && bbox[1] <= s.BBox[3]
}

// Filter selects scenes. Zero values disable a criterion; MaxCloudCover
// is exclusive and Until is exclusive.
type Filter struct {
	Collection    string
	Since         time.Time
	Until         time.Time
	BBox          *[4]float64
	WRSPath       int
	WRSRow        int
	MaxCloudCover *float64
	Limit         int
}

func (f *Filter) Match(s *Scene) bool {
	if len(f.Collection) > 0 && s.Collection != f.Collection {
		return false
	}
	if !f.Since.IsZero() && s.Acquired.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !s.Acquired.Before(f.Until) {
		return false
	}
	if f.BBox != nil && !s.Intersects(*f.BBox) {
		return false
	}
	if f.WRSPath > 0 && s.WRSPath != f.WRSPath {
		return false
	}
	if f.WRSRow > 0 && s.WRSRow != f.WRSRow {
		return false
	}
	if f.MaxCloudCover != nil && !(s.CloudCover < *f.MaxCloudCover) {
		return false
	}
	return true
}

func (f *Filter) Validate() error {
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Since.Before(f.Until) {
		return fmt.Errorf("empty date range: %s to %s", f.Since.Format(time.RFC3339), f.Until.Format(time.RFC3339))
	}
	if f.BBox != nil && (f.BBox[0] > f.BBox[2] || f.BBox[1] > f.BBox[3]) {
		return fmt.Errorf("invalid bbox: %v", *f.BBox)
	}
	return nil
}

// SceneCollection is an ordered result of a catalog query. Methods
// return new collections and never modify the receiver.
type SceneCollection []*Scene

func (c SceneCollection) Size() int {
	return len(c)
}

func (c SceneCollection) Filter(f Filter) SceneCollection {
	var out SceneCollection
	for _, s := range c {
		if f.Match(s) {
			out = append(out, s)
		}
	}
	return out
}

// SortByCloudCover orders scenes from least to most cloudy, oldest
// first among equals.
func (c SceneCollection) SortByCloudCover() SceneCollection {
	out := make(SceneCollection, len(c))
	copy(out, c)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CloudCover != out[j].CloudCover {
			return out[i].CloudCover < out[j].CloudCover
		}
		return out[i].Acquired.Before(out[j].Acquired)
	})
	return out
}

func (c SceneCollection) SortByTime() SceneCollection {
	out := make(SceneCollection, len(c))
	copy(out, c)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Acquired.Before(out[j].Acquired)
	})
	return out
}

// First returns the first scene or ErrEmptyResult.
func (c SceneCollection) First() (*Scene, error) {
	if len(c) == 0 {
		return nil, ErrEmptyResult
	}
	return c[0], nil
}

// NonEmpty returns ErrEmptyResult for an empty collection.
func (c SceneCollection) NonEmpty() (SceneCollection, error) {
	if len(c) == 0 {
		return nil, ErrEmptyResult
	}
	return c, nil
}
