package processor

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"time"
)

var (
	ErrMissingBand  = errors.New("missing band")
	ErrGridMismatch = errors.New("bands do not share the same pixel grid")
	ErrBandCount    = errors.New("unexpected number of bands")
)

// Raster is a single band of samples laid out row major.
// NaN marks an undefined sample.
type Raster struct {
	Name          string
	Width, Height int
	Data          []float64
}

func NewRaster(name string, width, height int) *Raster {
	return &Raster{Name: name, Width: width, Height: height, Data: make([]float64, width*height)}
}

// NewFilledRaster returns a raster with every sample set to v.
func NewFilledRaster(name string, width, height int, v float64) *Raster {
	r := NewRaster(name, width, height)
	for i := range r.Data {
		r.Data[i] = v
	}
	return r
}

func (r *Raster) At(x, y int) float64 {
	return r.Data[y*r.Width+x]
}

func (r *Raster) clone(name string) *Raster {
	out := &Raster{Name: name, Width: r.Width, Height: r.Height, Data: make([]float64, len(r.Data))}
	copy(out.Data, r.Data)
	return out
}

func (r *Raster) sameGrid(o *Raster) bool {
	return r.Width == o.Width && r.Height == o.Height && len(r.Data) == len(o.Data)
}

// ValidCount returns the number of samples that are not NaN.
func (r *Raster) ValidCount() int {
	n := 0
	for _, v := range r.Data {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

// BandSet is one multi band image. Values are never modified after
// construction; every operation returns a new BandSet sharing the
// untouched rasters with its parent.
type BandSet struct {
	ID           string
	TimeStamp    time.Time
	GeoTransform []float64
	Properties   map[string]float64

	names []string
	bands map[string]*Raster
}

// GridSize returns the number of samples of a width by height grid.
// Empty grids and sizes that do not fit in an int are rejected.
func GridSize(width, height int) (int, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("invalid %dx%d grid: %w", width, height, ErrGridMismatch)
	}
	if width > math.MaxInt/height {
		return 0, fmt.Errorf("%dx%d grid is too large: %w", width, height, ErrGridMismatch)
	}
	return width * height, nil
}

// NewBandSet validates that all rasters share one grid and that band
// names are unique.
func NewBandSet(rasters ...*Raster) (*BandSet, error) {
	bs := &BandSet{bands: make(map[string]*Raster, len(rasters))}
	for _, r := range rasters {
		if r == nil {
			return nil, fmt.Errorf("nil raster in band set")
		}
		n, err := GridSize(r.Width, r.Height)
		if err != nil {
			return nil, fmt.Errorf("band %s: %w", r.Name, err)
		}
		if len(r.Data) != n {
			return nil, fmt.Errorf("band %s: %d samples for a %dx%d grid: %w", r.Name, len(r.Data), r.Width, r.Height, ErrGridMismatch)
		}
		if _, found := bs.bands[r.Name]; found {
			return nil, fmt.Errorf("duplicate band name: %s", r.Name)
		}
		if len(bs.names) > 0 && !bs.bands[bs.names[0]].sameGrid(r) {
			first := bs.bands[bs.names[0]]
			return nil, fmt.Errorf("band %s is %dx%d, band %s is %dx%d: %w", r.Name, r.Width, r.Height, first.Name, first.Width, first.Height, ErrGridMismatch)
		}
		bs.names = append(bs.names, r.Name)
		bs.bands[r.Name] = r
	}
	return bs, nil
}

func (bs *BandSet) derive(names []string, bands map[string]*Raster) *BandSet {
	props := make(map[string]float64, len(bs.Properties))
	for k, v := range bs.Properties {
		props[k] = v
	}
	return &BandSet{
		ID:           bs.ID,
		TimeStamp:    bs.TimeStamp,
		GeoTransform: bs.GeoTransform,
		Properties:   props,
		names:        names,
		bands:        bands,
	}
}

func (bs *BandSet) Names() []string {
	names := make([]string, len(bs.names))
	copy(names, bs.names)
	return names
}

func (bs *BandSet) Len() int {
	return len(bs.names)
}

func (bs *BandSet) Width() int {
	if len(bs.names) == 0 {
		return 0
	}
	return bs.bands[bs.names[0]].Width
}

func (bs *BandSet) Height() int {
	if len(bs.names) == 0 {
		return 0
	}
	return bs.bands[bs.names[0]].Height
}

func (bs *BandSet) Property(key string) (float64, bool) {
	v, ok := bs.Properties[key]
	return v, ok
}

// Band returns the named raster. The returned raster must be treated
// as read only.
func (bs *BandSet) Band(name string) (*Raster, error) {
	r, ok := bs.bands[name]
	if !ok {
		return nil, fmt.Errorf("band %q not in %v: %w", name, bs.names, ErrMissingBand)
	}
	return r, nil
}

func (bs *BandSet) bandList(names ...string) ([]*Raster, error) {
	rasters := make([]*Raster, len(names))
	for i, name := range names {
		r, err := bs.Band(name)
		if err != nil {
			return nil, err
		}
		rasters[i] = r
	}
	return rasters, nil
}

// Select returns a band set holding only the given bands in the given order.
func (bs *BandSet) Select(names ...string) (*BandSet, error) {
	rasters, err := bs.bandList(names...)
	if err != nil {
		return nil, err
	}
	bands := make(map[string]*Raster, len(names))
	for _, r := range rasters {
		bands[r.Name] = r
	}
	ordered := make([]string, len(names))
	copy(ordered, names)
	return bs.derive(ordered, bands), nil
}

// SelectPattern returns the bands whose whole name matches pattern.
func (bs *BandSet) SelectPattern(pattern string) (*BandSet, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid band pattern %q: %v", pattern, err)
	}
	var names []string
	for _, name := range bs.names {
		if re.MatchString(name) {
			names = append(names, name)
		}
	}
	return bs.Select(names...)
}

// AddBands appends the rasters, replacing bands of the same name in
// place.
func (bs *BandSet) AddBands(rasters ...*Raster) (*BandSet, error) {
	names := bs.Names()
	bands := make(map[string]*Raster, len(bs.bands)+len(rasters))
	for k, v := range bs.bands {
		bands[k] = v
	}
	for _, r := range rasters {
		if len(names) > 0 && !bands[names[0]].sameGrid(r) {
			return nil, fmt.Errorf("band %s is %dx%d, band set is %dx%d: %w", r.Name, r.Width, r.Height, bs.Width(), bs.Height(), ErrGridMismatch)
		}
		if len(r.Data) != r.Width*r.Height {
			return nil, fmt.Errorf("band %s: %d samples for a %dx%d grid: %w", r.Name, len(r.Data), r.Width, r.Height, ErrGridMismatch)
		}
		if _, found := bands[r.Name]; !found {
			names = append(names, r.Name)
		}
		bands[r.Name] = r
	}
	return bs.derive(names, bands), nil
}

// Rename maps old band names to new ones. Names not in the mapping
// are kept.
func (bs *BandSet) Rename(mapping map[string]string) (*BandSet, error) {
	names := make([]string, len(bs.names))
	bands := make(map[string]*Raster, len(bs.bands))
	for i, name := range bs.names {
		newName := name
		if n, ok := mapping[name]; ok {
			newName = n
		}
		if _, dup := bands[newName]; dup {
			return nil, fmt.Errorf("rename produces duplicate band name: %s", newName)
		}
		r := bs.bands[name]
		if newName != name {
			r = &Raster{Name: newName, Width: r.Width, Height: r.Height, Data: r.Data}
		}
		names[i] = newName
		bands[newName] = r
	}
	for old := range mapping {
		if _, ok := bs.bands[old]; !ok {
			return nil, fmt.Errorf("band %q not in %v: %w", old, bs.names, ErrMissingBand)
		}
	}
	return bs.derive(names, bands), nil
}

// WithProperty returns a copy of the band set carrying key=v.
func (bs *BandSet) WithProperty(key string, v float64) *BandSet {
	out := bs.derive(bs.Names(), bs.bands)
	out.Properties[key] = v
	return out
}

// PixelCenter returns the georeferenced centre of pixel (x, y).
func (bs *BandSet) PixelCenter(x, y int) (float64, float64, bool) {
	gt := bs.GeoTransform
	if len(gt) != 6 {
		return 0, 0, false
	}
	px := float64(x) + 0.5
	py := float64(y) + 0.5
	return gt[0] + px*gt[1] + py*gt[2], gt[3] + px*gt[4] + py*gt[5], true
}

// PixelAt returns the pixel containing the georeferenced point.
// The geotransform is assumed to be north up.
func (bs *BandSet) PixelAt(gx, gy float64) (int, int, bool) {
	gt := bs.GeoTransform
	if len(gt) != 6 || gt[1] == 0 || gt[5] == 0 {
		return 0, 0, false
	}
	x := int(math.Floor((gx - gt[0]) / gt[1]))
	y := int(math.Floor((gy - gt[3]) / gt[5]))
	if x < 0 || y < 0 || x >= bs.Width() || y >= bs.Height() {
		return 0, 0, false
	}
	return x, y, true
}

// SortByTime orders band sets by acquisition time, oldest first.
func SortByTime(sets []*BandSet) {
	sort.SliceStable(sets, func(i, j int) bool {
		return sets[i].TimeStamp.Before(sets[j].TimeStamp)
	})
}
