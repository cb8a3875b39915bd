package processor

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// band is a name and its row major samples.
type band struct {
	name string
	data []float64
}

func newTestBandSet(t *testing.T, width, height int, bands ...band) *BandSet {
	t.Helper()
	rasters := make([]*Raster, len(bands))
	for i, b := range bands {
		rasters[i] = &Raster{Name: b.name, Width: width, Height: height, Data: b.data}
	}
	bs, err := NewBandSet(rasters...)
	require.NoError(t, err)
	bs.Properties = map[string]float64{}
	return bs
}

func TestNewBandSet(t *testing.T) {
	_, err := NewBandSet(&Raster{Name: "a", Width: 2, Height: 1, Data: []float64{1, 2}},
		&Raster{Name: "b", Width: 1, Height: 2, Data: []float64{1, 2}})
	assert.ErrorIs(t, err, ErrGridMismatch)

	_, err = NewBandSet(&Raster{Name: "a", Width: 2, Height: 2, Data: []float64{1, 2}})
	assert.ErrorIs(t, err, ErrGridMismatch)

	_, err = NewBandSet(NewRaster("a", 1, 1), NewRaster("a", 1, 1))
	assert.Error(t, err)

	for _, r := range []*Raster{
		{Name: "negative", Width: -6, Height: -1, Data: make([]float64, 6)},
		{Name: "negative width", Width: -2, Height: 3},
		{Name: "empty", Width: 0, Height: 0},
		{Name: "overflow", Width: math.MaxInt/2 + 1, Height: 2},
	} {
		_, err = NewBandSet(r)
		assert.ErrorIs(t, err, ErrGridMismatch, r.Name)
	}

	bs, err := NewBandSet(NewRaster("a", 3, 2), NewRaster("b", 3, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, bs.Names())
	assert.Equal(t, 3, bs.Width())
	assert.Equal(t, 2, bs.Height())
}

func TestSelectAndRename(t *testing.T) {
	bs := newTestBandSet(t, 1, 1,
		band{"SR_B4", []float64{1}}, band{"SR_B5", []float64{2}}, band{"ST_B10", []float64{3}})

	sel, err := bs.Select("SR_B5", "SR_B4")
	require.NoError(t, err)
	assert.Equal(t, []string{"SR_B5", "SR_B4"}, sel.Names())

	_, err = bs.Select("SR_B7")
	assert.ErrorIs(t, err, ErrMissingBand)

	sr, err := bs.SelectPattern("SR_B.*")
	require.NoError(t, err)
	assert.Equal(t, []string{"SR_B4", "SR_B5"}, sr.Names())

	renamed, err := bs.Rename(map[string]string{"SR_B4": "red"})
	require.NoError(t, err)
	assert.Equal(t, []string{"red", "SR_B5", "ST_B10"}, renamed.Names())
	red, err := renamed.Band("red")
	require.NoError(t, err)
	assert.Equal(t, "red", red.Name)

	_, err = bs.Rename(map[string]string{"SR_B4": "SR_B5"})
	assert.Error(t, err)
	_, err = bs.Rename(map[string]string{"B1": "x"})
	assert.ErrorIs(t, err, ErrMissingBand)

	// the parent is untouched
	assert.Equal(t, []string{"SR_B4", "SR_B5", "ST_B10"}, bs.Names())
}

func TestAddBands(t *testing.T) {
	bs := newTestBandSet(t, 2, 1, band{"a", []float64{1, 2}}, band{"b", []float64{3, 4}})
	bs.ID = "scene"
	bs.TimeStamp = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	out, err := bs.AddBands(&Raster{Name: "a", Width: 2, Height: 1, Data: []float64{9, 9}},
		&Raster{Name: "c", Width: 2, Height: 1, Data: []float64{5, 6}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, out.Names())
	assert.Equal(t, "scene", out.ID)
	assert.Equal(t, bs.TimeStamp, out.TimeStamp)

	a, _ := out.Band("a")
	assert.Equal(t, []float64{9, 9}, a.Data)
	orig, _ := bs.Band("a")
	assert.Equal(t, []float64{1, 2}, orig.Data)

	_, err = bs.AddBands(NewRaster("d", 1, 2))
	assert.ErrorIs(t, err, ErrGridMismatch)

	withProp := out.WithProperty("CLOUD_COVER", 12)
	v, ok := withProp.Property("CLOUD_COVER")
	assert.True(t, ok)
	assert.Equal(t, 12.0, v)
	_, ok = out.Property("CLOUD_COVER")
	assert.False(t, ok)
}

func TestPixelGeometry(t *testing.T) {
	bs := newTestBandSet(t, 4, 2, band{"a", make([]float64, 8)})

	_, _, ok := bs.PixelCenter(0, 0)
	assert.False(t, ok)

	bs.GeoTransform = []float64{100, 10, 0, 50, 0, -10}
	x, y, ok := bs.PixelCenter(1, 1)
	require.True(t, ok)
	assert.Equal(t, 115.0, x)
	assert.Equal(t, 35.0, y)

	px, py, ok := bs.PixelAt(139.9, 30.1)
	require.True(t, ok)
	assert.Equal(t, 3, px)
	assert.Equal(t, 1, py)

	_, _, ok = bs.PixelAt(140.1, 40)
	assert.False(t, ok)
	_, _, ok = bs.PixelAt(99, 40)
	assert.False(t, ok)
}

func TestSortByTime(t *testing.T) {
	mk := func(id string, day int) *BandSet {
		return &BandSet{ID: id, TimeStamp: time.Date(2023, 6, day, 0, 0, 0, 0, time.UTC)}
	}
	sets := []*BandSet{mk("c", 20), mk("a", 1), mk("b", 10)}
	SortByTime(sets)
	var ids []string
	for _, s := range sets {
		ids = append(ids, s.ID)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
		t.Errorf("SortByTime mismatch (-want +got):\n%s", diff)
	}
}

func TestValidCount(t *testing.T) {
	r := &Raster{Name: "a", Width: 3, Height: 1, Data: []float64{1, math.NaN(), 0}}
	assert.Equal(t, 2, r.ValidCount())
}

func TestGridSize(t *testing.T) {
	n, err := GridSize(3, 2)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	for _, wh := range [][2]int{{0, 1}, {1, 0}, {-6, -1}, {math.MaxInt, 2}} {
		_, err := GridSize(wh[0], wh[1])
		assert.ErrorIs(t, err, ErrGridMismatch, "%dx%d", wh[0], wh[1])
	}
}
