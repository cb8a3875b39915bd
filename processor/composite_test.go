package processor

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(d int) time.Time {
	return time.Date(2023, 6, d, 0, 0, 0, 0, time.UTC)
}

func TestReducers(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		reducer Reducer
		vals    []float64
		want    float64
	}{
		{ReduceMedian, []float64{3, 1, 2}, 2},
		{ReduceMedian, []float64{4, 1, nan, 2, 3}, 2.5},
		{ReduceMean, []float64{1, nan, 2, 6}, 3},
		{ReduceMin, []float64{nan, 5, -1, 3}, -1},
		{ReduceMax, []float64{nan, 5, -1, 3}, 5},
		{ReduceFirst, []float64{nan, 5, -1}, 5},
		{ReduceMosaic, []float64{7, 5, nan}, 5},
		{ReduceCount, []float64{7, nan, nan}, 1},
		{ReduceCount, []float64{nan}, 0},
	}
	for _, tc := range tests {
		t.Run(string(tc.reducer), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.reducer.Reduce(tc.vals))
		})
	}

	for _, r := range []Reducer{ReduceMedian, ReduceMean, ReduceMin, ReduceMax, ReduceFirst, ReduceMosaic} {
		assert.True(t, math.IsNaN(r.Reduce([]float64{nan, nan})), "%s of nothing", r)
		assert.True(t, math.IsNaN(r.Reduce(nil)), "%s of nil", r)
	}
}

func TestParseReducer(t *testing.T) {
	r, err := ParseReducer("")
	require.NoError(t, err)
	assert.Equal(t, ReduceMedian, r)

	r, err = ParseReducer("mosaic")
	require.NoError(t, err)
	assert.Equal(t, ReduceMosaic, r)

	_, err = ParseReducer("mode")
	assert.Error(t, err)
}

func compositeInputs(t *testing.T) []*BandSet {
	nan := math.NaN()
	a := newTestBandSet(t, 2, 1, band{"NDVI", []float64{1, nan}}, band{"LST", []float64{20, 21}})
	a.ID, a.TimeStamp = "a", day(10)
	b := newTestBandSet(t, 2, 1, band{"NDVI", []float64{3, 5}}, band{"LST", []float64{30, 31}})
	b.ID, b.TimeStamp = "b", day(1)
	c := newTestBandSet(t, 2, 1, band{"NDVI", []float64{2, nan}}, band{"LST", []float64{25, nan}})
	c.ID, c.TimeStamp = "c", day(20)
	return []*BandSet{a, b, c}
}

func TestComposite(t *testing.T) {
	tests := []struct {
		reducer  Reducer
		wantNDVI []float64
		wantLST  []float64
	}{
		{ReduceMedian, []float64{2, 5}, []float64{25, 26}},
		{ReduceMean, []float64{2, 5}, []float64{25, 26}},
		{ReduceMosaic, []float64{2, 5}, []float64{25, 21}},
		{ReduceFirst, []float64{3, 5}, []float64{30, 31}},
		{ReduceCount, []float64{3, 1}, []float64{3, 2}},
	}
	for _, tc := range tests {
		t.Run(string(tc.reducer), func(t *testing.T) {
			out, err := Composite(compositeInputs(t), tc.reducer)
			require.NoError(t, err)
			assert.Equal(t, []string{"NDVI", "LST"}, out.Names())
			assert.Equal(t, tc.wantNDVI, bandData(t, out, "NDVI"))
			assert.Equal(t, tc.wantLST, bandData(t, out, "LST"))
			assert.Equal(t, string(tc.reducer)+"_b_3", out.ID)
			assert.Equal(t, day(1), out.TimeStamp)
			count, _ := out.Property("IMAGE_COUNT")
			assert.Equal(t, 3.0, count)
		})
	}
}

func TestCompositeErrors(t *testing.T) {
	_, err := Composite(nil, ReduceMedian)
	assert.ErrorIs(t, err, catalog.ErrEmptyResult)

	sets := compositeInputs(t)
	missing := newTestBandSet(t, 2, 1, band{"NDVI", []float64{1, 1}})
	missing.TimeStamp = day(30)
	_, err = Composite(append(sets, missing), ReduceMedian)
	assert.ErrorIs(t, err, ErrMissingBand)

	other := newTestBandSet(t, 1, 2, band{"NDVI", []float64{1, 1}}, band{"LST", []float64{1, 1}})
	other.TimeStamp = day(30)
	_, err = Composite(append(sets, other), ReduceMedian)
	assert.ErrorIs(t, err, ErrGridMismatch)
}

func seriesInputs(t *testing.T) []*BandSet {
	gt := []float64{0, 1, 0, 2, 0, -1}
	mk := func(id string, d int, vals []float64) *BandSet {
		bs := newTestBandSet(t, 2, 2, band{"NDVI", vals})
		bs.ID, bs.TimeStamp, bs.GeoTransform = id, day(d), gt
		return bs
	}
	nan := math.NaN()
	return []*BandSet{
		mk("late", 20, []float64{0.6, 0.2, 0.2, 0.2}),
		mk("early", 5, []float64{0.2, 0.4, 0.6, 0.8}),
		mk("cloudy", 12, []float64{nan, 0.1, 0.1, 0.1}),
	}
}

func TestRegionalSeries(t *testing.T) {
	s, err := RegionalSeries(seriesInputs(t), "NDVI", nil, ReduceMean)
	require.NoError(t, err)
	require.Len(t, s.Points, 3)
	assert.Equal(t, day(5), s.Points[0].Date)
	assert.InDelta(t, 0.5, s.Points[0].Value, 1e-12)
	assert.InDelta(t, 0.1, s.Points[1].Value, 1e-12)
	assert.InDelta(t, 0.3, s.Points[2].Value, 1e-12)

	// the region covers the top left pixel only
	region := NewBoundRegion(0, 1, 1, 2)
	s, err = RegionalSeries(seriesInputs(t), "NDVI", region, ReduceMedian)
	require.NoError(t, err)
	assert.Equal(t, 0.2, s.Points[0].Value)
	assert.True(t, math.IsNaN(s.Points[1].Value))
	assert.Equal(t, 0.6, s.Points[2].Value)

	valid := s.Valid()
	require.Len(t, valid, 2)
	assert.Equal(t, day(20), valid[1].Date)

	_, err = RegionalSeries(nil, "NDVI", nil, ReduceMean)
	assert.ErrorIs(t, err, catalog.ErrEmptyResult)
	_, err = RegionalSeries(seriesInputs(t), "NDVI", nil, ReduceMosaic)
	assert.Error(t, err)
	_, err = RegionalSeries(seriesInputs(t), "LST", nil, ReduceMean)
	assert.ErrorIs(t, err, ErrMissingBand)
}

func TestEncodeSeries(t *testing.T) {
	s, err := RegionalSeries(seriesInputs(t), "NDVI", NewBoundRegion(0, 1, 1, 2), ReduceMax)
	require.NoError(t, err)
	s.Name = "greenness"

	var buf bytes.Buffer
	require.NoError(t, EncodeSeriesCSV(&buf, s))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"date,band,value",
		"2023-06-05,NDVI,0.2",
		"2023-06-12,NDVI,",
		"2023-06-20,NDVI,0.6",
	}, lines)

	buf.Reset()
	require.NoError(t, EncodeSeriesPNG(&buf, s, 300, 200))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))

	buf.Reset()
	require.NoError(t, EncodeSeriesHTML(&buf, s))
	assert.Contains(t, buf.String(), "greenness: max NDVI")
	assert.Contains(t, buf.String(), "2023-06-20")
	assert.NotContains(t, buf.String(), "2023-06-12")
}
