package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"github.com/arminnakhjiri/BasicGEE/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testScene struct {
	id         string
	acquired   time.Time
	nir, red   float64
	kelvin     float64
	cloudCover float64
}

var testScenes = []testScene{
	{"LC08_166037_20230602", day(2), 0.3, 0.1, 300, 12},
	{"LC08_166037_20230618", day(18), 0.4, 0.2, 305, 3},
	{"LC08_166037_20230705", time.Date(2023, 7, 5, 0, 0, 0, 0, time.UTC), 0.5, 0.1, 310, 30},
}

// newTestMAS serves ?intersects searches over the test scenes.
func newTestMAS(t *testing.T) (*httptest.Server, *MemoryReader) {
	reader := &MemoryReader{Images: make(map[string]*BandSet)}
	var scenes []*catalog.Scene
	for _, ts := range testScenes {
		scenes = append(scenes, &catalog.Scene{
			ID:           ts.id,
			Collection:   "landsat",
			Acquired:     ts.acquired,
			CloudCover:   ts.cloudCover,
			WRSPath:      166,
			WRSRow:       37,
			BBox:         [4]float64{50, 36, 52, 38},
			GeoTransform: []float64{50, 1, 0, 38, 0, -1},
		})
		reader.Images[ts.id] = newTestBandSet(t, 2, 2,
			band{LandsatRed, []float64{reflectanceDN(ts.red), reflectanceDN(ts.red), reflectanceDN(ts.red), reflectanceDN(ts.red)}},
			band{LandsatNIR, []float64{reflectanceDN(ts.nir), reflectanceDN(ts.nir), reflectanceDN(ts.nir), reflectanceDN(ts.nir)}},
			band{LandsatTIRS1, []float64{kelvinDN(ts.kelvin), kelvinDN(ts.kelvin), kelvinDN(ts.kelvin), kelvinDN(ts.kelvin)}},
			band{"QA_PIXEL", []float64{0, 0, 0, 0}},
		)
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if _, ok := query["intersects"]; !ok {
			http.Error(w, `{"error": "unsupported"}`, http.StatusBadRequest)
			return
		}
		f := catalog.Filter{Collection: strings.Trim(r.URL.Path, "/")}
		if v := query.Get("time"); len(v) > 0 {
			f.Since, _ = utils.ParseISODate(v)
		}
		if v := query.Get("until"); len(v) > 0 {
			f.Until, _ = utils.ParseISODate(v)
		}
		resp := searchResponse{Scenes: catalog.SceneCollection{}}
		for _, sc := range scenes {
			if f.Match(sc) {
				resp.Scenes = append(resp.Scenes, sc)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(ts.Close)
	return ts, reader
}

func testLayer() *utils.Layer {
	return &utils.Layer{
		Name:         "ndvi_median",
		Collection:   "landsat",
		StartISODate: "2023-06-01",
		EndISODate:   "2023-08-01",
		Dates:        []string{"2023-06-01", "2023-07-01"},
		Bands:        []string{LandsatRed, LandsatNIR, LandsatTIRS1},
		Scaling:      "landsat_c2l2",
		Indices:      []string{"ndvi", "lst"},
		Reducer:      "median",
	}
}

func waitResult[T any](t *testing.T, out chan T, errChan chan error) (T, error) {
	t.Helper()
	select {
	case res, ok := <-out:
		if ok {
			return res, nil
		}
		select {
		case err := <-errChan:
			return res, err
		case <-time.After(time.Second):
			t.Fatal("pipeline closed without a result or error")
		}
		return res, nil
	case err := <-errChan:
		var zero T
		return zero, err
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline timed out")
	}
	var zero T
	return zero, nil
}

func TestLayerPipelineProcess(t *testing.T) {
	mas, reader := newTestMAS(t)
	errChan := make(chan error, 100)
	lp := InitLayerPipeline(context.Background(), mas.URL, reader, nil, errChan)

	req, err := NewLayerRequest(testLayer(), time.Time{}, time.Time{})
	require.NoError(t, err)

	composite, err := waitResult(t, lp.Process(req, false), errChan)
	require.NoError(t, err)
	require.NotNil(t, composite)

	assert.Equal(t, []string{LandsatRed, LandsatNIR, LandsatTIRS1, NDVIBand, LSTBand}, composite.Names())
	assert.Equal(t, day(1), composite.TimeStamp)
	assert.Equal(t, "median_LC08_166037_20230602_3", composite.ID)
	assert.InDeltaSlice(t, []float64{0.5, 0.5, 0.5, 0.5}, bandData(t, composite, NDVIBand), 1e-9)
	assert.InDeltaSlice(t, []float64{31.85, 31.85, 31.85, 31.85}, bandData(t, composite, LSTBand), 1e-6)
	assert.Equal(t, 3, lp.Indexer.NumScenes)
}

func TestLayerPipelineProcessPeriods(t *testing.T) {
	mas, reader := newTestMAS(t)
	errChan := make(chan error, 100)
	lp := InitLayerPipeline(context.Background(), mas.URL, reader, nil, errChan)

	layer := testLayer()
	layer.Dates = append(layer.Dates, "2023-05-01")
	req, err := NewLayerRequest(layer, time.Time{}, time.Time{})
	require.NoError(t, err)

	periods, err := waitResult(t, lp.ProcessPeriods(req, false), errChan)
	require.NoError(t, err)
	require.Len(t, periods, 2)

	assert.Equal(t, day(1), periods[0].TimeStamp)
	assert.InDelta(t, (0.5+1.0/3.0)/2, bandData(t, periods[0], NDVIBand)[0], 1e-9)
	assert.Equal(t, time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC), periods[1].TimeStamp)
	assert.InDelta(t, 2.0/3.0, bandData(t, periods[1], NDVIBand)[0], 1e-9)
}

func TestLayerPipelineProcessImages(t *testing.T) {
	mas, reader := newTestMAS(t)
	errChan := make(chan error, 100)
	lp := InitLayerPipeline(context.Background(), mas.URL, reader, nil, errChan)
	lp.ConcLimit = 1

	req, err := NewLayerRequest(testLayer(), time.Time{}, time.Time{})
	require.NoError(t, err)

	images, err := waitResult(t, lp.ProcessImages(req, false), errChan)
	require.NoError(t, err)
	require.Len(t, images, 3)
	for i, img := range images {
		assert.Equal(t, testScenes[i].id, img.ID)
		assert.Equal(t, testScenes[i].acquired, img.TimeStamp)
		cc, ok := img.Property("CLOUD_COVER")
		assert.True(t, ok)
		assert.Equal(t, testScenes[i].cloudCover, cc)
		assert.Equal(t, []float64{50, 1, 0, 38, 0, -1}, img.GeoTransform)
	}

	series, err := RegionalSeries(images, NDVIBand, NewBoundRegion(50, 36, 52, 38), ReduceMean)
	require.NoError(t, err)
	require.Len(t, series.Points, 3)
	assert.InDelta(t, 1.0/3.0, series.Points[1].Value, 1e-9)
}

func TestLayerPipelineEmptyResult(t *testing.T) {
	mas, reader := newTestMAS(t)
	errChan := make(chan error, 100)
	lp := InitLayerPipeline(context.Background(), mas.URL, reader, nil, errChan)

	req, err := NewLayerRequest(testLayer(),
		time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2022, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	_, err = waitResult(t, lp.Process(req, false), errChan)
	assert.ErrorIs(t, err, catalog.ErrEmptyResult)
}

func TestLayerPipelineReadError(t *testing.T) {
	mas, _ := newTestMAS(t)
	errChan := make(chan error, 100)
	lp := InitLayerPipeline(context.Background(), mas.URL, &MemoryReader{}, nil, errChan)

	req, err := NewLayerRequest(testLayer(), time.Time{}, time.Time{})
	require.NoError(t, err)

	_, err = waitResult(t, lp.Process(req, false), errChan)
	assert.ErrorContains(t, err, "no image for scene")
}

func TestSplitPeriods(t *testing.T) {
	layer := testLayer()
	req, err := NewLayerRequest(layer, day(10), time.Date(2023, 7, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	periods, err := SplitPeriods(req)
	require.NoError(t, err)
	require.Len(t, periods, 2)
	assert.Equal(t, day(10), periods[0].StartTime)
	assert.Equal(t, time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC), periods[0].EndTime)
	assert.Equal(t, time.Date(2023, 7, 20, 0, 0, 0, 0, time.UTC), periods[1].EndTime)

	layer.Dates = nil
	periods, err = SplitPeriods(req)
	require.NoError(t, err)
	assert.Equal(t, []*LayerRequest{req}, periods)

	layer.Dates = []string{"2024-01-01"}
	_, err = SplitPeriods(req)
	assert.Error(t, err)

	layer.Dates = []string{"June"}
	_, err = SplitPeriods(req)
	assert.Error(t, err)
}
