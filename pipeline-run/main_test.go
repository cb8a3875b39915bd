package main

import (
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	proc "github.com/arminnakhjiri/BasicGEE/processor"
	"github.com/arminnakhjiri/BasicGEE/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitLayer(t *testing.T) {
	ns, name := splitLayer("ndvi")
	assert.Equal(t, ".", ns)
	assert.Equal(t, "ndvi", name)

	ns, name = splitLayer("/landsat/demo/ndvi")
	assert.Equal(t, "landsat/demo", ns)
	assert.Equal(t, "ndvi", name)
}

func TestParseFormats(t *testing.T) {
	formats, err := parseFormats("png, CSV")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"png": true, "csv": true}, formats)

	_, err = parseFormats("jpg")
	assert.Error(t, err)
	_, err = parseFormats(" , ")
	assert.Error(t, err)
}

// testService catalogues one scene a week in June 2023 and serves the
// bands from memory.
func testService(t *testing.T) (*utils.Config, *proc.MemoryReader) {
	reader := &proc.MemoryReader{Images: make(map[string]*proc.BandSet)}
	var scenes []*catalog.Scene
	for i, day := range []int{2, 9, 23} {
		id := "LC08_166037_202306" + []string{"02", "09", "23"}[i]
		scenes = append(scenes, &catalog.Scene{
			ID:           id,
			Collection:   "landsat",
			Acquired:     time.Date(2023, 6, day, 7, 0, 0, 0, time.UTC),
			BBox:         [4]float64{50, 36, 52, 38},
			GeoTransform: []float64{50, 1, 0, 38, 0, -1},
		})
		bs, err := proc.NewBandSet(
			proc.NewFilledRaster(proc.LandsatRed, 2, 2, 0.1),
			proc.NewFilledRaster(proc.LandsatNIR, 2, 2, 0.1*float64(i+2)),
		)
		require.NoError(t, err)
		reader.Images[id] = bs
	}

	mas := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		f := catalog.Filter{Collection: strings.Trim(r.URL.Path, "/")}
		f.Since, _ = utils.ParseISODate(query.Get("time"))
		f.Until, _ = utils.ParseISODate(query.Get("until"))
		found := catalog.SceneCollection{}
		for _, sc := range scenes {
			if f.Match(sc) {
				found = append(found, sc)
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"scenes": found})
	}))
	t.Cleanup(mas.Close)

	conf := &utils.Config{
		ServiceConfig: utils.ServiceConfig{MASAddress: mas.URL},
		Layers: []utils.Layer{{
			Name:          "ndvi_weekly",
			Title:         "NDVI",
			Collection:    "landsat",
			StartISODate:  "2023-06-01",
			EndISODate:    "2023-06-29",
			Dates:         []string{"2023-06-01", "2023-06-08", "2023-06-15", "2023-06-22"},
			Region:        json.RawMessage(`[50, 36, 52, 38]`),
			Bands:         []string{proc.LandsatRed, proc.LandsatNIR},
			Indices:       []string{"ndvi"},
			Reducer:       "median",
			SeriesReducer: "mean",
			Vis:           utils.VisParams{Bands: []string{proc.NDVIBand}, Min: 0, Max: 1, Gamma: 1},
		}},
	}
	return conf, reader
}

func TestRun(t *testing.T) {
	conf, reader := testService(t)
	out := t.TempDir()
	o := options{outDir: out, formats: map[string]bool{"png": true, "csv": true}, legend: true}

	require.NoError(t, run(context.Background(), conf, &conf.Layers[0], reader, o))

	for _, name := range []string{"ndvi_weekly_2023-06-01.png", "ndvi_weekly_2023-06-08.png", "ndvi_weekly_2023-06-22.png"} {
		f, err := os.Open(filepath.Join(out, name))
		require.NoError(t, err, name)
		_, err = png.Decode(f)
		f.Close()
		assert.NoError(t, err, name)
	}
	_, err := os.Stat(filepath.Join(out, "ndvi_weekly_2023-06-15.png"))
	assert.True(t, os.IsNotExist(err), "a period without scenes writes nothing")

	csv, err := os.ReadFile(filepath.Join(out, "ndvi_weekly.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csv)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "date,band,value", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "2023-06-02,NDVI,0.33333"), lines[1])
}

func TestRunEmpty(t *testing.T) {
	conf, reader := testService(t)
	o := options{outDir: t.TempDir(), formats: map[string]bool{"png": true}, start: "2023-07-01", end: "2023-08-01"}
	err := run(context.Background(), conf, &conf.Layers[0], reader, o)
	assert.Error(t, err)

	o.start, o.end = "", ""
	o.bbox = "1,2,3"
	err = run(context.Background(), conf, &conf.Layers[0], reader, o)
	assert.Error(t, err)
}
