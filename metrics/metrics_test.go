package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToJSON(t *testing.T) {
	info := &MetricsInfo{
		URL:        URLInfo{RawURL: "http://localhost:8080/map/landsat/ndvi.png?START=2024-06-01&legend=true"},
		RemoteAddr: "10.0.0.7:51234",
		HTTPStatus: 200,
		Catalog: &CatalogInfo{
			Geometry: "POLYGON((51 35,51.1 35,51.1 35.1,51 35.1,51 35))",
		},
		Compute: &ComputeInfo{NumImages: 3},
	}

	out, err := info.ToJSON()
	require.NoError(t, err)

	var decoded MetricsInfo
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "10.0.0.7", decoded.RemoteHost)
	assert.Equal(t, "51234", decoded.RemotePort)
	assert.Equal(t, "/map/landsat/ndvi.png", decoded.URL.Path)
	assert.Equal(t, "2024-06-01", decoded.URL.Query["start"])
	assert.Equal(t, 3, decoded.Compute.NumImages)

	// a 0.1 degree cell near 35N is roughly 9.1km x 11.1km
	assert.InDelta(t, 1.01e8, decoded.Catalog.RegionM2, 0.05e8)
}

func TestToJSONEmptyGeometry(t *testing.T) {
	info := &MetricsInfo{Catalog: &CatalogInfo{}}
	out, err := info.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, out, `"geometry":"POLYGON EMPTY"`)
}

func TestFileLogger(t *testing.T) {
	dir := t.TempDir()
	logger := NewFileLogger(dir, 1, 2, false)

	for i := 0; i < 8; i++ {
		logger.Log(&MetricsInfo{Layer: "ndvi", HTTPStatus: 200})
	}

	// every record exceeds the one byte limit, so writers rotate on
	// each write but never keep more than two rotated files each
	require.Eventually(t, func() bool {
		return len(logger.MetricsQueue) == 0
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	for idx := 0; idx < defaultLogWriters; idx++ {
		matches, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("log%d.*", idx)))
		require.NoError(t, err)
		assert.LessOrEqual(t, len(matches), 2)
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("", false)
	require.NoError(t, err)
	assert.IsType(t, &StdoutLogger{}, logger)

	t.Setenv("BANDMATH_MAX_LOG_FILES", "3")
	dir := filepath.Join(t.TempDir(), "metrics")
	logger, err = NewLogger(dir, false)
	require.NoError(t, err)
	require.IsType(t, &FileLogger{}, logger)
	assert.Equal(t, 3, logger.(*FileLogger).MaxLogFiles)
	_, err = os.Stat(dir)
	assert.NoError(t, err)

	t.Setenv("BANDMATH_MAX_LOG_FILE_SIZE", "big")
	_, err = NewLogger(dir, false)
	assert.Error(t, err)
}
