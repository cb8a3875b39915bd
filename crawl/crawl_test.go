package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	extr "github.com/arminnakhjiri/BasicGEE/crawl/extractor"
	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(i int) *extr.SceneRecord {
	return &extr.SceneRecord{
		Sidecar: fmt.Sprintf("/data/scene_%d.scene.yaml", i),
		Format:  extr.FormatScene,
		Scene: &catalog.Scene{
			ID:         fmt.Sprintf("scene_%04d", i),
			Collection: "landsat",
			Acquired:   time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
			BBox:       [4]float64{50, 36, 52, 38},
			Bands:      map[string]string{"SR_B4": "/data/b4.tif"},
		},
	}
}

func TestOutput(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	out := &output{w: w, format: "tsv"}
	require.NoError(t, out.write(testRecord(1)))
	out.format = "json"
	require.NoError(t, out.write(testRecord(2)))
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	parts := strings.SplitN(lines[0], "\t", 3)
	require.Len(t, parts, 3)
	assert.Equal(t, "/data/scene_1.scene.yaml", parts[0])
	assert.Equal(t, extr.FormatScene, parts[1])

	var rec extr.SceneRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "scene_0002", rec.Scene.ID)
}

func TestInserter(t *testing.T) {
	store, err := catalog.Open(catalog.DriverSQLite, filepath.Join(t.TempDir(), "catalog.db"), false)
	require.NoError(t, err)
	defer store.Close()

	ins := &inserter{store: store}
	n := insertBatch + 3
	for i := 0; i < n; i++ {
		require.NoError(t, ins.add(testRecord(i)))
	}
	assert.Equal(t, insertBatch, ins.total)
	require.NoError(t, ins.flush())
	assert.Equal(t, n, ins.total)
	assert.Empty(t, ins.pending)

	scenes, err := store.Search(context.Background(), catalog.Filter{Collection: "landsat"})
	require.NoError(t, err)
	assert.Equal(t, n, scenes.Size())
}

func TestReadLines(t *testing.T) {
	lines, err := readLines(strings.NewReader("a_MTL.json\n\nb.scene.yaml\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a_MTL.json", "b.scene.yaml"}, lines)
}
