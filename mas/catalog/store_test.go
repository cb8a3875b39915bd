package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScenes() []*Scene {
	day := func(d int) time.Time { return time.Date(2024, 6, d, 10, 30, 0, 0, time.UTC) }
	return []*Scene{
		{ID: "LC09_166037_20240602", Collection: "landsat/c2l2", Acquired: day(2), CloudCover: 35.5, WRSPath: 166, WRSRow: 37,
			BBox: [4]float64{50, 34, 52, 36}, Bands: map[string]string{"SR_B4": "/data/a_B4.TIF"}},
		{ID: "LC09_166037_20240618", Collection: "landsat/c2l2", Acquired: day(18), CloudCover: 2.1, WRSPath: 166, WRSRow: 37,
			BBox: [4]float64{50, 34, 52, 36}, Bands: map[string]string{"SR_B4": "/data/b_B4.TIF"}, GeoTransform: []float64{50, 0.01, 0, 36, 0, -0.01}},
		{ID: "LC09_165037_20240611", Collection: "landsat/c2l2", Acquired: day(11), CloudCover: 8.0, WRSPath: 165, WRSRow: 37,
			BBox: [4]float64{52, 34, 54, 36}, Bands: map[string]string{"SR_B4": "/data/c_B4.TIF"}},
		{ID: "S2_T39SWV_20240605", Collection: "sentinel2", Acquired: day(5), CloudCover: 1.0,
			BBox: [4]float64{50, 34, 51, 35}},
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "catalog.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Insert(context.Background(), testScenes()...))
	return store
}

func sceneIDs(c SceneCollection) []string {
	ids := make([]string, len(c))
	for i, s := range c {
		ids[i] = s.ID
	}
	return ids
}

func TestStoreSearch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	maxCloud := 10.0

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"collection", Filter{Collection: "landsat/c2l2"},
			[]string{"LC09_166037_20240602", "LC09_165037_20240611", "LC09_166037_20240618"}},
		{"date range is half open", Filter{Collection: "landsat/c2l2",
			Since: time.Date(2024, 6, 2, 10, 30, 0, 0, time.UTC), Until: time.Date(2024, 6, 18, 10, 30, 0, 0, time.UTC)},
			[]string{"LC09_166037_20240602", "LC09_165037_20240611"}},
		{"wrs path and row", Filter{WRSPath: 166, WRSRow: 37},
			[]string{"LC09_166037_20240602", "LC09_166037_20240618"}},
		{"cloud cover is exclusive", Filter{Collection: "landsat/c2l2", MaxCloudCover: &maxCloud},
			[]string{"LC09_165037_20240611", "LC09_166037_20240618"}},
		{"bbox", Filter{BBox: &[4]float64{53, 35, 53.5, 35.5}},
			[]string{"LC09_165037_20240611"}},
		{"no match", Filter{Collection: "modis"}, []string{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.Search(ctx, tc.filter)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, sceneIDs(got)); diff != "" {
				t.Errorf("Search() mismatch (-want +got):\n%s", diff)
			}
			// the SQL query and the in-memory filter must agree
			assert.Equal(t, tc.want, sceneIDs(SceneCollection(testScenes()).SortByTime().Filter(tc.filter)))
		})
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := openTestStore(t)
	got, err := store.Get(context.Background(), "LC09_166037_20240618")
	require.NoError(t, err)

	want := testScenes()[1]
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrEmptyResult)
}

func TestStoreUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sc := testScenes()[0]
	sc.CloudCover = 0.5
	require.NoError(t, store.Insert(ctx, sc))

	got, err := store.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.CloudCover)

	collections, err := store.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"landsat/c2l2", "sentinel2"}, collections)
}

func TestSchemaVersion(t *testing.T) {
	store := openTestStore(t)
	version, dirty, err := SchemaVersion(store.DB, store.Driver)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
}

func TestInvalidFilter(t *testing.T) {
	store := openTestStore(t)
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.Search(context.Background(), Filter{Since: day, Until: day})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{Driver: DriverPostgres}
	assert.Equal(t, "a = $1 AND b < $2", pg.rebind("a = ? AND b < ?"))
	lite := &Store{Driver: DriverSQLite}
	assert.Equal(t, "a = ? AND b < ?", lite.rebind("a = ? AND b < ?"))
}
