package engine

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"github.com/arminnakhjiri/BasicGEE/processor"
	"github.com/arminnakhjiri/BasicGEE/utils"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func testBandSet(t *testing.T) *processor.BandSet {
	t.Helper()
	nir := &processor.Raster{Name: "SR_B5", Width: 3, Height: 2, Data: []float64{0.3, 0.4, 0.5, 0.6, math.NaN(), 0.2}}
	red := &processor.Raster{Name: "SR_B4", Width: 3, Height: 2, Data: []float64{0.1, 0.2, 0.1, 0.2, 0.1, 0.2}}
	bs, err := processor.NewBandSet(nir, red)
	require.NoError(t, err)
	bs.ID = "LC08_166037_20230602"
	bs.TimeStamp = time.Date(2023, 6, 2, 7, 0, 0, 0, time.UTC)
	bs.GeoTransform = []float64{50, 1, 0, 38, 0, -1}
	bs.Properties = map[string]float64{"CLOUD_COVER": 12.5, "WRS_PATH": 166}
	return bs
}

func bandValues(t *testing.T, bs *processor.BandSet, name string) []float64 {
	t.Helper()
	r, err := bs.Band(name)
	require.NoError(t, err)
	return r.Data
}

func TestBandSetCodec(t *testing.T) {
	bs := testBandSet(t)
	s, err := EncodeBandSet(bs)
	require.NoError(t, err)

	got, err := DecodeBandSet(s)
	require.NoError(t, err)
	assert.Equal(t, bs.ID, got.ID)
	assert.True(t, bs.TimeStamp.Equal(got.TimeStamp))
	assert.Equal(t, bs.GeoTransform, got.GeoTransform)
	assert.Equal(t, bs.Names(), got.Names())
	if diff := cmp.Diff(bs.Properties, got.Properties); diff != "" {
		t.Errorf("properties mismatch (-want +got):\n%s", diff)
	}
	nir := bandValues(t, got, "SR_B5")
	assert.True(t, math.IsNaN(nir[4]))
	assert.Equal(t, 0.6, nir[3])

	delete(s.Fields, "width")
	_, err = DecodeBandSet(s)
	assert.Error(t, err)
}

func TestDecodeRejectsBadGrids(t *testing.T) {
	samples := encodeSamples(make([]float64, 6))
	for _, tc := range []struct {
		name          string
		width, height float64
	}{
		{"negative", -6, -1},
		{"zero", 0, 6},
		{"fractional", 2.5, 2.4},
		{"huge", 1e12, 1e12},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, err := structpb.NewStruct(map[string]interface{}{
				"width":  tc.width,
				"height": tc.height,
				"names":  []interface{}{"SR_B4"},
				"bands":  []interface{}{samples},
			})
			require.NoError(t, err)
			_, err = DecodeBandSet(s)
			assert.ErrorIs(t, err, processor.ErrGridMismatch)
			assert.Equal(t, codes.InvalidArgument, status.Code(statusError(err)))

			s, err = structpb.NewStruct(map[string]interface{}{
				"name":   "SR_B4",
				"width":  tc.width,
				"height": tc.height,
				"data":   samples,
			})
			require.NoError(t, err)
			_, err = DecodeRaster(s)
			assert.ErrorIs(t, err, processor.ErrGridMismatch)
		})
	}
}

func TestTableCodec(t *testing.T) {
	table := &processor.TrainingTable{
		Bands:  []string{"SR_B4", "SR_B5"},
		Rows:   [][]float64{{0.1, 0.3}, {0.2, 0.4}},
		Labels: []int{1, 2},
	}
	s, err := EncodeTable(table)
	require.NoError(t, err)
	got, err := DecodeTable(s)
	require.NoError(t, err)
	if diff := cmp.Diff(table, got); diff != "" {
		t.Errorf("table mismatch (-want +got):\n%s", diff)
	}

	table.Labels = nil
	s, err = EncodeTable(table)
	require.NoError(t, err)
	got, err = DecodeTable(s)
	require.NoError(t, err)
	assert.Nil(t, got.Labels)
}

func TestConfusionMatrix(t *testing.T) {
	m, err := NewConfusionMatrix([]int{1, 1, 1, 2, 2, 3}, []int{1, 1, 2, 2, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, m.Classes)
	assert.Equal(t, [][]float64{{2, 1, 0}, {0, 2, 0}, {0, 0, 1}}, m.Rows())
	assert.Equal(t, 1.0, m.Count(1, 2))
	assert.Equal(t, 0.0, m.Count(4, 1))
	assert.InDelta(t, 5.0/6.0, m.Accuracy(), 1e-12)
	assert.InDelta(t, 17.0/23.0, m.Kappa(), 1e-12)
	assert.InDeltaSlice(t, []float64{2.0 / 3.0, 1, 1}, m.ProducersAccuracy(), 1e-12)
	assert.InDeltaSlice(t, []float64{1, 2.0 / 3.0, 1}, m.ConsumersAccuracy(), 1e-12)

	b, err := json.Marshal(m)
	require.NoError(t, err)
	var decoded ConfusionMatrix
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, m.Rows(), decoded.Rows())

	perfect, err := NewConfusionMatrix([]int{1, 1}, []int{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, perfect.Kappa())

	_, err = NewConfusionMatrix([]int{1}, []int{1, 2})
	assert.Error(t, err)
	_, err = ConfusionMatrixFromRows([]int{1, 1}, [][]float64{{1, 0}, {0, 1}})
	assert.Error(t, err)
}

// trainingEngine trains a threshold model on the first band.
type trainingEngine struct {
	Local
	threshold float64
}

func (e *trainingEngine) Train(ctx context.Context, table *processor.TrainingTable, spec ModelSpec) (*Model, error) {
	m := &Model{ID: "model-" + spec.Algorithm, Kind: spec.Kind}
	if spec.Kind == KindClassifier {
		predicted := make([]int, table.Len())
		for i, row := range table.Rows {
			predicted[i] = e.label(row[0])
		}
		cm, err := NewConfusionMatrix(table.Labels, predicted)
		if err != nil {
			return nil, err
		}
		m.Accuracy = cm
	}
	return m, nil
}

func (e *trainingEngine) label(v float64) int {
	if v > e.threshold {
		return 2
	}
	return 1
}

func (e *trainingEngine) Classify(ctx context.Context, modelID string, bs *processor.BandSet) (*processor.Raster, error) {
	first, err := bs.Band(bs.Names()[0])
	if err != nil {
		return nil, err
	}
	out := processor.NewRaster("classification", first.Width, first.Height)
	for i, v := range first.Data {
		if math.IsNaN(v) {
			out.Data[i] = math.NaN()
			continue
		}
		out.Data[i] = float64(e.label(v))
	}
	return out, nil
}

func newTestMAS(t *testing.T) *httptest.Server {
	scenes := catalog.SceneCollection{
		{ID: "cloudy", Collection: "landsat", Acquired: time.Date(2023, 6, 2, 0, 0, 0, 0, time.UTC), CloudCover: 40, BBox: [4]float64{50, 36, 52, 38}},
		{ID: "clear", Collection: "landsat", Acquired: time.Date(2023, 6, 18, 0, 0, 0, 0, time.UTC), CloudCover: 2, BBox: [4]float64{50, 36, 52, 38}},
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		resp := map[string]interface{}{"scenes": scenes}
		if len(r.PostForm.Get("wkt")) == 0 || r.URL.Query().Get("time") == "2030-01-01T00:00:00.000Z" {
			resp["scenes"] = catalog.SceneCollection{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func startEngine(t *testing.T, e Engine) *Client {
	t.Helper()
	lis := bufconn.Listen(4 << 20)
	s := grpc.NewServer()
	RegisterEngineServer(s, NewServer(e, false))
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	c := NewClientFromConn(conn)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientQuery(t *testing.T) {
	mas := newTestMAS(t)
	c := startEngine(t, NewLocal(mas.URL, nil, false))
	ctx := context.Background()
	region := processor.NewBoundRegion(50.5, 36.5, 51, 37)

	scenes, err := c.Query(ctx, catalog.Filter{Collection: "landsat"}, region)
	require.NoError(t, err)
	require.Len(t, scenes, 2)
	assert.Equal(t, "cloudy", scenes[0].ID)
	assert.True(t, scenes[0].Acquired.Equal(time.Date(2023, 6, 2, 0, 0, 0, 0, time.UTC)))

	first, err := First(ctx, c, catalog.Filter{Collection: "landsat"}, region)
	require.NoError(t, err)
	assert.Equal(t, "clear", first.ID)

	_, err = First(ctx, c, catalog.Filter{Collection: "landsat", Since: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}, region)
	assert.ErrorIs(t, err, catalog.ErrEmptyResult)

	bad := catalog.Filter{Collection: "landsat", Since: time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), Until: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)}
	_, err = c.Query(ctx, bad, region)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestClientEvaluateTile(t *testing.T) {
	c := startEngine(t, NewLocal("", nil, false))
	bs := testBandSet(t)

	r, err := c.EvaluateTile(context.Background(), bs, "(SR_B5 - SR_B4) / (SR_B5 + SR_B4)", "NDVI")
	require.NoError(t, err)
	assert.Equal(t, "NDVI", r.Name)
	assert.InDelta(t, 0.5, r.Data[0], 1e-12)
	assert.True(t, math.IsNaN(r.Data[4]))

	_, err = c.EvaluateTile(context.Background(), bs, "SR_B7 * 2", "x")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// a client serves as a remote worker for the tile dispatcher
	be, err := utils.ParseBandExpressions([]string{"diff=SR_B5-SR_B4"})
	require.NoError(t, err)
	td := processor.NewTileDispatcher([]processor.TileEvaluator{c}, 2, 2)
	out, err := td.EvaluateProducts(context.Background(), bs, be)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.2, 0.2, 0.4, 0.4}, []float64{
		bandValues(t, out, "diff")[0], bandValues(t, out, "diff")[1],
		bandValues(t, out, "diff")[2], bandValues(t, out, "diff")[3],
	}, 1e-12)
}

func TestLocalTrainingIsUnimplemented(t *testing.T) {
	c := startEngine(t, NewLocal("", nil, false))
	table := &processor.TrainingTable{Bands: []string{"SR_B5"}, Rows: [][]float64{{0.1}}, Labels: []int{1}}

	_, err := TrainClassifier(context.Background(), c, table, "smileRandomForest", nil)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
	_, err = c.Classify(context.Background(), "model", testBandSet(t))
	assert.Equal(t, codes.Unimplemented, status.Code(err))
	_, err = c.SubmitExport(context.Background(), testBandSet(t), ExportSpec{Description: "x"})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestClientTrainAndClassify(t *testing.T) {
	c := startEngine(t, &trainingEngine{threshold: 0.35})
	ctx := context.Background()
	table := &processor.TrainingTable{
		Bands:  []string{"SR_B5"},
		Rows:   [][]float64{{0.3}, {0.4}, {0.5}, {0.33}},
		Labels: []int{1, 2, 2, 2},
	}

	model, err := TrainClassifier(ctx, c, table, "smileRandomForest", map[string]float64{"numberOfTrees": 10})
	require.NoError(t, err)
	assert.Equal(t, "model-smileRandomForest", model.ID)
	assert.Equal(t, KindClassifier, model.Kind)
	require.NotNil(t, model.Accuracy)
	assert.InDelta(t, 0.75, model.Accuracy.Accuracy(), 1e-12)

	labels, err := c.Classify(ctx, model.ID, testBandSet(t))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 2, 2}, labels.Data[:4])
	assert.True(t, math.IsNaN(labels.Data[4]))

	clusters, err := TrainClusterer(ctx, c, table, "wekaKMeans", map[string]float64{"nClusters": 2})
	require.NoError(t, err)
	assert.Equal(t, KindClusterer, clusters.Kind)
	assert.Nil(t, clusters.Accuracy)

	_, err = TrainClassifier(ctx, c, &processor.TrainingTable{Bands: []string{"SR_B5"}, Rows: [][]float64{{1}}}, "cart", nil)
	assert.Error(t, err)
	_, err = c.Train(ctx, table, ModelSpec{Kind: "regressor", Algorithm: "cart"})
	assert.Error(t, err)
}

func TestExportQueue(t *testing.T) {
	dir := t.TempDir()
	queue := NewExportQueue(dir, 1, false)
	c := startEngine(t, NewLocal("", queue, false))
	bs := testBandSet(t)

	spec := ExportSpec{
		Description: "ndvi june/2023",
		Folder:      "../exports",
		Region:      processor.NewBoundRegion(50, 36, 52, 38),
		MaxPixels:   1e6,
	}
	jobID, err := c.SubmitExport(context.Background(), bs, spec)
	require.NoError(t, err)
	assert.Len(t, jobID, 36)
	queue.StopWait()

	path := filepath.Join(dir, "exports", "ndvi_june_2023.tif")
	assert.Equal(t, path, queue.OutputPath(spec, jobID))
	_, err = os.Stat(path)
	require.NoError(t, err)

	manifest, err := ReadManifest(path + manifestSuffix)
	require.NoError(t, err)
	assert.Equal(t, jobID, manifest.Fields["job_id"].GetStringValue())
	assert.Equal(t, 3.0, manifest.Fields["width"].GetNumberValue())
	assert.NotEmpty(t, manifest.Fields["wkt"].GetStringValue())

	spec.MaxPixels = 5
	_, err = c.SubmitExport(context.Background(), bs, spec)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPrepareExport(t *testing.T) {
	bs := testBandSet(t)
	out, err := prepare(bs, ExportSpec{Scale: 0.5, MaxPixels: 24})
	require.NoError(t, err)
	assert.Equal(t, 6, out.Width())
	assert.Equal(t, 4, out.Height())

	_, err = prepare(bs, ExportSpec{Scale: 0.5, MaxPixels: 23})
	assert.ErrorIs(t, err, ErrTooManyPixels)

	out, err = prepare(bs, ExportSpec{Region: processor.NewBoundRegion(50, 37, 51, 38)})
	require.NoError(t, err)
	nir := bandValues(t, out, "SR_B5")
	assert.Equal(t, 0.3, nir[0])
	assert.True(t, math.IsNaN(nir[1]))
}
