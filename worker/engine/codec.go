package engine

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"github.com/arminnakhjiri/BasicGEE/processor"
	"google.golang.org/protobuf/types/known/structpb"
)

// Samples travel as base64 little endian float64 so NaN survives the
// trip; structpb numbers cannot carry it.

func encodeSamples(data []float64) string {
	buf := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeSamples(s string, n int) ([]float64, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(buf) != 8*n {
		return nil, fmt.Errorf("%d bytes for %d samples", len(buf), n)
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return data, nil
}

func floatList(vals []float64) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func stringList(vals []string) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func field(s *structpb.Struct, key string) (*structpb.Value, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, fmt.Errorf("message has no %q field", key)
	}
	return v, nil
}

func stringField(s *structpb.Struct, key string) (string, error) {
	v, err := field(s, key)
	if err != nil {
		return "", err
	}
	if _, ok := v.GetKind().(*structpb.Value_StringValue); !ok {
		return "", fmt.Errorf("field %q is not a string", key)
	}
	return v.GetStringValue(), nil
}

func numberField(s *structpb.Struct, key string) (float64, error) {
	v, err := field(s, key)
	if err != nil {
		return 0, err
	}
	if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
		return 0, fmt.Errorf("field %q is not a number", key)
	}
	return v.GetNumberValue(), nil
}

// dimension reads a positive integral grid dimension.
func dimension(s *structpb.Struct, key string) (int, error) {
	v, err := numberField(s, key)
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) || v < 1 || v > math.MaxInt32 {
		return 0, fmt.Errorf("field %s: invalid dimension %v: %w", key, v, processor.ErrGridMismatch)
	}
	return int(v), nil
}

func optionalString(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func numberList(s *structpb.Struct, key string) []float64 {
	vals := s.GetFields()[key].GetListValue().GetValues()
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = v.GetNumberValue()
	}
	return out
}

func stringsField(s *structpb.Struct, key string) []string {
	vals := s.GetFields()[key].GetListValue().GetValues()
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = v.GetStringValue()
	}
	return out
}

// EncodeRaster packs one band.
func EncodeRaster(r *processor.Raster) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"name":   r.Name,
		"width":  r.Width,
		"height": r.Height,
		"data":   encodeSamples(r.Data),
	})
}

func DecodeRaster(s *structpb.Struct) (*processor.Raster, error) {
	name, err := stringField(s, "name")
	if err != nil {
		return nil, err
	}
	width, err := dimension(s, "width")
	if err != nil {
		return nil, err
	}
	height, err := dimension(s, "height")
	if err != nil {
		return nil, err
	}
	n, err := processor.GridSize(width, height)
	if err != nil {
		return nil, fmt.Errorf("raster %s: %w", name, err)
	}
	encoded, err := stringField(s, "data")
	if err != nil {
		return nil, err
	}
	data, err := decodeSamples(encoded, n)
	if err != nil {
		return nil, fmt.Errorf("raster %s: %v", name, err)
	}
	return &processor.Raster{Name: name, Width: width, Height: height, Data: data}, nil
}

// EncodeBandSet packs a band set with its georeferencing and
// properties.
func EncodeBandSet(bs *processor.BandSet) (*structpb.Struct, error) {
	names := bs.Names()
	bands := make([]interface{}, len(names))
	for i, name := range names {
		r, err := bs.Band(name)
		if err != nil {
			return nil, err
		}
		bands[i] = encodeSamples(r.Data)
	}
	props := make(map[string]interface{}, len(bs.Properties))
	for k, v := range bs.Properties {
		props[k] = v
	}

	m := map[string]interface{}{
		"id":           bs.ID,
		"width":        bs.Width(),
		"height":       bs.Height(),
		"names":        stringList(names),
		"bands":        bands,
		"geotransform": floatList(bs.GeoTransform),
		"properties":   props,
	}
	if !bs.TimeStamp.IsZero() {
		m["timestamp"] = bs.TimeStamp.Format(time.RFC3339Nano)
	}
	return structpb.NewStruct(m)
}

func DecodeBandSet(s *structpb.Struct) (*processor.BandSet, error) {
	width, err := dimension(s, "width")
	if err != nil {
		return nil, err
	}
	height, err := dimension(s, "height")
	if err != nil {
		return nil, err
	}
	names := stringsField(s, "names")
	bands := stringsField(s, "bands")
	if len(names) != len(bands) {
		return nil, fmt.Errorf("%d band names for %d bands", len(names), len(bands))
	}

	n, err := processor.GridSize(width, height)
	if err != nil {
		return nil, err
	}
	rasters := make([]*processor.Raster, len(names))
	for i, name := range names {
		data, err := decodeSamples(bands[i], n)
		if err != nil {
			return nil, fmt.Errorf("band %s: %v", name, err)
		}
		rasters[i] = &processor.Raster{Name: name, Width: width, Height: height, Data: data}
	}

	bs, err := processor.NewBandSet(rasters...)
	if err != nil {
		return nil, err
	}
	bs.ID = optionalString(s, "id")
	if ts := optionalString(s, "timestamp"); len(ts) > 0 {
		if bs.TimeStamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, err
		}
	}
	if gt := numberList(s, "geotransform"); len(gt) == 6 {
		bs.GeoTransform = gt
	}
	bs.Properties = make(map[string]float64)
	for k, v := range s.GetFields()["properties"].GetStructValue().GetFields() {
		bs.Properties[k] = v.GetNumberValue()
	}
	return bs, nil
}

// EncodeTable packs a training table. Rows travel as one sample
// string per row.
func EncodeTable(t *processor.TrainingTable) (*structpb.Struct, error) {
	rows := make([]interface{}, len(t.Rows))
	for i, row := range t.Rows {
		rows[i] = encodeSamples(row)
	}
	m := map[string]interface{}{
		"bands": stringList(t.Bands),
		"rows":  rows,
	}
	if t.Labels != nil {
		labels := make([]interface{}, len(t.Labels))
		for i, l := range t.Labels {
			labels[i] = l
		}
		m["labels"] = labels
	}
	return structpb.NewStruct(m)
}

func DecodeTable(s *structpb.Struct) (*processor.TrainingTable, error) {
	t := &processor.TrainingTable{Bands: stringsField(s, "bands")}
	for i, encoded := range stringsField(s, "rows") {
		row, err := decodeSamples(encoded, len(t.Bands))
		if err != nil {
			return nil, fmt.Errorf("row %d: %v", i, err)
		}
		t.Rows = append(t.Rows, row)
	}
	if _, ok := s.GetFields()["labels"]; ok {
		for _, l := range numberList(s, "labels") {
			t.Labels = append(t.Labels, int(l))
		}
		if len(t.Labels) != len(t.Rows) {
			return nil, fmt.Errorf("%d labels for %d rows", len(t.Labels), len(t.Rows))
		}
	}
	return t, nil
}

// toStruct converts any JSON encodable value to a Struct through its
// JSON form.
func toStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v interface{}) error {
	b, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

type queryMessage struct {
	Collection    string    `json:"collection"`
	Since         string    `json:"since,omitempty"`
	Until         string    `json:"until,omitempty"`
	BBox          []float64 `json:"bbox,omitempty"`
	WRSPath       int       `json:"wrs_path,omitempty"`
	WRSRow        int       `json:"wrs_row,omitempty"`
	MaxCloudCover *float64  `json:"max_cloud_cover,omitempty"`
	Limit         int       `json:"limit,omitempty"`
	WKT           string    `json:"wkt,omitempty"`
}

func encodeQuery(f catalog.Filter, region *processor.Region) (*structpb.Struct, error) {
	q := queryMessage{
		Collection:    f.Collection,
		WRSPath:       f.WRSPath,
		WRSRow:        f.WRSRow,
		MaxCloudCover: f.MaxCloudCover,
		Limit:         f.Limit,
	}
	if !f.Since.IsZero() {
		q.Since = f.Since.Format(time.RFC3339Nano)
	}
	if !f.Until.IsZero() {
		q.Until = f.Until.Format(time.RFC3339Nano)
	}
	if f.BBox != nil {
		q.BBox = f.BBox[:]
	}
	if region != nil {
		q.WKT = region.WKT()
	}
	return toStruct(q)
}

func decodeQuery(s *structpb.Struct) (catalog.Filter, string, error) {
	var q queryMessage
	if err := fromStruct(s, &q); err != nil {
		return catalog.Filter{}, "", err
	}
	f := catalog.Filter{
		Collection:    q.Collection,
		WRSPath:       q.WRSPath,
		WRSRow:        q.WRSRow,
		MaxCloudCover: q.MaxCloudCover,
		Limit:         q.Limit,
	}
	var err error
	if len(q.Since) > 0 {
		if f.Since, err = time.Parse(time.RFC3339Nano, q.Since); err != nil {
			return f, "", err
		}
	}
	if len(q.Until) > 0 {
		if f.Until, err = time.Parse(time.RFC3339Nano, q.Until); err != nil {
			return f, "", err
		}
	}
	if len(q.BBox) == 4 {
		bbox := [4]float64{q.BBox[0], q.BBox[1], q.BBox[2], q.BBox[3]}
		f.BBox = &bbox
	}
	return f, q.WKT, f.Validate()
}

type sceneList struct {
	Scenes catalog.SceneCollection `json:"scenes"`
}

func structField(s *structpb.Struct, key string) (*structpb.Struct, error) {
	v, err := field(s, key)
	if err != nil {
		return nil, err
	}
	sv := v.GetStructValue()
	if sv == nil {
		return nil, fmt.Errorf("field %q is not a message", key)
	}
	return sv, nil
}

func encodeEvaluate(tile *processor.BandSet, expr, name string) (*structpb.Struct, error) {
	ts, err := EncodeBandSet(tile)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"tile":       structpb.NewStructValue(ts),
		"expression": structpb.NewStringValue(expr),
		"name":       structpb.NewStringValue(name),
	}}, nil
}

func decodeEvaluate(s *structpb.Struct) (*processor.BandSet, string, string, error) {
	ts, err := structField(s, "tile")
	if err != nil {
		return nil, "", "", err
	}
	tile, err := DecodeBandSet(ts)
	if err != nil {
		return nil, "", "", err
	}
	expr, err := stringField(s, "expression")
	if err != nil {
		return nil, "", "", err
	}
	return tile, expr, optionalString(s, "name"), nil
}

type trainResult struct {
	ModelID  string           `json:"model_id"`
	Kind     string           `json:"kind"`
	Accuracy *ConfusionMatrix `json:"accuracy,omitempty"`
}

func encodeTrain(table *processor.TrainingTable, spec ModelSpec) (*structpb.Struct, error) {
	ts, err := EncodeTable(table)
	if err != nil {
		return nil, err
	}
	ss, err := toStruct(spec)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"table": structpb.NewStructValue(ts),
		"spec":  structpb.NewStructValue(ss),
	}}, nil
}

func decodeTrain(s *structpb.Struct) (*processor.TrainingTable, ModelSpec, error) {
	var spec ModelSpec
	ts, err := structField(s, "table")
	if err != nil {
		return nil, spec, err
	}
	table, err := DecodeTable(ts)
	if err != nil {
		return nil, spec, err
	}
	ss, err := structField(s, "spec")
	if err != nil {
		return nil, spec, err
	}
	if err := fromStruct(ss, &spec); err != nil {
		return nil, spec, err
	}
	return table, spec, spec.Validate()
}

func encodeClassify(modelID string, bs *processor.BandSet) (*structpb.Struct, error) {
	ts, err := EncodeBandSet(bs)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"model_id": structpb.NewStringValue(modelID),
		"tile":     structpb.NewStructValue(ts),
	}}, nil
}

func decodeClassify(s *structpb.Struct) (string, *processor.BandSet, error) {
	id, err := stringField(s, "model_id")
	if err != nil {
		return "", nil, err
	}
	ts, err := structField(s, "tile")
	if err != nil {
		return "", nil, err
	}
	bs, err := DecodeBandSet(ts)
	return id, bs, err
}

type exportMessage struct {
	Description string  `json:"description"`
	Folder      string  `json:"folder"`
	WKT         string  `json:"wkt,omitempty"`
	Scale       float64 `json:"scale,omitempty"`
	MaxPixels   float64 `json:"max_pixels,omitempty"`
}

func encodeExport(bs *processor.BandSet, spec ExportSpec) (*structpb.Struct, error) {
	is, err := EncodeBandSet(bs)
	if err != nil {
		return nil, err
	}
	em := exportMessage{
		Description: spec.Description,
		Folder:      spec.Folder,
		Scale:       spec.Scale,
		MaxPixels:   spec.MaxPixels,
	}
	if spec.Region != nil {
		em.WKT = spec.Region.WKT()
	}
	ss, err := toStruct(em)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"image": structpb.NewStructValue(is),
		"spec":  structpb.NewStructValue(ss),
	}}, nil
}

func decodeExport(s *structpb.Struct) (*processor.BandSet, ExportSpec, error) {
	var spec ExportSpec
	is, err := structField(s, "image")
	if err != nil {
		return nil, spec, err
	}
	bs, err := DecodeBandSet(is)
	if err != nil {
		return nil, spec, err
	}
	ss, err := structField(s, "spec")
	if err != nil {
		return nil, spec, err
	}
	var em exportMessage
	if err := fromStruct(ss, &em); err != nil {
		return nil, spec, err
	}
	spec = ExportSpec{
		Description: em.Description,
		Folder:      em.Folder,
		Scale:       em.Scale,
		MaxPixels:   em.MaxPixels,
	}
	if len(em.WKT) > 0 {
		if spec.Region, err = processor.ParseWKTRegion(em.WKT); err != nil {
			return nil, spec, err
		}
	}
	return bs, spec, nil
}
