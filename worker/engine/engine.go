// Package engine is the narrow boundary between the band math pipeline
// and a hosted analysis engine: catalog queries, per tile band
// arithmetic, model training and classification, and export
// submission. It also carries a gRPC protocol for that boundary with a
// client and a local worker implementation.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"github.com/arminnakhjiri/BasicGEE/processor"
)

// Engine is everything the pipeline delegates to an analysis engine.
type Engine interface {
	Query(ctx context.Context, f catalog.Filter, region *processor.Region) (catalog.SceneCollection, error)
	EvaluateTile(ctx context.Context, tile *processor.BandSet, expr, name string) (*processor.Raster, error)
	Train(ctx context.Context, table *processor.TrainingTable, spec ModelSpec) (*Model, error)
	Classify(ctx context.Context, modelID string, bs *processor.BandSet) (*processor.Raster, error)
	SubmitExport(ctx context.Context, bs *processor.BandSet, spec ExportSpec) (string, error)
}

const (
	KindClassifier = "classifier"
	KindClusterer  = "clusterer"
)

// ModelSpec names the algorithm the engine should train. Params are
// passed through untouched, e.g. numberOfTrees for a random forest or
// nClusters for k-means.
type ModelSpec struct {
	Kind      string             `json:"kind"`
	Algorithm string             `json:"algorithm"`
	Params    map[string]float64 `json:"params,omitempty"`
}

func (s ModelSpec) Validate() error {
	switch s.Kind {
	case KindClassifier, KindClusterer:
	default:
		return fmt.Errorf("unknown model kind: %q", s.Kind)
	}
	if len(strings.TrimSpace(s.Algorithm)) == 0 {
		return fmt.Errorf("model spec has no algorithm")
	}
	return nil
}

// Model is an opaque trained artefact held by the engine. Accuracy is
// only reported for supervised models.
type Model struct {
	ID       string
	Kind     string
	Accuracy *ConfusionMatrix
}

// TrainClassifier trains a supervised model. The table must carry one
// label per row.
func TrainClassifier(ctx context.Context, e Engine, table *processor.TrainingTable, algorithm string, params map[string]float64) (*Model, error) {
	if table.Len() == 0 {
		return nil, fmt.Errorf("empty training table")
	}
	if len(table.Labels) != table.Len() {
		return nil, fmt.Errorf("classifier training needs one label per row, got %d labels for %d rows", len(table.Labels), table.Len())
	}
	return e.Train(ctx, table, ModelSpec{Kind: KindClassifier, Algorithm: algorithm, Params: params})
}

// TrainClusterer trains an unsupervised model. Labels, if any, are
// dropped before the table is sent.
func TrainClusterer(ctx context.Context, e Engine, table *processor.TrainingTable, algorithm string, params map[string]float64) (*Model, error) {
	if table.Len() == 0 {
		return nil, fmt.Errorf("empty training table")
	}
	unlabeled := &processor.TrainingTable{Bands: table.Bands, Rows: table.Rows}
	return e.Train(ctx, unlabeled, ModelSpec{Kind: KindClusterer, Algorithm: algorithm, Params: params})
}

// First queries the engine and returns the least cloudy scene,
// reporting catalog.ErrEmptyResult when nothing matches.
func First(ctx context.Context, e Engine, f catalog.Filter, region *processor.Region) (*catalog.Scene, error) {
	scenes, err := e.Query(ctx, f, region)
	if err != nil {
		return nil, err
	}
	return scenes.SortByCloudCover().First()
}

var (
	_ Engine                  = (*Client)(nil)
	_ Engine                  = (*Local)(nil)
	_ processor.TileEvaluator = (*Client)(nil)
	_ EngineServer            = (*Server)(nil)
	_ EngineServer            = UnimplementedEngineServer{}
)
