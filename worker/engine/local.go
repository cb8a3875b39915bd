package engine

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"github.com/arminnakhjiri/BasicGEE/processor"
)

// ErrUnimplemented is returned for operations a local worker leaves to
// a hosted engine.
var ErrUnimplemented = errors.New("not implemented by this engine")

// Local is an Engine backed by the metadata service, in process band
// math and an export queue. Model training stays with hosted engines.
type Local struct {
	MASAddress string
	Client     *http.Client
	Exports    *ExportQueue
	Verbose    bool
}

func NewLocal(masAddr string, exports *ExportQueue, verbose bool) *Local {
	return &Local{
		MASAddress: masAddr,
		Client:     &http.Client{Timeout: 60 * time.Second},
		Exports:    exports,
		Verbose:    verbose,
	}
}

func (l *Local) Query(ctx context.Context, f catalog.Filter, region *processor.Region) (catalog.SceneCollection, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	scenes, err := processor.QueryScenes(ctx, l.Client, l.MASAddress, f, region, l.Verbose)
	if err != nil {
		return nil, err
	}
	if scenes == nil {
		scenes = catalog.SceneCollection{}
	}
	return scenes, nil
}

func (l *Local) EvaluateTile(ctx context.Context, tile *processor.BandSet, expr, name string) (*processor.Raster, error) {
	return processor.LocalEvaluator{}.EvaluateTile(ctx, tile, expr, name)
}

func (l *Local) Train(ctx context.Context, table *processor.TrainingTable, spec ModelSpec) (*Model, error) {
	return nil, ErrUnimplemented
}

func (l *Local) Classify(ctx context.Context, modelID string, bs *processor.BandSet) (*processor.Raster, error) {
	return nil, ErrUnimplemented
}

func (l *Local) SubmitExport(ctx context.Context, bs *processor.BandSet, spec ExportSpec) (string, error) {
	if l.Exports == nil {
		return "", ErrUnimplemented
	}
	return l.Exports.Submit(bs, spec)
}
