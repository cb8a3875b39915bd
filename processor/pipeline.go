package processor

import (
	"context"
	"net/http"
)

// LayerPipeline turns layer requests into band sets: catalog search,
// scene loading, band math and compositing run as channel stages.
type LayerPipeline struct {
	Context    context.Context
	Error      chan error
	MASAddress string
	Reader     BandReader
	Dispatcher *TileDispatcher
	ConcLimit  int
	Client     *http.Client

	// Indexer is the catalog stage of the last run, kept for metrics.
	Indexer *SceneIndexer
}

func InitLayerPipeline(ctx context.Context, masAddr string, reader BandReader, dispatcher *TileDispatcher, errChan chan error) *LayerPipeline {
	return &LayerPipeline{
		Context:    ctx,
		Error:      errChan,
		MASAddress: masAddr,
		Reader:     reader,
		Dispatcher: dispatcher,
		Client:     http.DefaultClient,
	}
}

func (lp *LayerPipeline) newIndexer() *SceneIndexer {
	i := NewSceneIndexer(lp.Context, lp.MASAddress, lp.Error)
	if lp.Client != nil {
		i.Client = lp.Client
	}
	lp.Indexer = i
	return i
}

// load wires indexer, loader and recipe stages and returns the recipe
// output.
func (lp *LayerPipeline) load(i *SceneIndexer, verbose bool) chan *LoadedImage {
	l := NewSceneLoader(lp.Context, lp.Reader, lp.ConcLimit, lp.Error)
	r := NewRecipeStage(lp.Context, lp.Error)

	l.In = i.Out
	r.In = l.Out

	go i.Run(verbose)
	go l.Run(verbose)
	go r.Run(lp.Dispatcher, verbose)

	return r.Out
}

// Process composites all scenes of the request into one band set.
func (lp *LayerPipeline) Process(req *LayerRequest, verbose bool) chan *BandSet {
	i := lp.newIndexer()
	go func() {
		i.In <- req
		close(i.In)
	}()

	c := NewCompositor(lp.Context, lp.Error)
	c.In = lp.load(i, verbose)
	go c.Run(verbose)

	return c.Out
}

// ProcessPeriods composites each of the layer's periods separately.
// Periods without scenes are skipped.
func (lp *LayerPipeline) ProcessPeriods(req *LayerRequest, verbose bool) chan []*BandSet {
	ds := NewDateSplitter(lp.Error)
	go func() {
		ds.In <- req
		close(ds.In)
	}()

	i := lp.newIndexer()
	i.SkipEmpty = true
	i.In = ds.Out

	c := NewCompositor(lp.Context, lp.Error)
	c.In = lp.load(i, verbose)

	go ds.Run(verbose)
	go c.Run(verbose)

	out := make(chan []*BandSet, 1)
	go func() {
		defer close(out)
		var sets []*BandSet
		for bs := range c.Out {
			sets = append(sets, bs)
		}
		if len(sets) > 0 {
			out <- sets
		}
	}()
	return out
}

// ProcessImages returns every processed scene of the request without
// reduction, ordered by acquisition time.
func (lp *LayerPipeline) ProcessImages(req *LayerRequest, verbose bool) chan []*BandSet {
	i := lp.newIndexer()
	go func() {
		i.In <- req
		close(i.In)
	}()

	c := NewCollector(lp.Context, lp.Error)
	c.In = lp.load(i, verbose)
	go c.Run(verbose)

	return c.Out
}
