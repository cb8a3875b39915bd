package processor

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"golang.org/x/sync/errgroup"
)

// BandReader loads the named bands of a scene onto one grid.
type BandReader interface {
	ReadBandSet(ctx context.Context, scene *catalog.Scene, bands []string) (*BandSet, error)
}

// SceneProperties are the scene attributes copied onto a loaded band
// set.
func SceneProperties(sc *catalog.Scene) map[string]float64 {
	return map[string]float64{
		"CLOUD_COVER": sc.CloudCover,
		"WRS_PATH":    float64(sc.WRSPath),
		"WRS_ROW":     float64(sc.WRSRow),
	}
}

// LoadedImage is a band set together with the request it answers.
type LoadedImage struct {
	Request *LayerRequest
	Image   *BandSet
}

// SceneLoader reads the layer bands of every incoming scene with at
// most ConcLimit reads in flight.
type SceneLoader struct {
	Context   context.Context
	In        chan *SceneGranule
	Out       chan *LoadedImage
	Error     chan error
	Reader    BandReader
	ConcLimit int
}

func NewSceneLoader(ctx context.Context, reader BandReader, concLimit int, errChan chan error) *SceneLoader {
	if concLimit <= 0 {
		concLimit = runtime.NumCPU()
	}
	return &SceneLoader{
		Context:   ctx,
		In:        make(chan *SceneGranule, 100),
		Out:       make(chan *LoadedImage, 100),
		Error:     errChan,
		Reader:    reader,
		ConcLimit: concLimit,
	}
}

func (sl *SceneLoader) sendError(err error) {
	select {
	case sl.Error <- err:
	default:
	}
}

func (sl *SceneLoader) Run(verbose bool) {
	if verbose {
		defer log.Printf("scene loader done")
	}
	defer close(sl.Out)

	g, ctx := errgroup.WithContext(sl.Context)
	g.SetLimit(sl.ConcLimit)

	var mu sync.Mutex
	var total time.Duration
	for gran := range sl.In {
		gran := gran
		if ctx.Err() != nil {
			// drain so upstream stages can finish
			continue
		}
		g.Go(func() error {
			t0 := time.Now()
			read, err := sl.Reader.ReadBandSet(ctx, gran.Scene, gran.Request.Layer.Bands)
			if err != nil {
				return fmt.Errorf("scene %s: %w", gran.Scene.ID, err)
			}
			bs := read.derive(read.names, read.bands)
			bs.ID = gran.Scene.ID
			bs.TimeStamp = gran.Scene.Acquired
			if len(bs.GeoTransform) == 0 {
				bs.GeoTransform = gran.Scene.GeoTransform
			}
			for k, v := range SceneProperties(gran.Scene) {
				bs.Properties[k] = v
			}

			mu.Lock()
			total += time.Since(t0)
			mu.Unlock()

			select {
			case sl.Out <- &LoadedImage{Request: gran.Request, Image: bs}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		sl.sendError(err)
		return
	}
	if verbose {
		log.Printf("scene loader read time %v", total)
	}
}

// MemoryReader serves band sets held in memory, keyed by scene id.
// It backs tests and pre-fetched collections.
type MemoryReader struct {
	Images map[string]*BandSet
}

func (m *MemoryReader) ReadBandSet(ctx context.Context, scene *catalog.Scene, bands []string) (*BandSet, error) {
	bs, ok := m.Images[scene.ID]
	if !ok {
		return nil, fmt.Errorf("no image for scene %s", scene.ID)
	}
	if len(bands) == 0 {
		bands = bs.Names()
	}
	sel, err := bs.Select(bands...)
	if err != nil {
		return nil, fmt.Errorf("bands %s: %w", strings.Join(bands, ","), err)
	}
	return sel, nil
}
