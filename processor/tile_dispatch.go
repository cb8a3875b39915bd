package processor

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/arminnakhjiri/BasicGEE/utils"
)

// ConcLimiter bounds the number of goroutines in flight and lets the
// caller wait for all of them.
type ConcLimiter struct {
	*sync.WaitGroup
	Pool chan struct{}
}

func NewConcLimiter(cLevel int) *ConcLimiter {
	if cLevel <= 0 {
		cLevel = 1
	}
	var wg sync.WaitGroup
	return &ConcLimiter{&wg, make(chan struct{}, cLevel)}
}

// Increase blocks until a slot is free.
func (c *ConcLimiter) Increase() {
	c.Add(1)
	c.Pool <- struct{}{}
}

func (c *ConcLimiter) Decrease() {
	<-c.Pool
	c.Done()
}

// TileEvaluator evaluates one band expression over a tile, usually on
// a remote worker node.
type TileEvaluator interface {
	EvaluateTile(ctx context.Context, tile *BandSet, expr, name string) (*Raster, error)
}

// LocalEvaluator evaluates tiles in process.
type LocalEvaluator struct{}

func (LocalEvaluator) EvaluateTile(ctx context.Context, tile *BandSet, expr, name string) (*Raster, error) {
	be, err := utils.ParseBandExpressions([]string{expr})
	if err != nil {
		return nil, err
	}
	return evaluateTile(tile, be, 0, name)
}

// TileDispatcher spreads expression tiles over worker nodes. Tiles
// are independent, so any tile may go to any worker.
type TileDispatcher struct {
	Evaluators []TileEvaluator
	TileSize   int
	ConcLimit  int
	Verbose    bool
}

func NewTileDispatcher(evaluators []TileEvaluator, tileSize, concLimit int) *TileDispatcher {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	if concLimit <= 0 {
		concLimit = 4 * len(evaluators)
	}
	return &TileDispatcher{Evaluators: evaluators, TileSize: tileSize, ConcLimit: concLimit}
}

// EvaluateProducts evaluates every expression tile by tile on the
// workers and appends the results to bs.
func (td *TileDispatcher) EvaluateProducts(ctx context.Context, bs *BandSet, be *utils.BandExpressions) (*BandSet, error) {
	if len(td.Evaluators) == 0 {
		return nil, fmt.Errorf("no tile evaluators configured")
	}

	rasters := make([]*Raster, len(be.Expressions))
	for ix := range be.Expressions {
		r, err := td.evaluate(ctx, bs, be.ExprText[ix], be.ExprNames[ix], be.ExprVarRef[ix])
		if err != nil {
			return nil, err
		}
		rasters[ix] = r
	}
	return bs.AddBands(rasters...)
}

func (td *TileDispatcher) evaluate(ctx context.Context, bs *BandSet, expr, name string, refs []string) (*Raster, error) {
	// only ship the bands the expression reads
	inputs, err := bs.Select(refs...)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expr, err)
	}

	t0 := time.Now()
	out := NewRaster(name, bs.Width(), bs.Height())
	tiles := SplitTiles(bs.Width(), bs.Height(), td.TileSize)
	offset := rand.Intn(len(td.Evaluators))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var firstErr error
	limiter := NewConcLimiter(td.ConcLimit)
	for it, t := range tiles {
		if ctx.Err() != nil {
			break
		}
		limiter.Increase()
		go func(it int, t Tile) {
			defer limiter.Decrease()

			sub, err := ExtractTile(inputs, t)
			if err == nil {
				var r *Raster
				ev := td.Evaluators[(it+offset)%len(td.Evaluators)]
				r, err = ev.EvaluateTile(ctx, sub, expr, name)
				if err == nil {
					err = PasteTile(out, r, t)
				}
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("tile %+v: %w", t, err)
					cancel()
				}
				mu.Unlock()
			}
		}(it, t)
	}
	limiter.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if td.Verbose {
		log.Printf("dispatched %d tiles of %s to %d workers in %v", len(tiles), name, len(td.Evaluators), time.Since(t0))
	}
	return out, nil
}
