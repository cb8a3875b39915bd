package processor

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/gammazero/workerpool"
)

const DefaultTileSize = 256

// Tile is a window of a band set grid.
type Tile struct {
	OffX, OffY    int
	Width, Height int
}

// SplitTiles cuts a width x height grid into tiles of at most
// tileSize pixels a side.
func SplitTiles(width, height, tileSize int) []Tile {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	var tiles []Tile
	for y := 0; y < height; y += tileSize {
		for x := 0; x < width; x += tileSize {
			tiles = append(tiles, Tile{
				OffX:   x,
				OffY:   y,
				Width:  min(tileSize, width-x),
				Height: min(tileSize, height-y),
			})
		}
	}
	return tiles
}

// ExtractTile copies the tile window of every band into a new band
// set. The geotransform is shifted to the tile origin.
func ExtractTile(bs *BandSet, t Tile) (*BandSet, error) {
	if t.OffX < 0 || t.OffY < 0 || t.OffX+t.Width > bs.Width() || t.OffY+t.Height > bs.Height() {
		return nil, fmt.Errorf("tile %+v outside %dx%d grid", t, bs.Width(), bs.Height())
	}
	rasters := make([]*Raster, 0, bs.Len())
	for _, name := range bs.names {
		src := bs.bands[name]
		dst := NewRaster(name, t.Width, t.Height)
		for y := 0; y < t.Height; y++ {
			srcStart := (t.OffY+y)*src.Width + t.OffX
			copy(dst.Data[y*t.Width:(y+1)*t.Width], src.Data[srcStart:srcStart+t.Width])
		}
		rasters = append(rasters, dst)
	}

	sub, err := NewBandSet(rasters...)
	if err != nil {
		return nil, err
	}
	out := bs.derive(sub.names, sub.bands)
	if len(bs.GeoTransform) == 6 {
		gt := bs.GeoTransform
		ox := float64(t.OffX)
		oy := float64(t.OffY)
		out.GeoTransform = []float64{gt[0] + ox*gt[1] + oy*gt[2], gt[1], gt[2], gt[3] + ox*gt[4] + oy*gt[5], gt[4], gt[5]}
	}
	return out, nil
}

// PasteTile writes src into dst at the tile window.
func PasteTile(dst, src *Raster, t Tile) error {
	if src.Width != t.Width || src.Height != t.Height {
		return fmt.Errorf("tile raster is %dx%d, window is %dx%d", src.Width, src.Height, t.Width, t.Height)
	}
	for y := 0; y < t.Height; y++ {
		dstStart := (t.OffY+y)*dst.Width + t.OffX
		copy(dst.Data[dstStart:dstStart+t.Width], src.Data[y*t.Width:(y+1)*t.Width])
	}
	return nil
}

// TileFunc computes one output raster for one tile.
type TileFunc func(tile *BandSet) (*Raster, error)

// MapTiles runs fn over every tile of bs on a worker pool and
// reassembles the results into a raster called name.
func MapTiles(bs *BandSet, name string, tileSize, workers int, fn TileFunc) (*Raster, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	out := NewRaster(name, bs.Width(), bs.Height())
	tiles := SplitTiles(bs.Width(), bs.Height(), tileSize)

	var mu sync.Mutex
	var firstErr error
	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	wp := workerpool.New(workers)
	for _, t := range tiles {
		t := t
		wp.Submit(func() {
			sub, err := ExtractTile(bs, t)
			if err != nil {
				setErr(err)
				return
			}
			r, err := fn(sub)
			if err != nil {
				setErr(err)
				return
			}
			// tiles are disjoint so concurrent pastes never overlap
			if err := PasteTile(out, r, t); err != nil {
				setErr(err)
			}
		})
	}
	wp.StopWait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
