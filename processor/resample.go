package processor

import (
	"fmt"
	"math"
)

// OutputSize is the grid size bs would have at the given pixel size
// in georeferenced units. A non positive size keeps the native grid.
func OutputSize(bs *BandSet, pixelSize float64) (int, int, error) {
	if pixelSize <= 0 {
		return bs.Width(), bs.Height(), nil
	}
	if len(bs.GeoTransform) != 6 {
		return 0, 0, ErrNoGeoTransform
	}
	dx, dy := math.Abs(bs.GeoTransform[1]), math.Abs(bs.GeoTransform[5])
	w := int(math.Round(float64(bs.Width()) * dx / pixelSize))
	h := int(math.Round(float64(bs.Height()) * dy / pixelSize))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h, nil
}

// Resample changes the pixel size of every band using nearest
// neighbour lookup. The top left corner is kept.
func Resample(bs *BandSet, pixelSize float64) (*BandSet, error) {
	w, h, err := OutputSize(bs, pixelSize)
	if err != nil {
		return nil, err
	}
	if w == bs.Width() && h == bs.Height() {
		return bs, nil
	}

	gt := bs.GeoTransform
	sx, sy := 1.0, 1.0
	if gt[1] < 0 {
		sx = -1
	}
	if gt[5] < 0 {
		sy = -1
	}
	xStep := float64(bs.Width()) / float64(w)
	yStep := float64(bs.Height()) / float64(h)

	rasters := make([]*Raster, 0, bs.Len())
	for _, name := range bs.Names() {
		src := bs.bands[name]
		dst := NewRaster(name, w, h)
		for y := 0; y < h; y++ {
			srcY := int((float64(y) + 0.5) * yStep)
			if srcY >= src.Height {
				srcY = src.Height - 1
			}
			for x := 0; x < w; x++ {
				srcX := int((float64(x) + 0.5) * xStep)
				if srcX >= src.Width {
					srcX = src.Width - 1
				}
				dst.Data[y*w+x] = src.Data[srcY*src.Width+srcX]
			}
		}
		rasters = append(rasters, dst)
	}

	out, err := NewBandSet(rasters...)
	if err != nil {
		return nil, fmt.Errorf("resample %s: %v", bs.ID, err)
	}
	out.ID = bs.ID
	out.TimeStamp = bs.TimeStamp
	out.Properties = bs.derive(nil, nil).Properties
	out.GeoTransform = []float64{gt[0], sx * pixelSize, gt[2], gt[3], gt[4], sy * pixelSize}
	return out, nil
}
