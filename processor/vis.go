package processor

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/arminnakhjiri/BasicGEE/utils"
)

// NoDataByte marks an undefined display sample.
const NoDataByte = 0xFF

// ByteRaster is a band stretched to display values 0..254.
type ByteRaster struct {
	Name          string
	Width, Height int
	Data          []uint8
}

// StretchBand maps [min, max] linearly to [0, 254] and applies the
// gamma exponent. Values outside the range are clamped and NaN
// becomes NoDataByte.
func StretchBand(r *Raster, min, max, gamma float64) *ByteRaster {
	if gamma <= 0 {
		gamma = 1
	}
	if max == min {
		max = min + 1
	}
	out := &ByteRaster{Name: r.Name, Width: r.Width, Height: r.Height, Data: make([]uint8, len(r.Data))}
	for i, v := range r.Data {
		if math.IsNaN(v) {
			out.Data[i] = NoDataByte
			continue
		}
		t := (v - min) / (max - min)
		if t < 0 {
			t = 0
		}
		if t > 1 {
			t = 1
		}
		if gamma != 1 {
			t = math.Pow(t, 1/gamma)
		}
		out.Data[i] = uint8(math.Round(t * 254))
	}
	return out
}

// Visualize renders one band through a palette or three bands as
// RGB. Undefined pixels are transparent.
func Visualize(bs *BandSet, vis utils.VisParams) (*image.RGBA, error) {
	bands := vis.Bands
	if len(bands) == 0 {
		if bs.Len() == 0 {
			return nil, fmt.Errorf("visualize: %w", ErrBandCount)
		}
		bands = bs.names[:1]
	}
	rasters, err := bs.bandList(bands...)
	if err != nil {
		return nil, fmt.Errorf("visualize: %w", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, bs.Width(), bs.Height()))
	switch len(rasters) {
	case 1:
		ramp, err := GradientRGBAPalette(vis.Palette)
		if err != nil {
			return nil, err
		}
		b := StretchBand(rasters[0], vis.Min, vis.Max, vis.Gamma)
		for i, v := range b.Data {
			if v == NoDataByte {
				continue
			}
			c := ramp[v]
			img.Pix[i*4] = c.R
			img.Pix[i*4+1] = c.G
			img.Pix[i*4+2] = c.B
			img.Pix[i*4+3] = c.A
		}

	case 3:
		if vis.Palette != nil {
			return nil, fmt.Errorf("visualize: a palette needs exactly one band, got %v", bands)
		}
		r := StretchBand(rasters[0], vis.Min, vis.Max, vis.Gamma)
		g := StretchBand(rasters[1], vis.Min, vis.Max, vis.Gamma)
		b := StretchBand(rasters[2], vis.Min, vis.Max, vis.Gamma)
		for i := range r.Data {
			if r.Data[i] == NoDataByte || g.Data[i] == NoDataByte || b.Data[i] == NoDataByte {
				continue
			}
			img.Pix[i*4] = scaleByte(r.Data[i])
			img.Pix[i*4+1] = scaleByte(g.Data[i])
			img.Pix[i*4+2] = scaleByte(b.Data[i])
			img.Pix[i*4+3] = 0xff
		}

	default:
		return nil, fmt.Errorf("visualize: 1 or 3 bands expected, got %d: %w", len(rasters), ErrBandCount)
	}
	return img, nil
}

// scaleByte widens 0..254 to the full 0..255 channel range.
func scaleByte(v uint8) uint8 {
	return uint8((int(v)*255 + 127) / 254)
}

// EncodePNG writes img with fast compression.
func EncodePNG(w io.Writer, img image.Image) error {
	enc := &png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}

// LegendColours returns n evenly spaced colours of the single band
// ramp for vis, lowest value first.
func LegendColours(vis utils.VisParams, n int) ([]color.RGBA, error) {
	ramp, err := GradientRGBAPalette(vis.Palette)
	if err != nil {
		return nil, err
	}
	if n < 2 {
		n = 2
	}
	out := make([]color.RGBA, n)
	for i := range out {
		out[i] = ramp[i*(len(ramp)-1)/(n-1)]
	}
	return out, nil
}
