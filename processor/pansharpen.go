package processor

import (
	"fmt"
	"math"
)

const (
	SharpenedRed   = "red"
	SharpenedGreen = "green"
	SharpenedBlue  = "blue"
)

// Brovey redistributes the panchromatic intensity over three or four
// multispectral bands in proportion to each band's share of their
// sum. The output keeps the input band names. A zero sum yields NaN.
func Brovey(bs *BandSet, bands []string, pan string) (*BandSet, error) {
	if len(bands) != 3 && len(bands) != 4 {
		return nil, fmt.Errorf("brovey needs 3 or 4 bands, got %d: %w", len(bands), ErrBandCount)
	}
	ms, err := bs.bandList(bands...)
	if err != nil {
		return nil, err
	}
	p, err := bs.Band(pan)
	if err != nil {
		return nil, err
	}

	out := make([]*Raster, len(ms))
	for ib, r := range ms {
		out[ib] = NewRaster(r.Name, r.Width, r.Height)
	}
	for i := range p.Data {
		sum := 0.0
		for _, r := range ms {
			sum += r.Data[i]
		}
		for ib, r := range ms {
			if sum == 0 {
				out[ib].Data[i] = math.NaN()
				continue
			}
			out[ib].Data[i] = r.Data[i] / sum * p.Data[i]
		}
	}

	sharp, err := NewBandSet(out...)
	if err != nil {
		return nil, err
	}
	return bs.derive(sharp.names, sharp.bands), nil
}

// HSVSharpen converts the red, green and blue bands to HSV, replaces
// the value channel with the panchromatic band and converts back.
// Outputs are named red, green and blue and are not clamped, so
// inputs outside [0, 1] produce values outside [0, 1].
func HSVSharpen(bs *BandSet, rgb [3]string, pan string) (*BandSet, error) {
	ms, err := bs.bandList(rgb[0], rgb[1], rgb[2])
	if err != nil {
		return nil, err
	}
	p, err := bs.Band(pan)
	if err != nil {
		return nil, err
	}

	w, h := p.Width, p.Height
	red := NewRaster(SharpenedRed, w, h)
	green := NewRaster(SharpenedGreen, w, h)
	blue := NewRaster(SharpenedBlue, w, h)
	for i := range p.Data {
		hue, sat, _ := RGBToHSV(ms[0].Data[i], ms[1].Data[i], ms[2].Data[i])
		red.Data[i], green.Data[i], blue.Data[i] = HSVToRGB(hue, sat, p.Data[i])
	}

	sharp, err := NewBandSet(red, green, blue)
	if err != nil {
		return nil, err
	}
	return bs.derive(sharp.names, sharp.bands), nil
}

// RGBToHSV returns hue in [0, 1), saturation and value. Value is the
// largest channel.
func RGBToHSV(r, g, b float64) (h, s, v float64) {
	max := math.Max(r, math.Max(g, b))
	min := math.Min(r, math.Min(g, b))
	v = max
	delta := max - min
	if max != 0 {
		s = delta / max
	}
	if delta == 0 {
		return 0, s, v
	}

	switch max {
	case r:
		h = (g - b) / delta
		if h < 0 {
			h += 6
		}
	case g:
		h = (b-r)/delta + 2
	default:
		h = (r-g)/delta + 4
	}
	h /= 6
	return h, s, v
}

func HSVToRGB(h, s, v float64) (r, g, b float64) {
	if math.IsNaN(h) || math.IsNaN(s) || math.IsNaN(v) {
		nan := math.NaN()
		return nan, nan, nan
	}
	if s == 0 {
		return v, v, v
	}

	h6 := h * 6
	sector := math.Floor(h6)
	f := h6 - sector
	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))

	switch int(sector) % 6 {
	case 0:
		return v, t, p
	case 1:
		return q, v, p
	case 2:
		return p, v, t
	case 3:
		return p, q, v
	case 4:
		return t, p, v
	default:
		return v, p, q
	}
}
