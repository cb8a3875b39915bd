package processor

import (
	"fmt"
	"image/color"

	"github.com/arminnakhjiri/BasicGEE/utils"
)

// InterpolateUint8 interpolates the value of a
// byte between two numbers 'a' and 'b' by
// especifying a length and a position 'i'
// along that length.
func InterpolateUint8(a, b uint8, i, sectionLength int) uint8 {
	return uint8(int(a) + i*(int(b)-int(a))/sectionLength)
}

// InterpolateColor returns an RGBA color where
// the R, G, B, and A components have been
// interpolated from the 'a' and 'b' colors
func InterpolateColor(a, b color.RGBA, i, sectionLength int) color.RGBA {
	return color.RGBA{InterpolateUint8(a.R, b.R, i, sectionLength),
		InterpolateUint8(a.G, b.G, i, sectionLength),
		InterpolateUint8(a.B, b.B, i, sectionLength),
		InterpolateUint8(a.A, b.A, i, sectionLength)}
}

// GreyRamp is used for single band layers without a palette.
func GreyRamp() []color.RGBA {
	ramp := make([]color.RGBA, 255)
	for i := range ramp {
		ramp[i] = color.RGBA{uint8(i), uint8(i), uint8(i), 0xff}
	}
	return ramp
}

// GradientRGBAPalette returns a ramp of 255 colours, one per scaled
// byte value, passing through the palette colours in order. The last
// ramp entry is always the last palette colour.
func GradientRGBAPalette(palette *utils.Palette) ([]color.RGBA, error) {
	if palette == nil {
		return GreyRamp(), nil
	}
	if len(palette.Colours) < 2 {
		return nil, fmt.Errorf("The colour palette must contain at least 2 colours.")
	}

	const n = 255
	ramp := make([]color.RGBA, n)

	if palette.Interpolate {
		bins := len(palette.Colours) - 1
		for i := 0; i < n; i++ {
			// position along the whole ramp scaled to bins*(n-1)
			pos := i * bins
			section := pos / (n - 1)
			if section >= bins {
				ramp[i] = palette.Colours[bins]
				continue
			}
			ramp[i] = InterpolateColor(palette.Colours[section], palette.Colours[section+1], pos-section*(n-1), n-1)
		}
	} else {
		bins := len(palette.Colours)
		for i := 0; i < n; i++ {
			section := i * bins / n
			ramp[i] = palette.Colours[section]
		}
	}

	return ramp, nil
}
