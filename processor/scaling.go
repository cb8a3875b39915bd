package processor

import (
	"fmt"
	"regexp"
)

// ScaleFamily is a linear calibration applied to every band whose
// name matches Pattern: value*Multiplier + Offset.
type ScaleFamily struct {
	Name       string  `json:"name"`
	Pattern    string  `json:"pattern"`
	Multiplier float64 `json:"multiplier"`
	Offset     float64 `json:"offset"`
}

// Landsat Collection 2 Level 2 surface reflectance and surface
// temperature factors.
var (
	OpticalFamily = ScaleFamily{Name: "optical", Pattern: `SR_B.*`, Multiplier: 0.0000275, Offset: -0.2}
	ThermalFamily = ScaleFamily{Name: "thermal", Pattern: `ST_B.*`, Multiplier: 0.00341802, Offset: 149.0}
)

func DefaultScaleFamilies() []ScaleFamily {
	return []ScaleFamily{OpticalFamily, ThermalFamily}
}

type compiledFamily struct {
	ScaleFamily
	re *regexp.Regexp
}

func compileFamilies(families []ScaleFamily) ([]compiledFamily, error) {
	out := make([]compiledFamily, len(families))
	for i, f := range families {
		re, err := regexp.Compile("^(?:" + f.Pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("scale family %s: invalid pattern %q: %v", f.Name, f.Pattern, err)
		}
		if f.Multiplier == 0 {
			return nil, fmt.Errorf("scale family %s: multiplier must be non zero", f.Name)
		}
		out[i] = compiledFamily{ScaleFamily: f, re: re}
	}
	return out, nil
}

func matchFamily(families []compiledFamily, band string) (compiledFamily, bool) {
	for _, f := range families {
		if f.re.MatchString(band) {
			return f, true
		}
	}
	return compiledFamily{}, false
}

// ApplyScaleFactors rescales every band that matches one of the
// families, first match wins. Other bands are passed through.
//
// Nothing records that a band set has been scaled: applying the
// factors twice scales twice.
func ApplyScaleFactors(bs *BandSet, families []ScaleFamily) (*BandSet, error) {
	return rescale(bs, families, func(v float64, f ScaleFamily) float64 {
		return v*f.Multiplier + f.Offset
	})
}

// RemoveScaleFactors is the inverse of ApplyScaleFactors.
func RemoveScaleFactors(bs *BandSet, families []ScaleFamily) (*BandSet, error) {
	return rescale(bs, families, func(v float64, f ScaleFamily) float64 {
		return (v - f.Offset) / f.Multiplier
	})
}

func rescale(bs *BandSet, families []ScaleFamily, fn func(float64, ScaleFamily) float64) (*BandSet, error) {
	compiled, err := compileFamilies(families)
	if err != nil {
		return nil, err
	}

	var scaled []*Raster
	for _, name := range bs.names {
		f, ok := matchFamily(compiled, name)
		if !ok {
			continue
		}
		src := bs.bands[name]
		dst := NewRaster(name, src.Width, src.Height)
		for i, v := range src.Data {
			dst.Data[i] = fn(v, f.ScaleFamily)
		}
		scaled = append(scaled, dst)
	}
	return bs.AddBands(scaled...)
}
