package processor

import (
	"math"
)

const KelvinOffset = 273.15

// Landsat 8/9 OLI band roles.
const (
	LandsatBlue  = "SR_B2"
	LandsatGreen = "SR_B3"
	LandsatRed   = "SR_B4"
	LandsatNIR   = "SR_B5"
	LandsatSWIR1 = "SR_B6"
	LandsatPan   = "B8"
	LandsatTIRS1 = "ST_B10"
	NDVIBand     = "NDVI"
	NDBIBand     = "NDBI"
	LSTBand      = "LST"
)

// NormalizedDifference computes (a-b)/(a+b) into a new raster called
// name. Pixels where a+b is zero are NaN and NaN inputs stay NaN.
func NormalizedDifference(bs *BandSet, a, b, name string) (*Raster, error) {
	rasters, err := bs.bandList(a, b)
	if err != nil {
		return nil, err
	}
	ra, rb := rasters[0], rasters[1]

	out := NewRaster(name, ra.Width, ra.Height)
	for i := range out.Data {
		out.Data[i] = normDiff(ra.Data[i], rb.Data[i])
	}
	return out, nil
}

func normDiff(a, b float64) float64 {
	sum := a + b
	if sum == 0 || math.IsNaN(sum) {
		return math.NaN()
	}
	v := (a - b) / sum
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// AddNormalizedDifference appends ND(a, b) as band name.
func AddNormalizedDifference(bs *BandSet, a, b, name string) (*BandSet, error) {
	r, err := NormalizedDifference(bs, a, b, name)
	if err != nil {
		return nil, err
	}
	return bs.AddBands(r)
}

// AddIndices appends NDVI from NIR and red and NDBI from SWIR1 and NIR.
func AddIndices(bs *BandSet, nir, red, swir1 string) (*BandSet, error) {
	ndvi, err := NormalizedDifference(bs, nir, red, NDVIBand)
	if err != nil {
		return nil, err
	}
	ndbi, err := NormalizedDifference(bs, swir1, nir, NDBIBand)
	if err != nil {
		return nil, err
	}
	return bs.AddBands(ndvi, ndbi)
}

// LandSurfaceTemperature converts a thermal band already calibrated
// to Kelvin into degrees Celsius. Results are not clamped.
func LandSurfaceTemperature(bs *BandSet, kelvinBand, name string) (*Raster, error) {
	k, err := bs.Band(kelvinBand)
	if err != nil {
		return nil, err
	}
	out := NewRaster(name, k.Width, k.Height)
	for i, v := range k.Data {
		out.Data[i] = v - KelvinOffset
	}
	return out, nil
}

func AddLandSurfaceTemperature(bs *BandSet, kelvinBand, name string) (*BandSet, error) {
	r, err := LandSurfaceTemperature(bs, kelvinBand, name)
	if err != nil {
		return nil, err
	}
	return bs.AddBands(r)
}
