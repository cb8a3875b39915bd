package processor

import (
	"context"
	"testing"

	"github.com/arminnakhjiri/BasicGEE/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reflectanceDN inverts the Collection 2 optical scaling.
func reflectanceDN(r float64) float64 {
	return (r - OpticalFamily.Offset) / OpticalFamily.Multiplier
}

// kelvinDN inverts the Collection 2 thermal scaling.
func kelvinDN(k float64) float64 {
	return (k - ThermalFamily.Offset) / ThermalFamily.Multiplier
}

func TestNewRecipe(t *testing.T) {
	tests := []struct {
		name    string
		layer   utils.Layer
		wantErr bool
	}{
		{"plain", utils.Layer{}, false},
		{"landsat", utils.Layer{Scaling: "landsat_c2l2", Indices: []string{"NDVI", "lst"}}, false},
		{"custom", utils.Layer{Scaling: "custom", ScaleFactors: []utils.ScaleFactor{{Name: "dn", Pattern: "B.*", Multiplier: 0.0001}}}, false},
		{"custom zero", utils.Layer{Scaling: "custom", ScaleFactors: []utils.ScaleFactor{{Name: "dn", Pattern: "B.*"}}}, true},
		{"unknown scaling", utils.Layer{Scaling: "sentinel"}, true},
		{"unknown index", utils.Layer{Indices: []string{"evi"}}, true},
		{"bad product", utils.Layer{Products: []string{"x=SR_B5 +"}}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRecipe(&tc.layer)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecipeApply(t *testing.T) {
	bs := newTestBandSet(t, 2, 1,
		band{LandsatRed, []float64{reflectanceDN(0.1), reflectanceDN(0.2)}},
		band{LandsatNIR, []float64{reflectanceDN(0.3), reflectanceDN(0.4)}},
		band{LandsatSWIR1, []float64{reflectanceDN(0.2), reflectanceDN(0.2)}},
		band{LandsatTIRS1, []float64{kelvinDN(300), kelvinDN(273.15)}},
	)
	layer := &utils.Layer{
		Scaling:  "landsat_c2l2",
		Indices:  []string{"ndvi", "ndbi", "lst"},
		Products: []string{"wet=NDVI > 0.4"},
	}
	recipe, err := NewRecipe(layer)
	require.NoError(t, err)

	out, err := recipe.Apply(context.Background(), bs)
	require.NoError(t, err)
	assert.Equal(t, []string{LandsatRed, LandsatNIR, LandsatSWIR1, LandsatTIRS1, NDVIBand, NDBIBand, LSTBand, "wet"}, out.Names())

	assert.InDeltaSlice(t, []float64{0.1, 0.2}, bandData(t, out, LandsatRed), 1e-9)
	assert.InDeltaSlice(t, []float64{0.5, 1.0 / 3.0}, bandData(t, out, NDVIBand), 1e-9)
	assert.InDeltaSlice(t, []float64{-0.2, -1.0 / 3.0}, bandData(t, out, NDBIBand), 1e-9)
	assert.InDeltaSlice(t, []float64{26.85, 0}, bandData(t, out, LSTBand), 1e-6)
	assert.Equal(t, []float64{1, 0}, bandData(t, out, "wet"))

	// the input image is not rescaled
	assert.Equal(t, reflectanceDN(0.1), bandData(t, bs, LandsatRed)[0])
}

func TestRecipePansharpen(t *testing.T) {
	bs := newTestBandSet(t, 1, 1,
		band{"SR_B4", []float64{0.2}},
		band{"SR_B3", []float64{0.4}},
		band{"SR_B2", []float64{0.2}},
		band{"B8", []float64{1.6}},
	)

	recipe, err := NewRecipe(&utils.Layer{Pansharpen: &utils.Pansharpen{Method: "brovey", Bands: []string{"SR_B4", "SR_B3", "SR_B2"}, Pan: "B8"}})
	require.NoError(t, err)
	out, err := recipe.Apply(context.Background(), bs)
	require.NoError(t, err)
	assert.Equal(t, []string{"SR_B4", "SR_B3", "SR_B2", "B8"}, out.Names())
	assert.InDeltaSlice(t, []float64{0.4, 0.8, 0.4}, []float64{
		bandData(t, out, "SR_B4")[0], bandData(t, out, "SR_B3")[0], bandData(t, out, "SR_B2")[0],
	}, 1e-12)

	recipe, err = NewRecipe(&utils.Layer{Pansharpen: &utils.Pansharpen{Method: "HSV", Bands: []string{"SR_B4", "SR_B3", "SR_B2"}, Pan: "B8"}})
	require.NoError(t, err)
	out, err = recipe.Apply(context.Background(), bs)
	require.NoError(t, err)
	assert.Equal(t, []string{"SR_B4", "SR_B3", "SR_B2", "B8", SharpenedRed, SharpenedGreen, SharpenedBlue}, out.Names())
	assert.InDelta(t, 1.6, bandData(t, out, SharpenedGreen)[0], 1e-12)

	recipe, err = NewRecipe(&utils.Layer{Pansharpen: &utils.Pansharpen{Method: "hsv", Bands: []string{"SR_B4", "SR_B3"}, Pan: "B8"}})
	require.NoError(t, err)
	_, err = recipe.Apply(context.Background(), bs)
	assert.ErrorIs(t, err, ErrBandCount)

	recipe, err = NewRecipe(&utils.Layer{Pansharpen: &utils.Pansharpen{Method: "brovey", Bands: []string{"SR_B4", "SR_B3", "SR_B2"}, Pan: "B8A"}})
	require.NoError(t, err)
	_, err = recipe.Apply(context.Background(), bs)
	assert.ErrorIs(t, err, ErrMissingBand)

	recipe, err = NewRecipe(&utils.Layer{Pansharpen: &utils.Pansharpen{Method: "gram-schmidt", Bands: []string{"SR_B4"}, Pan: "B8"}})
	require.NoError(t, err)
	_, err = recipe.Apply(context.Background(), bs)
	assert.Error(t, err)
}

func TestRecipeDispatchesProducts(t *testing.T) {
	bs := newTestBandSet(t, 2, 1, band{"SR_B4", []float64{1, 2}}, band{"SR_B5", []float64{3, 5}})
	recipe, err := NewRecipe(&utils.Layer{Products: []string{"sum=SR_B4+SR_B5"}})
	require.NoError(t, err)

	worker := &countingEvaluator{}
	recipe.Dispatcher = NewTileDispatcher([]TileEvaluator{worker}, 1, 1)
	out, err := recipe.Apply(context.Background(), bs)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 7}, bandData(t, out, "sum"))
	assert.Equal(t, int32(2), worker.tiles)
}
