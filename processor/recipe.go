package processor

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/arminnakhjiri/BasicGEE/utils"
)

// Recipe is the per image band math of a layer, applied in a fixed
// order: scale, indices, expression products, pansharpening. Scaling
// happens exactly once per loaded image.
type Recipe struct {
	Scaling    []ScaleFamily
	Indices    []string
	Products   *utils.BandExpressions
	Pansharpen *utils.Pansharpen

	// Dispatcher evaluates products on worker nodes when set.
	Dispatcher *TileDispatcher
}

var knownIndices = map[string]bool{"ndvi": true, "ndbi": true, "lst": true}

// NewRecipe compiles the band math declared by a layer.
func NewRecipe(layer *utils.Layer) (*Recipe, error) {
	r := &Recipe{Pansharpen: layer.Pansharpen}

	switch layer.Scaling {
	case "", "none":
	case "landsat_c2l2":
		r.Scaling = DefaultScaleFamilies()
	case "custom":
		for _, sf := range layer.ScaleFactors {
			r.Scaling = append(r.Scaling, ScaleFamily{Name: sf.Name, Pattern: sf.Pattern, Multiplier: sf.Multiplier, Offset: sf.Offset})
		}
		if _, err := compileFamilies(r.Scaling); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown scaling: %s", layer.Scaling)
	}

	for _, idx := range layer.Indices {
		idx = strings.ToLower(idx)
		if !knownIndices[idx] {
			return nil, fmt.Errorf("unknown index: %s", idx)
		}
		r.Indices = append(r.Indices, idx)
	}

	if len(layer.Products) > 0 {
		be, err := utils.ParseBandExpressions(layer.Products)
		if err != nil {
			return nil, err
		}
		r.Products = be
	}
	return r, nil
}

// Apply runs the recipe over one image.
func (r *Recipe) Apply(ctx context.Context, bs *BandSet) (*BandSet, error) {
	var err error
	if len(r.Scaling) > 0 {
		if bs, err = ApplyScaleFactors(bs, r.Scaling); err != nil {
			return nil, err
		}
	}

	for _, idx := range r.Indices {
		switch idx {
		case "ndvi":
			bs, err = AddNormalizedDifference(bs, LandsatNIR, LandsatRed, NDVIBand)
		case "ndbi":
			bs, err = AddNormalizedDifference(bs, LandsatSWIR1, LandsatNIR, NDBIBand)
		case "lst":
			bs, err = AddLandSurfaceTemperature(bs, LandsatTIRS1, LSTBand)
		}
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", idx, err)
		}
	}

	if r.Products != nil {
		if r.Dispatcher != nil {
			bs, err = r.Dispatcher.EvaluateProducts(ctx, bs, r.Products)
		} else {
			bs, err = EvaluateProducts(bs, r.Products)
		}
		if err != nil {
			return nil, err
		}
	}

	if ps := r.Pansharpen; ps != nil {
		var sharp *BandSet
		switch strings.ToLower(ps.Method) {
		case "brovey":
			sharp, err = Brovey(bs, ps.Bands, ps.Pan)
		case "hsv", "ihs":
			if len(ps.Bands) != 3 {
				return nil, fmt.Errorf("hsv pansharpening needs 3 bands, got %d: %w", len(ps.Bands), ErrBandCount)
			}
			sharp, err = HSVSharpen(bs, [3]string{ps.Bands[0], ps.Bands[1], ps.Bands[2]}, ps.Pan)
		default:
			err = fmt.Errorf("unknown pansharpening method: %s", ps.Method)
		}
		if err != nil {
			return nil, err
		}
		rasters, err := sharp.bandList(sharp.names...)
		if err != nil {
			return nil, err
		}
		if bs, err = bs.AddBands(rasters...); err != nil {
			return nil, err
		}
	}
	return bs, nil
}

// RecipeStage applies each request's recipe to the loaded images.
type RecipeStage struct {
	Context context.Context
	In      chan *LoadedImage
	Out     chan *LoadedImage
	Error   chan error
	Recipes map[*utils.Layer]*Recipe
}

func NewRecipeStage(ctx context.Context, errChan chan error) *RecipeStage {
	return &RecipeStage{
		Context: ctx,
		In:      make(chan *LoadedImage, 100),
		Out:     make(chan *LoadedImage, 100),
		Error:   errChan,
		Recipes: make(map[*utils.Layer]*Recipe),
	}
}

func (rs *RecipeStage) sendError(err error) {
	select {
	case rs.Error <- err:
	default:
	}
}

func (rs *RecipeStage) Run(dispatcher *TileDispatcher, verbose bool) {
	if verbose {
		defer log.Printf("recipe stage done")
	}
	defer close(rs.Out)

	failed := false
	for img := range rs.In {
		if failed {
			continue
		}
		if rs.Context.Err() != nil {
			rs.sendError(fmt.Errorf("Recipe stage context has been cancel: %v", rs.Context.Err()))
			failed = true
			continue
		}

		layer := img.Request.Layer
		recipe, ok := rs.Recipes[layer]
		if !ok {
			var err error
			recipe, err = NewRecipe(layer)
			if err != nil {
				rs.sendError(fmt.Errorf("layer %s: %v", layer.Name, err))
				failed = true
				continue
			}
			recipe.Dispatcher = dispatcher
			rs.Recipes[layer] = recipe
		}

		out, err := recipe.Apply(rs.Context, img.Image)
		if err != nil {
			rs.sendError(fmt.Errorf("image %s: %w", img.Image.ID, err))
			failed = true
			continue
		}
		rs.Out <- &LoadedImage{Request: img.Request, Image: out}
	}
}
