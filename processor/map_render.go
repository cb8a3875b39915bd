package processor

import (
	"fmt"
	"image"

	"github.com/arminnakhjiri/BasicGEE/utils"
	"github.com/fogleman/gg"
)

const (
	mapTitleHeight  = 24
	mapLegendHeight = 36
	legendSteps     = 64
)

// MapOptions controls the decorations drawn around a rendered layer.
type MapOptions struct {
	Title  string
	Legend bool
}

// RenderMap draws a visualized layer on a white canvas with an
// optional title bar and, for single band layers, a colour bar
// legend labelled with the stretch range.
func RenderMap(img image.Image, vis utils.VisParams, o MapOptions) (image.Image, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	top := 0
	if len(o.Title) > 0 {
		top = mapTitleHeight
	}
	legend := o.Legend && len(vis.Bands) <= 1
	height := top + bounds.Dy()
	if legend {
		height += mapLegendHeight
	}

	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.DrawImage(img, 0, top)

	if top > 0 {
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(o.Title, float64(width)/2, mapTitleHeight/2, 0.5, 0.5)
	}

	if legend {
		colours, err := LegendColours(vis, legendSteps)
		if err != nil {
			return nil, err
		}
		barTop := float64(top + bounds.Dy() + 4)
		barWidth := float64(width) - 16
		step := barWidth / float64(len(colours))
		for i, c := range colours {
			dc.SetRGB(float64(c.R)/255, float64(c.G)/255, float64(c.B)/255)
			dc.DrawRectangle(8+float64(i)*step, barTop, step+1, 12)
			dc.Fill()
		}
		dc.SetRGB(0, 0, 0)
		dc.SetLineWidth(1)
		dc.DrawRectangle(8, barTop, barWidth, 12)
		dc.Stroke()

		labelY := barTop + 24
		dc.DrawStringAnchored(fmt.Sprintf("%g", vis.Min), 8, labelY, 0, 0.5)
		dc.DrawStringAnchored(fmt.Sprintf("%g", vis.Max), 8+barWidth, labelY, 1, 0.5)
	}

	return dc.Image(), nil
}
