package processor

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/gocarina/gocsv"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const seriesDateFormat = "2006-01-02"

type seriesRow struct {
	Date  string `csv:"date"`
	Band  string `csv:"band"`
	Value string `csv:"value"`
}

// EncodeSeriesCSV writes one row per point. Undefined values are
// written as empty fields.
func EncodeSeriesCSV(w io.Writer, s *Series) error {
	rows := make([]*seriesRow, len(s.Points))
	for i, p := range s.Points {
		v := ""
		if !math.IsNaN(p.Value) {
			v = strconv.FormatFloat(p.Value, 'g', -1, 64)
		}
		rows[i] = &seriesRow{Date: p.Date.Format(seriesDateFormat), Band: s.Band, Value: v}
	}
	return gocsv.Marshal(&rows, w)
}

func seriesTitle(s *Series) string {
	if len(s.Name) > 0 {
		return fmt.Sprintf("%s: %s %s", s.Name, s.Reducer, s.Band)
	}
	return fmt.Sprintf("%s %s", s.Reducer, s.Band)
}

// EncodeSeriesPNG renders the valid points as a line and scatter chart.
func EncodeSeriesPNG(w io.Writer, s *Series, width, height vg.Length) error {
	p := plot.New()
	p.Title.Text = seriesTitle(s)
	p.X.Label.Text = "Date"
	p.Y.Label.Text = s.Band
	p.X.Tick.Marker = plot.TimeTicks{Format: seriesDateFormat}

	valid := s.Valid()
	pts := make(plotter.XYs, len(valid))
	for i, pt := range valid {
		pts[i] = plotter.XY{X: float64(pt.Date.Unix()), Y: pt.Value}
	}

	if len(pts) > 0 {
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = color.RGBA{R: 33, G: 113, B: 181, A: 255}
		line.Width = vg.Points(1)

		scatter, err := plotter.NewScatter(pts)
		if err != nil {
			return err
		}
		scatter.Color = line.Color

		p.Add(line, scatter)
		p.Legend.Add(s.Band, line)
		p.Legend.Top = true
	}

	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// EncodeSeriesHTML renders an interactive line chart page.
func EncodeSeriesHTML(w io.Writer, s *Series) error {
	valid := s.Valid()
	dates := make([]string, len(valid))
	data := make([]opts.LineData, len(valid))
	for i, pt := range valid {
		dates[i] = pt.Date.Format(seriesDateFormat)
		data[i] = opts.LineData{Value: pt.Value}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: seriesTitle(s), Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: seriesTitle(s), Subtitle: fmt.Sprintf("%d images", len(s.Points))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Date"}),
		charts.WithYAxisOpts(opts.YAxis{Name: s.Band, Scale: opts.Bool(true)}),
	)
	line.SetXAxis(dates).AddSeries(s.Band, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))
	return line.Render(w)
}
