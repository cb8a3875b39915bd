package main

/* pipeline-run runs one configured layer end to end without the HTTP
   server: every compositing period is processed in turn and written as
   a PNG map, a GeoTIFF or both, and the regional series of the whole
   request can be written as CSV. */

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	proc "github.com/arminnakhjiri/BasicGEE/processor"
	"github.com/arminnakhjiri/BasicGEE/utils"
	"github.com/arminnakhjiri/BasicGEE/worker/engine"
	"github.com/arminnakhjiri/BasicGEE/worker/gdalprocess"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/crypto/ssh/terminal"
)

var (
	Error = log.New(os.Stderr, "PipelineRun: ", log.Ldate|log.Ltime|log.Lshortfile)
	Info  = log.New(os.Stdout, "PipelineRun: ", log.Ldate|log.Ltime|log.Lshortfile)
)

type options struct {
	layer   string
	start   string
	end     string
	bbox    string
	outDir  string
	formats map[string]bool
	legend  bool
	workers string
	verbose bool
}

// periodName is the file stem of one period's output.
func periodName(layer string, req *proc.LayerRequest) string {
	if req.StartTime.IsZero() {
		return layer
	}
	return fmt.Sprintf("%s_%s", layer, req.StartTime.Format("2006-01-02"))
}

func parseFormats(s string) (map[string]bool, error) {
	formats := make(map[string]bool)
	for _, f := range strings.Split(s, ",") {
		f = strings.ToLower(strings.TrimSpace(f))
		switch f {
		case "png", "tif", "csv":
			formats[f] = true
		case "":
		default:
			return nil, fmt.Errorf("unknown output format: %s", f)
		}
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("no output format")
	}
	return formats, nil
}

// splitLayer separates "namespace/layer" into its parts. A bare name
// selects the root namespace.
func splitLayer(name string) (string, string) {
	name = strings.Trim(name, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return ".", name
}

func wait[T any](ctx context.Context, out chan T, errChan chan error) (T, error) {
	var zero T
	select {
	case res, ok := <-out:
		if ok {
			return res, nil
		}
		select {
		case err := <-errChan:
			return zero, err
		default:
			return zero, catalog.ErrEmptyResult
		}
	case err := <-errChan:
		return zero, err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// engineSecret prompts for the engine client secret when client
// credentials are configured without one.
func engineSecret() error {
	if len(os.Getenv(utils.EnvEngineClientID)) == 0 || len(os.Getenv(utils.EnvEngineClientSecret)) > 0 {
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !terminal.IsTerminal(fd) {
		return fmt.Errorf("%s is not set and stdin is not a terminal", utils.EnvEngineClientSecret)
	}
	fmt.Fprint(os.Stderr, "Engine client secret: ")
	secret, err := terminal.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	return os.Setenv(utils.EnvEngineClientSecret, strings.TrimSpace(string(secret)))
}

func dialWorkers(nodes []string, tileSize int) (*proc.TileDispatcher, func(), error) {
	if len(nodes) == 0 {
		return nil, func() {}, nil
	}
	if err := engineSecret(); err != nil {
		return nil, nil, err
	}
	opts := engine.DialOptions{}
	if creds, ok := utils.EngineCredentialsFromEnv(); ok {
		opts.TLS = true
		opts.TokenSource = engine.NewTokenSource(context.Background(), creds)
	}

	var clients []*engine.Client
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	evaluators := make([]proc.TileEvaluator, 0, len(nodes))
	for _, node := range nodes {
		c, err := engine.Dial(node, opts)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		clients = append(clients, c)
		evaluators = append(evaluators, c)
	}
	return proc.NewTileDispatcher(evaluators, tileSize, 2*len(nodes)), closeAll, nil
}

func writeMap(path string, bs *proc.BandSet, layer *utils.Layer, title string, legend bool) error {
	img, err := proc.Visualize(bs, layer.Vis)
	if err != nil {
		return err
	}
	var out image.Image = img
	if legend {
		if out, err = proc.RenderMap(img, layer.Vis, proc.MapOptions{Title: title, Legend: true}); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := proc.EncodePNG(f, out); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeSeries(ctx context.Context, lp *proc.LayerPipeline, errChan chan error, req *proc.LayerRequest, path string, verbose bool) error {
	images, err := wait(ctx, lp.ProcessImages(req, verbose), errChan)
	if err != nil {
		return err
	}
	layer := req.Layer
	band := layer.SeriesBand
	if len(band) == 0 && len(layer.Vis.Bands) == 1 {
		band = layer.Vis.Bands[0]
	}
	if len(band) == 0 {
		band = proc.NDVIBand
	}
	reducer, err := proc.ParseReducer(layer.SeriesReducer)
	if err != nil {
		return err
	}
	series, err := proc.RegionalSeries(images, band, req.Region, reducer)
	if err != nil {
		return err
	}
	series.Name = layer.Name

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := proc.EncodeSeriesCSV(f, series); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func run(ctx context.Context, conf *utils.Config, layer *utils.Layer, reader proc.BandReader, o options) error {
	var start, end time.Time
	var err error
	if len(o.start) > 0 {
		if start, err = utils.ParseISODate(o.start); err != nil {
			return err
		}
	}
	if len(o.end) > 0 {
		if end, err = utils.ParseISODate(o.end); err != nil {
			return err
		}
	}
	req, err := proc.NewLayerRequest(layer, start, end)
	if err != nil {
		return err
	}
	if len(o.bbox) > 0 {
		bbox, err := utils.QueryBBox(map[string][]string{"bbox": {o.bbox}}, "bbox")
		if err != nil {
			return err
		}
		req.Region = proc.NewBoundRegion(bbox[0], bbox[1], bbox[2], bbox[3])
	}

	nodes := conf.ServiceConfig.WorkerNodes
	if len(o.workers) > 0 {
		nodes = strings.Split(o.workers, ",")
	}
	dispatcher, closeWorkers, err := dialWorkers(nodes, proc.DefaultTileSize)
	if err != nil {
		return err
	}
	defer closeWorkers()

	if err := os.MkdirAll(o.outDir, 0755); err != nil {
		return err
	}
	mas := conf.ServiceConfig.MASAddress

	if o.formats["csv"] {
		errChan := make(chan error, 100)
		lp := proc.InitLayerPipeline(ctx, mas, reader, dispatcher, errChan)
		path := filepath.Join(o.outDir, layer.Name+".csv")
		if err := writeSeries(ctx, lp, errChan, req, path, o.verbose); err != nil {
			return fmt.Errorf("series: %w", err)
		}
		Info.Printf("wrote %s", path)
	}
	if !o.formats["png"] && !o.formats["tif"] {
		return nil
	}

	periods, err := proc.SplitPeriods(req)
	if err != nil {
		return err
	}
	bar := progressbar.Default(int64(len(periods)), layer.Name)
	var written, empty int
	for _, period := range periods {
		errChan := make(chan error, 100)
		lp := proc.InitLayerPipeline(ctx, mas, reader, dispatcher, errChan)
		bs, err := wait(ctx, lp.Process(period, o.verbose), errChan)
		bar.Add(1)
		if errors.Is(err, catalog.ErrEmptyResult) {
			empty++
			continue
		}
		if err != nil {
			return fmt.Errorf("period %s: %w", period.StartTime.Format(utils.ISOFormat), err)
		}

		stem := filepath.Join(o.outDir, periodName(layer.Name, period))
		if o.formats["png"] {
			title := fmt.Sprintf("%s %s", layer.Title, period.StartTime.Format("2006-01-02"))
			if err := writeMap(stem+".png", bs, layer, strings.TrimSpace(title), o.legend); err != nil {
				return err
			}
		}
		if o.formats["tif"] {
			if err := gdalprocess.WriteGeoTIFF(stem+".tif", bs, 0); err != nil {
				return err
			}
		}
		written++
	}
	bar.Finish()
	Info.Printf("layer %s: %d periods written, %d without scenes", layer.Name, written, empty)
	if written == 0 {
		return catalog.ErrEmptyResult
	}
	return nil
}

func main() {
	confDir := flag.String("conf_dir", utils.EtcDir, "Config directory holding config.json files.")
	dataDir := flag.String("data_dir", utils.DataDir, "Data directory holding scene files.")
	envFile := flag.String("env", ".env", "Optional .env file with service addresses and credentials.")
	layerName := flag.String("layer", "", "Layer to run as namespace/name, or name for the root namespace.")
	start := flag.String("start", "", "Start date, defaults to the layer's start.")
	end := flag.String("end", "", "End date, defaults to the layer's end.")
	bbox := flag.String("bbox", "", "Region as minx,miny,maxx,maxy, defaults to the layer's region.")
	outDir := flag.String("out", ".", "Output directory.")
	format := flag.String("format", "png", "Comma separated outputs: png, tif, csv.")
	legend := flag.Bool("legend", false, "Draw a title and legend around PNG maps.")
	workers := flag.String("workers", "", "Comma separated engine worker nodes evaluating expression tiles.")
	verbose := flag.Bool("v", false, "Verbose mode.")
	flag.Parse()

	if len(*layerName) == 0 {
		Error.Fatal("-layer is required")
	}
	formats, err := parseFormats(*format)
	if err != nil {
		Error.Fatal(err)
	}
	if err := utils.LoadEnv(*envFile); err != nil {
		Error.Fatalf("loading %s: %v", *envFile, err)
	}
	utils.DataDir = *dataDir

	confMap, err := utils.LoadAllConfigFiles(*confDir, *verbose)
	if err != nil {
		Error.Fatalf("loading config files: %v", err)
	}
	ns, name := splitLayer(*layerName)
	conf, ok := confMap[ns]
	if !ok {
		Error.Fatalf("invalid namespace: %s", ns)
	}
	layer, err := conf.FindLayer(name)
	if err != nil {
		Error.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdalprocess.RegisterGDALDrivers()
	reader := &gdalprocess.Reader{BaseDir: filepath.Clean(*dataDir), Verbose: *verbose}
	o := options{
		layer:   *layerName,
		start:   *start,
		end:     *end,
		bbox:    *bbox,
		outDir:  *outDir,
		formats: formats,
		legend:  *legend,
		workers: *workers,
		verbose: *verbose,
	}
	if err := run(ctx, conf, layer, reader, o); err != nil {
		Error.Printf("%v", err)
		stop()
		os.Exit(1)
	}
}
