package main

/* The band math server publishes the layers declared in config.json
   files. Every layer is a recipe over a catalogued image collection:
   scenes are looked up in the metadata service, read from GeoTIFFs,
   scaled, turned into indices or pansharpened, composited and then
   rendered as a map, reduced to a regional time series or exported.
   Expression tiles may be spread over engine worker nodes and exports
   are handed to an engine. */

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"github.com/arminnakhjiri/BasicGEE/metrics"
	proc "github.com/arminnakhjiri/BasicGEE/processor"
	"github.com/arminnakhjiri/BasicGEE/utils"
	"github.com/arminnakhjiri/BasicGEE/worker/engine"
	"github.com/arminnakhjiri/BasicGEE/worker/gdalprocess"
	reuseport "github.com/kavu/go_reuseport"
	"golang.org/x/net/netutil"
	"gonum.org/v1/plot/vg"
)

var (
	port            = flag.Int("p", 8080, "Server listening port.")
	serverDataDir   = flag.String("data_dir", utils.DataDir, "Server data directory holding scene files.")
	serverConfigDir = flag.String("conf_dir", utils.EtcDir, "Server config directory.")
	serverLogDir    = flag.String("log_dir", "", "Server log directory, '-' for stdout.")
	envFile         = flag.String("env", ".env", "Optional .env file with service addresses and credentials.")
	maxConns        = flag.Int("max_conns", 256, "Maximum number of concurrent connections.")
	tileSize        = flag.Int("tile_size", proc.DefaultTileSize, "Tile size of expressions sent to worker nodes.")
	validateConfig  = flag.Bool("check_conf", false, "Validate server config files.")
	dumpConfig      = flag.Bool("dump_conf", false, "Dump server config files.")
	verbose         = flag.Bool("v", false, "Verbose mode for more server outputs.")
)

var (
	Error *log.Logger
	Info  *log.Logger
)

func init() {
	Error = log.New(os.Stderr, "BandMath: ", log.Ldate|log.Ltime|log.Lshortfile)
	Info = log.New(os.Stdout, "BandMath: ", log.Ldate|log.Ltime|log.Lshortfile)
}

// server holds everything handlers share. Engine connections are
// opened on first use and kept for the life of the process.
type server struct {
	confMu   sync.RWMutex
	configs  map[string]*utils.Config
	reader   proc.BandReader
	metrics  metrics.Logger
	tileSize int
	verbose  bool

	mu      sync.Mutex
	clients map[string]*engine.Client
	exports map[string]*engine.ExportQueue
}

func newServer(configs map[string]*utils.Config, reader proc.BandReader, logger metrics.Logger) *server {
	return &server{
		configs:  configs,
		reader:   reader,
		metrics:  logger,
		tileSize: proc.DefaultTileSize,
		clients:  make(map[string]*engine.Client),
		exports:  make(map[string]*engine.ExportQueue),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/layers", s.layersHandler)
	mux.HandleFunc("/map/", s.mapHandler)
	mux.HandleFunc("/series/", s.seriesHandler)
	mux.HandleFunc("/export/", s.exportHandler)
	return mux
}

// config returns the config of namespace ns.
func (s *server) config(ns string) (*utils.Config, bool) {
	s.confMu.RLock()
	defer s.confMu.RUnlock()
	conf, ok := s.configs[ns]
	return conf, ok
}

// configSnapshot returns the current namespace map. The map is never
// modified after it is installed, so callers may range over it freely.
func (s *server) configSnapshot() map[string]*utils.Config {
	s.confMu.RLock()
	defer s.confMu.RUnlock()
	return s.configs
}

// setConfigs installs a freshly loaded namespace map.
func (s *server) setConfigs(configs map[string]*utils.Config) {
	s.confMu.Lock()
	s.configs = configs
	s.confMu.Unlock()
}

// Close waits for queued exports and closes engine connections.
func (s *server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.exports {
		q.StopWait()
	}
	for addr, c := range s.clients {
		if err := c.Close(); err != nil {
			Error.Printf("closing engine %s: %v", addr, err)
		}
	}
}

func (s *server) client(addr string) (*engine.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[addr]; ok {
		return c, nil
	}
	opts := engine.DialOptions{}
	if creds, ok := utils.EngineCredentialsFromEnv(); ok {
		opts.TLS = true
		opts.TokenSource = engine.NewTokenSource(context.Background(), creds)
	}
	c, err := engine.Dial(addr, opts)
	if err != nil {
		return nil, err
	}
	s.clients[addr] = c
	return c, nil
}

// dispatcher spreads expression tiles over the configured worker
// nodes. Without worker nodes expressions run in process.
func (s *server) dispatcher(conf *utils.Config) (*proc.TileDispatcher, error) {
	nodes := conf.ServiceConfig.WorkerNodes
	if len(nodes) == 0 {
		return nil, nil
	}
	evaluators := make([]proc.TileEvaluator, 0, len(nodes))
	for _, node := range nodes {
		c, err := s.client(node)
		if err != nil {
			return nil, err
		}
		evaluators = append(evaluators, c)
	}
	return proc.NewTileDispatcher(evaluators, s.tileSize, 2*len(nodes)), nil
}

// exporter is the hosted engine when one is configured and a local
// export queue otherwise.
func (s *server) exporter(conf *utils.Config) (engine.Engine, error) {
	sc := conf.ServiceConfig
	if len(sc.EngineAddress) > 0 {
		return s.client(sc.EngineAddress)
	}
	if len(sc.ExportDir) == 0 {
		return nil, fmt.Errorf("namespace %s has neither an engine nor an export dir", sc.NameSpace)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.exports[sc.ExportDir]
	if !ok {
		q = engine.NewExportQueue(sc.ExportDir, engine.DefaultExportWorkers, s.verbose)
		s.exports[sc.ExportDir] = q
	}
	return engine.NewLocal(sc.MASAddress, q, s.verbose), nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Error.Printf("writing response: %v", err)
	}
}

// httpError writes a JSON error with the status matching err.
func httpError(w http.ResponseWriter, mc *metrics.MetricsCollector, status int, err error) {
	if status == 0 {
		switch {
		case errors.Is(err, catalog.ErrEmptyResult):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, proc.ErrMissingBand), errors.Is(err, proc.ErrBandCount), errors.Is(err, engine.ErrTooManyPixels):
			status = http.StatusBadRequest
		default:
			status = http.StatusInternalServerError
		}
	}
	if mc != nil {
		mc.Info.HTTPStatus = status
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// startMetrics fills the request part of a metrics record. The
// returned function logs it.
func (s *server) startMetrics(r *http.Request) (*metrics.MetricsCollector, func()) {
	t0 := time.Now()
	mc := metrics.NewMetricsCollector(s.metrics)
	mc.Info.ReqTime = t0.Format(utils.ISOFormat)
	if reqURL, err := url.QueryUnescape(r.URL.String()); err == nil {
		mc.Info.URL.RawURL = reqURL
	} else {
		mc.Info.URL.RawURL = r.URL.String()
	}
	mc.Info.RemoteAddr = utils.ParseRemoteAddr(r)
	mc.Info.HTTPStatus = http.StatusOK
	return mc, func() {
		mc.Info.ReqDuration = time.Since(t0)
		mc.Log()
	}
}

// findLayer resolves "/prefix/{namespace}/{layer}[ext]". The
// namespace may span several path segments; none selects the root
// config.
func (s *server) findLayer(urlPath, prefix, ext string) (*utils.Config, *utils.Layer, error) {
	rest := strings.Trim(strings.TrimPrefix(path.Clean(urlPath), prefix), "/")
	rest = strings.TrimSuffix(rest, ext)
	if len(rest) == 0 {
		return nil, nil, fmt.Errorf("no layer in %s", urlPath)
	}
	ns, name := ".", rest
	if i := strings.LastIndex(rest, "/"); i >= 0 {
		ns, name = rest[:i], rest[i+1:]
	}
	conf, ok := s.config(ns)
	if !ok {
		return nil, nil, fmt.Errorf("invalid namespace: %s", ns)
	}
	layer, err := conf.FindLayer(name)
	if err != nil {
		return nil, nil, err
	}
	return conf, layer, nil
}

// layerRequest applies the optional start, end and bbox parameters to
// the layer's defaults.
func layerRequest(layer *utils.Layer, query url.Values) (*proc.LayerRequest, error) {
	start, err := utils.QueryTime(query, "start")
	if err != nil {
		return nil, err
	}
	end, err := utils.QueryTime(query, "end")
	if err != nil {
		return nil, err
	}
	var startTime, endTime time.Time
	if start != nil {
		startTime = *start
	}
	if end != nil {
		endTime = *end
	}
	req, err := proc.NewLayerRequest(layer, startTime, endTime)
	if err != nil {
		return nil, err
	}

	bbox, err := utils.QueryBBox(query, "bbox")
	if err != nil {
		return nil, err
	}
	if bbox != nil {
		req.Region = proc.NewBoundRegion(bbox[0], bbox[1], bbox[2], bbox[3])
	}
	return req, nil
}

// waitPipeline returns the first result of a pipeline or the first
// error reported by any of its stages.
func waitPipeline[T any](ctx context.Context, out chan T, errChan chan error) (T, error) {
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
			return zero, fmt.Errorf("pipeline produced no result: %w", catalog.ErrEmptyResult)
		}
	case err := <-errChan:
		return zero, err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *server) pipeline(ctx context.Context, conf *utils.Config) (*proc.LayerPipeline, chan error, error) {
	dispatcher, err := s.dispatcher(conf)
	if err != nil {
		return nil, nil, err
	}
	errChan := make(chan error, 100)
	lp := proc.InitLayerPipeline(ctx, conf.ServiceConfig.MASAddress, s.reader, dispatcher, errChan)
	return lp, errChan, nil
}

func recordPipeline(mc *metrics.MetricsCollector, lp *proc.LayerPipeline, req *proc.LayerRequest, sets ...*proc.BandSet) {
	if lp.Indexer != nil {
		mc.Info.Catalog.NumScenes = lp.Indexer.NumScenes
		mc.Info.Catalog.Duration = lp.Indexer.Took
	}
	if req.Region != nil {
		mc.Info.Catalog.Geometry = req.Region.WKT()
	}
	mc.Info.Compute.NumImages = len(sets)
	for _, bs := range sets {
		for _, name := range bs.Names() {
			r, _ := bs.Band(name)
			mc.Info.Compute.NumPixels += int64(len(r.Data))
			mc.Info.Compute.ValidPixels += int64(r.ValidCount())
		}
	}
}

type layerSummary struct {
	NameSpace  string   `json:"namespace"`
	Name       string   `json:"name"`
	Title      string   `json:"title"`
	Abstract   string   `json:"abstract"`
	Collection string   `json:"collection"`
	Start      string   `json:"start"`
	End        string   `json:"end"`
	Indices    []string `json:"indices"`
	Reducer    string   `json:"reducer"`
	MapURL     string   `json:"map_url"`
}

const layersTemplate = `<!DOCTYPE html>
<html>
<head><title>Band math layers</title></head>
<body>
<table>
<tr><th>Namespace</th><th>Layer</th><th>Title</th><th>Collection</th><th>Period</th><th>Reducer</th></tr>
{{range i, layer := .}}<tr><td>{{html(layer.NameSpace)}}</td><td><a href="{{layer.MapURL}}">{{html(layer.Name)}}</a></td><td>{{html(layer.Title)}}</td><td>{{html(layer.Collection)}}</td><td>{{layer.Start}} to {{layer.End}}</td><td>{{layer.Reducer}}</td></tr>
{{end}}</table>
</body>
</html>
`

func (s *server) summaries() []layerSummary {
	configs := s.configSnapshot()
	keys := make([]string, 0, len(configs))
	for k := range configs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []layerSummary
	for _, ns := range keys {
		for _, layer := range configs[ns].Layers {
			mapURL := "/map/" + layer.Name + ".png"
			if ns != "." {
				mapURL = "/map/" + ns + "/" + layer.Name + ".png"
			}
			out = append(out, layerSummary{
				NameSpace:  ns,
				Name:       layer.Name,
				Title:      layer.Title,
				Abstract:   layer.Abstract,
				Collection: layer.Collection,
				Start:      layer.StartISODate,
				End:        layer.EndISODate,
				Indices:    layer.Indices,
				Reducer:    layer.Reducer,
				MapURL:     mapURL,
			})
		}
	}
	return out
}

func (s *server) layersHandler(w http.ResponseWriter, r *http.Request) {
	mc, done := s.startMetrics(r)
	defer done()

	layers := s.summaries()
	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, layers)
	case "html":
		w.Header().Set("Content-Type", "text/html")
		if err := utils.ExecuteWriteTemplate(w, layers, "layers.html", layersTemplate); err != nil {
			Error.Printf("layers template: %v", err)
			mc.Info.HTTPStatus = http.StatusInternalServerError
		}
	default:
		httpError(w, mc, http.StatusBadRequest, fmt.Errorf("unknown format: %s", r.URL.Query().Get("format")))
	}
}

func (s *server) mapHandler(w http.ResponseWriter, r *http.Request) {
	mc, done := s.startMetrics(r)
	defer done()
	if r.Method != http.MethodGet {
		httpError(w, mc, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	conf, layer, err := s.findLayer(r.URL.Path, "/map", ".png")
	if err != nil {
		httpError(w, mc, http.StatusNotFound, err)
		return
	}
	mc.Info.Layer = layer.Name
	query := r.URL.Query()
	req, err := layerRequest(layer, query)
	if err != nil {
		httpError(w, mc, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	lp, errChan, err := s.pipeline(ctx, conf)
	if err != nil {
		httpError(w, mc, 0, err)
		return
	}
	t0 := time.Now()
	bs, err := waitPipeline(ctx, lp.Process(req, s.verbose), errChan)
	mc.Info.Compute.Duration = time.Since(t0)
	if err != nil {
		Info.Printf("layer %s: %v", layer.Name, err)
		httpError(w, mc, 0, err)
		return
	}
	recordPipeline(mc, lp, req, bs)

	img, err := proc.Visualize(bs, layer.Vis)
	if err != nil {
		httpError(w, mc, 0, err)
		return
	}
	var out image.Image = img
	title := query.Get("title")
	legend := query.Get("legend") == "true"
	if len(title) > 0 || legend {
		out, err = proc.RenderMap(img, layer.Vis, proc.MapOptions{Title: title, Legend: legend})
		if err != nil {
			httpError(w, mc, 0, err)
			return
		}
	}

	w.Header().Set("Content-Type", "image/png")
	if err := proc.EncodePNG(w, out); err != nil {
		Error.Printf("encoding map %s: %v", layer.Name, err)
	}
}

func (s *server) seriesHandler(w http.ResponseWriter, r *http.Request) {
	mc, done := s.startMetrics(r)
	defer done()

	conf, layer, err := s.findLayer(r.URL.Path, "/series", "")
	if err != nil {
		httpError(w, mc, http.StatusNotFound, err)
		return
	}
	mc.Info.Layer = layer.Name
	query := r.URL.Query()
	req, err := layerRequest(layer, query)
	if err != nil {
		httpError(w, mc, http.StatusBadRequest, err)
		return
	}

	band := query.Get("band")
	if len(band) == 0 {
		band = layer.SeriesBand
	}
	if len(band) == 0 && len(layer.Vis.Bands) == 1 {
		band = layer.Vis.Bands[0]
	}
	if len(band) == 0 {
		band = proc.NDVIBand
	}
	reducer, err := proc.ParseReducer(layer.SeriesReducer)
	if err != nil {
		httpError(w, mc, http.StatusBadRequest, err)
		return
	}

	format := query.Get("format")
	switch format {
	case "", "csv", "png", "html":
	default:
		httpError(w, mc, http.StatusBadRequest, fmt.Errorf("unknown format: %s", format))
		return
	}

	ctx := r.Context()
	lp, errChan, err := s.pipeline(ctx, conf)
	if err != nil {
		httpError(w, mc, 0, err)
		return
	}
	t0 := time.Now()
	images, err := waitPipeline(ctx, lp.ProcessImages(req, s.verbose), errChan)
	mc.Info.Compute.Duration = time.Since(t0)
	if err != nil {
		httpError(w, mc, 0, err)
		return
	}
	recordPipeline(mc, lp, req, images...)

	series, err := proc.RegionalSeries(images, band, req.Region, reducer)
	if err != nil {
		httpError(w, mc, 0, err)
		return
	}
	series.Name = layer.Name

	switch format {
	case "png":
		w.Header().Set("Content-Type", "image/png")
		err = proc.EncodeSeriesPNG(w, series, 8*vg.Inch, 4*vg.Inch)
	case "html":
		w.Header().Set("Content-Type", "text/html")
		err = proc.EncodeSeriesHTML(w, series)
	default:
		w.Header().Set("Content-Type", "text/csv")
		err = proc.EncodeSeriesCSV(w, series)
	}
	if err != nil {
		Error.Printf("encoding series %s: %v", layer.Name, err)
	}
}

// exportRequest optionally overrides the layer's export settings.
type exportRequest struct {
	Description string          `json:"description"`
	Folder      string          `json:"folder"`
	Scale       float64         `json:"scale"`
	MaxPixels   float64         `json:"max_pixels"`
	Region      json.RawMessage `json:"region"`
}

func parseExportRequest(body io.Reader, layer *utils.Layer, req *proc.LayerRequest) (engine.ExportSpec, error) {
	spec := engine.ExportSpec{
		Description: layer.Name,
		Folder:      layer.Export.Folder,
		Region:      req.Region,
		Scale:       layer.Export.Scale,
		MaxPixels:   layer.Export.MaxPixels,
	}

	raw, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return spec, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return spec, nil
	}
	var er exportRequest
	if err := json.Unmarshal(raw, &er); err != nil {
		return spec, fmt.Errorf("invalid export request: %v", err)
	}
	if len(er.Description) > 0 {
		spec.Description = er.Description
	}
	if len(er.Folder) > 0 {
		spec.Folder = er.Folder
	}
	if er.Scale > 0 {
		spec.Scale = er.Scale
	}
	if er.MaxPixels > 0 {
		spec.MaxPixels = er.MaxPixels
	}
	if len(er.Region) > 0 {
		if spec.Region, err = proc.ParseRegion(er.Region); err != nil {
			return spec, err
		}
	}
	return spec, nil
}

func (s *server) exportHandler(w http.ResponseWriter, r *http.Request) {
	mc, done := s.startMetrics(r)
	defer done()
	if r.Method != http.MethodPost {
		httpError(w, mc, http.StatusMethodNotAllowed, fmt.Errorf("exports are submitted with POST"))
		return
	}

	conf, layer, err := s.findLayer(r.URL.Path, "/export", "")
	if err != nil {
		httpError(w, mc, http.StatusNotFound, err)
		return
	}
	mc.Info.Layer = layer.Name
	req, err := layerRequest(layer, r.URL.Query())
	if err != nil {
		httpError(w, mc, http.StatusBadRequest, err)
		return
	}
	spec, err := parseExportRequest(r.Body, layer, req)
	if err != nil {
		httpError(w, mc, http.StatusBadRequest, err)
		return
	}
	exporter, err := s.exporter(conf)
	if err != nil {
		httpError(w, mc, 0, err)
		return
	}

	ctx := r.Context()
	lp, errChan, err := s.pipeline(ctx, conf)
	if err != nil {
		httpError(w, mc, 0, err)
		return
	}
	bs, err := waitPipeline(ctx, lp.Process(req, s.verbose), errChan)
	if err != nil {
		httpError(w, mc, 0, err)
		return
	}
	recordPipeline(mc, lp, req, bs)

	jobID, err := exporter.SubmitExport(ctx, bs, spec)
	if err != nil {
		httpError(w, mc, 0, err)
		return
	}
	mc.Info.HTTPStatus = http.StatusAccepted
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "description": spec.Description})
}

func newMetricsLogger(logDir string) metrics.Logger {
	if len(logDir) == 0 {
		return nil
	}
	if logDir == "-" {
		return metrics.NewStdoutLogger()
	}
	logger, err := metrics.NewLogger(logDir, *verbose)
	if err != nil {
		Error.Printf("metrics logger: %v", err)
		return nil
	}
	return logger
}

func main() {
	flag.Parse()

	if err := utils.LoadEnv(*envFile); err != nil {
		Error.Printf("Error in loading %s: %v\n", *envFile, err)
		os.Exit(1)
	}
	utils.DataDir = *serverDataDir
	utils.EtcDir = *serverConfigDir

	confMap, err := utils.LoadAllConfigFiles(utils.EtcDir, *verbose)
	if err != nil {
		Error.Printf("Error in loading config files: %v\n", err)
		os.Exit(1)
	}
	if *validateConfig {
		os.Exit(0)
	}
	if *dumpConfig {
		configJson, err := utils.DumpConfig(confMap)
		if err != nil {
			Error.Printf("Error in dumping configs: %v\n", err)
		} else {
			log.Print(configJson)
		}
		os.Exit(0)
	}

	gdalprocess.RegisterGDALDrivers()
	reader := &gdalprocess.Reader{BaseDir: filepath.Clean(utils.DataDir), Verbose: *verbose}

	s := newServer(confMap, reader, newMetricsLogger(*serverLogDir))
	s.tileSize = *tileSize
	s.verbose = *verbose
	utils.WatchConfig(Info, Error, s.setConfigs, *verbose)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-signals
		s.Close()
		os.Exit(1)
	}()

	var listener net.Listener
	listener, err = reuseport.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		Error.Fatalf("failed to listen: %v", err)
	}
	listener = netutil.LimitListener(listener, *maxConns)

	Info.Printf("band math server is ready on %s", listener.Addr())
	log.Fatal(http.Serve(listener, s.routes()))
}
