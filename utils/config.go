package utils

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

var LibexecDir = "."
var EtcDir = "."
var DataDir = "."

type ServiceConfig struct {
	Hostname      string   `json:"hostname"`
	MASAddress    string   `json:"mas_address"`
	WorkerNodes   []string `json:"worker_nodes"`
	EngineAddress string   `json:"engine_address"`
	ExportDir     string   `json:"export_dir"`
	NameSpace     string   `json:"-"`
}

// VisParams describes how one or three bands are mapped to display
// colours.
type VisParams struct {
	Bands   []string `json:"bands"`
	Min     float64  `json:"min"`
	Max     float64  `json:"max"`
	Gamma   float64  `json:"gamma"`
	Palette *Palette `json:"palette"`
}

type ScaleFactor struct {
	Name       string  `json:"name"`
	Pattern    string  `json:"pattern"`
	Multiplier float64 `json:"multiplier"`
	Offset     float64 `json:"offset"`
}

type Pansharpen struct {
	Method string   `json:"method"`
	Bands  []string `json:"bands"`
	Pan    string   `json:"pan"`
}

type ExportConfig struct {
	Folder    string  `json:"folder"`
	Scale     float64 `json:"scale"`
	MaxPixels float64 `json:"max_pixels"`
}

// Layer is one published band math recipe: which scenes to load and
// the steps turning them into a displayable product.
type Layer struct {
	NameSpace     string
	Name          string          `json:"name"`
	Title         string          `json:"title"`
	Abstract      string          `json:"abstract"`
	Collection    string          `json:"collection"`
	StartISODate  string          `json:"start_isodate"`
	EndISODate    string          `json:"end_isodate"`
	StepDays      int             `json:"step_days"`
	TimeGen       string          `json:"time_generator"`
	Dates         []string        `json:"dates"`
	WRSPath       int             `json:"wrs_path"`
	WRSRow        int             `json:"wrs_row"`
	MaxCloudCover *float64        `json:"max_cloud_cover"`
	Region        json.RawMessage `json:"region"`
	Bands         []string        `json:"bands"`
	Scaling       string          `json:"scaling"`
	ScaleFactors  []ScaleFactor   `json:"scale_factors"`
	Indices       []string        `json:"indices"`
	Products      []string        `json:"products"`
	Pansharpen    *Pansharpen     `json:"pansharpen"`
	Reducer       string          `json:"reducer"`
	Clip          bool            `json:"clip"`
	Vis           VisParams       `json:"vis"`
	SeriesBand    string          `json:"series_band"`
	SeriesReducer string          `json:"series_reducer"`
	Export        ExportConfig    `json:"export"`

	MaxGrpcRecvMsgSize int `json:"max_grpc_recv_msg_size"`
}

// Config is the content of one config.json: the service endpoints
// and the layers published under its namespace.
type Config struct {
	ServiceConfig ServiceConfig `json:"service_config"`
	Layers        []Layer       `json:"layers"`
}

// string used to format Go ISO times
const ISOFormat = "2006-01-02T15:04:05.000Z"

const DefaultRecvMsgSize = 10 * 1024 * 1024

const DefaultMaxPixels = 1e9

var reducers = map[string]bool{"": true, "first": true, "median": true, "mean": true, "min": true, "max": true, "mosaic": true}

func GenerateDatesRegular(start, end time.Time, step time.Duration) []string {
	dates := []string{}
	for start.Before(end) {
		dates = append(dates, start.Format(ISOFormat))
		start = start.Add(step)
	}
	return dates
}

func GenerateMonthlyDates(start, end time.Time, step time.Duration) []string {
	dates := []string{}
	for start.Before(end) {
		dates = append(dates, start.Format(ISOFormat))
		start = start.AddDate(0, 1, 0)
	}
	return dates
}

func GenerateYearlyDates(start, end time.Time, step time.Duration) []string {
	dates := []string{}
	for start.Before(end) {
		dates = append(dates, start.Format(ISOFormat))
		start = start.AddDate(1, 0, 0)
	}
	return dates
}

// GenerateDates returns the start of each compositing period between
// start and end.
func GenerateDates(name string, start, end time.Time, step time.Duration) ([]string, error) {
	dateGen := map[string]func(time.Time, time.Time, time.Duration) []string{
		"regular": GenerateDatesRegular,
		"monthly": GenerateMonthlyDates,
		"yearly":  GenerateYearlyDates,
	}

	gen, ok := dateGen[name]
	if !ok {
		return nil, fmt.Errorf("unknown time generator: %s", name)
	}
	if name == "regular" && step <= 0 {
		return nil, fmt.Errorf("regular time generator needs a positive step")
	}
	return gen(start, end, step), nil
}

func ParseISODate(s string) (time.Time, error) {
	for _, layout := range []string{ISOFormat, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date: %q", s)
}

func LoadAllConfigFiles(rootDir string, verbose bool) (map[string]*Config, error) {
	configMap := make(map[string]*Config)
	err := filepath.Walk(rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && info.Name() == "config.json" {
			relPath, _ := filepath.Rel(rootDir, filepath.Dir(path))
			if verbose {
				log.Printf("Loading config file: %s under namespace: %s\n", path, relPath)
			}

			config := &Config{}
			if e := config.LoadConfigFile(path); e != nil {
				return e
			}

			ns := relPath
			if relPath == "." {
				ns = ""
			}
			config.ServiceConfig.NameSpace = relPath
			for i := range config.Layers {
				config.Layers[i].NameSpace = ns
			}
			configMap[relPath] = config
		}
		return nil
	})

	if err == nil && len(configMap) == 0 {
		err = fmt.Errorf("No config file found")
	}

	return configMap, err
}

// LoadConfigFile parses a config.json document and validates every
// layer in it.
func (config *Config) LoadConfigFile(configFile string) error {
	*config = Config{}
	cfg, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("Error while reading config file: %s. Error: %v", configFile, err)
	}

	err = json.Unmarshal(cfg, config)
	if err != nil {
		return fmt.Errorf("Error at JSON parsing config document: %s. Error: %v", configFile, err)
	}

	ApplyEnvOverrides(&config.ServiceConfig)

	names := make(map[string]bool)
	for i := range config.Layers {
		layer := &config.Layers[i]
		if names[layer.Name] {
			return fmt.Errorf("%s: duplicate layer name: %s", configFile, layer.Name)
		}
		names[layer.Name] = true

		if err := layer.validate(); err != nil {
			return fmt.Errorf("%s: layer %s: %v", configFile, layer.Name, err)
		}
	}
	return nil
}

func (layer *Layer) validate() error {
	if len(layer.Name) == 0 {
		return fmt.Errorf("missing name")
	}
	if len(layer.Collection) == 0 {
		return fmt.Errorf("missing collection")
	}
	if len(layer.Bands) == 0 {
		return fmt.Errorf("no bands to load")
	}
	if !reducers[layer.Reducer] {
		return fmt.Errorf("unknown reducer: %s", layer.Reducer)
	}
	if len(layer.Reducer) == 0 {
		layer.Reducer = "median"
	}
	if len(layer.SeriesReducer) == 0 {
		layer.SeriesReducer = "mean"
	}

	switch layer.Scaling {
	case "", "none", "landsat_c2l2", "custom":
	default:
		return fmt.Errorf("unknown scaling: %s", layer.Scaling)
	}
	if layer.Scaling == "custom" && len(layer.ScaleFactors) == 0 {
		return fmt.Errorf("custom scaling without scale_factors")
	}

	if layer.Pansharpen != nil {
		ps := layer.Pansharpen
		switch strings.ToLower(ps.Method) {
		case "brovey":
			if len(ps.Bands) != 3 && len(ps.Bands) != 4 {
				return fmt.Errorf("brovey pansharpening needs 3 or 4 bands")
			}
		case "hsv", "ihs":
			if len(ps.Bands) != 3 {
				return fmt.Errorf("hsv pansharpening needs 3 bands")
			}
		default:
			return fmt.Errorf("unknown pansharpening method: %s", ps.Method)
		}
		if len(ps.Pan) == 0 {
			return fmt.Errorf("pansharpening without a pan band")
		}
	}

	if n := len(layer.Vis.Bands); n != 0 && n != 1 && n != 3 {
		return fmt.Errorf("vis bands must name 1 or 3 bands, got %d", n)
	}
	if layer.Vis.Palette != nil && len(layer.Vis.Palette.Colours) < 2 {
		return fmt.Errorf("The colour palette must contain at least 2 colours.")
	}
	if layer.Vis.Max == layer.Vis.Min {
		layer.Vis.Max = layer.Vis.Min + 1
	}
	if layer.Vis.Gamma <= 0 {
		layer.Vis.Gamma = 1
	}

	if layer.Clip && len(layer.Region) == 0 {
		return fmt.Errorf("clip requested without a region")
	}

	if layer.Export.MaxPixels <= 0 {
		layer.Export.MaxPixels = DefaultMaxPixels
	}
	if layer.MaxGrpcRecvMsgSize <= 0 {
		layer.MaxGrpcRecvMsgSize = DefaultRecvMsgSize
	}

	if len(layer.TimeGen) > 0 {
		start, err := ParseISODate(layer.StartISODate)
		if err != nil {
			return err
		}
		end, err := ParseISODate(layer.EndISODate)
		if err != nil {
			return err
		}
		step := 24 * time.Hour * time.Duration(layer.StepDays)
		dates, err := GenerateDates(layer.TimeGen, start, end, step)
		if err != nil {
			return err
		}
		layer.Dates = dates
	}
	return nil
}

// FindLayer returns the named layer of the config.
func (config *Config) FindLayer(name string) (*Layer, error) {
	for i := range config.Layers {
		if config.Layers[i].Name == name {
			return &config.Layers[i], nil
		}
	}
	return nil, fmt.Errorf("layer %s not found", name)
}

func DumpConfig(configs map[string]*Config) (string, error) {
	keys := make([]string, 0, len(configs))
	for k := range configs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]*Config, len(keys))
	for i, k := range keys {
		ordered[i] = configs[k]
	}
	out, err := json.MarshalIndent(ordered, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// WatchConfig reloads every config file under EtcDir on SIGHUP and
// hands the new map to apply. Readers never see a partially loaded map.
func WatchConfig(infoLog, errLog *log.Logger, apply func(map[string]*Config), verbose bool) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go reloadConfigs(sighup, infoLog, errLog, apply, verbose)
}

func reloadConfigs(signals <-chan os.Signal, infoLog, errLog *log.Logger, apply func(map[string]*Config), verbose bool) {
	for range signals {
		infoLog.Println("Caught SIGHUP, reloading config...")
		confMap, err := LoadAllConfigFiles(EtcDir, verbose)
		if err != nil {
			errLog.Printf("Error in loading config files: %v\n", err)
			continue
		}
		apply(confMap)
	}
}
