package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/url"
	"time"

	"github.com/arminnakhjiri/BasicGEE/utils"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geo"
)

type URLInfo struct {
	RawURL string            `json:"raw_url"`
	Host   string            `json:"host"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query"`
}

// CatalogInfo describes the scene lookup of one request.
type CatalogInfo struct {
	Duration  time.Duration `json:"duration"`
	URL       URLInfo       `json:"url"`
	Geometry  string        `json:"geometry"`
	RegionM2  float64       `json:"region_m2"`
	NumScenes int           `json:"num_scenes"`
}

// ComputeInfo describes the band math work of one request.
type ComputeInfo struct {
	Duration    time.Duration `json:"duration"`
	NumImages   int           `json:"num_images"`
	NumTiles    int           `json:"num_tiles"`
	NumPixels   int64         `json:"num_pixels"`
	ValidPixels int64         `json:"valid_pixels"`
}

type MetricsInfo struct {
	ReqTime     string        `json:"req_time"`
	ReqDuration time.Duration `json:"req_duration"`
	URL         URLInfo       `json:"url"`
	Layer       string        `json:"layer"`
	RemoteAddr  string        `json:"remote_addr"`
	RemoteHost  string        `json:"remote_host"`
	RemotePort  string        `json:"remote_port"`
	HTTPStatus  int           `json:"http_status"`
	Catalog     *CatalogInfo  `json:"catalog"`
	Compute     *ComputeInfo  `json:"compute"`
}

type MetricsCollector struct {
	Info   *MetricsInfo
	logger Logger
}

func NewMetricsCollector(logger Logger) *MetricsCollector {
	return &MetricsCollector{
		Info: &MetricsInfo{
			Catalog: &CatalogInfo{},
			Compute: &ComputeInfo{},
		},
		logger: logger,
	}
}

func (m *MetricsCollector) Log() {
	if m.logger != nil {
		m.logger.Log(m.Info)
	}
}

func (i *MetricsInfo) ToJSON() (string, error) {
	i.normaliseNetworkAddr(i.RemoteAddr)
	i.normaliseURLs()
	if err := i.normaliseGeometry(); err != nil {
		log.Printf("metrics: normaliseGeometry() error: %v", err)
	}

	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(i); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (i *MetricsInfo) normaliseNetworkAddr(addr string) {
	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		i.RemoteHost = host
		i.RemotePort = port
	} else {
		i.RemoteHost = addr
	}
}

func (i *MetricsInfo) normaliseURLs() {
	if err := normaliseURL(&i.URL); err != nil {
		log.Printf("metrics: normaliseURL() error: %v", err)
	}

	if i.Catalog != nil && len(i.Catalog.URL.RawURL) > 0 {
		if err := normaliseURL(&i.Catalog.URL); err != nil {
			log.Printf("metrics: catalog: normaliseURL() error: %v", err)
		}
	}
}

func normaliseURL(u *URLInfo) error {
	r, err := url.Parse(u.RawURL)
	if err != nil {
		return err
	}

	u.Host = r.Host
	u.Path = r.Path
	query, err := utils.ParseQuery(r.RawQuery)
	if err != nil {
		return err
	}

	if u.Query == nil {
		u.Query = make(map[string]string)
	}
	for k, v := range query {
		switch len(v) {
		case 0:
			u.Query[k] = ""
		case 1:
			u.Query[k] = v[0]
		default:
			u.Query[k] = fmt.Sprintf("%v", v)
		}
	}
	return nil
}

// normaliseGeometry fills the geodesic area of the region in square
// metres. Regions are lon/lat WKT.
func (i *MetricsInfo) normaliseGeometry() error {
	if i.Catalog == nil {
		return nil
	}
	if len(i.Catalog.Geometry) == 0 {
		i.Catalog.Geometry = "POLYGON EMPTY"
		return nil
	}
	if i.Catalog.RegionM2 > 0 || i.Catalog.Geometry == "POLYGON EMPTY" {
		return nil
	}

	geom, err := wkt.Unmarshal(i.Catalog.Geometry)
	if err != nil {
		return fmt.Errorf("failed to create geometry from wkt: %v", i.Catalog.Geometry)
	}
	i.Catalog.RegionM2 = geo.Area(geom)
	return nil
}
