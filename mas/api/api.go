// Metadata API
// Scene catalog service queried by the band math pipeline.

package main

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"github.com/arminnakhjiri/BasicGEE/utils"
	reuseport "github.com/kavu/go_reuseport"
	"github.com/nci/gomemcache/memcache"
	"github.com/paulmach/orb/encoding/wkt"
	"golang.org/x/net/netutil"
)

var (
	store    *catalog.Store
	mc       *memcache.Client
	dbDriver = flag.String("driver", catalog.DriverPostgres, "database driver: postgres or sqlite")
	dbDSN    = flag.String("dsn", "", "database connection string, overrides -database and -user")
	dbName   = flag.String("database", "mas", "database name")
	dbUser   = flag.String("user", "api", "database user name")
	dbPool   = flag.Int("pool", 8, "database pool size")
	dbLimit  = flag.Int("limit", 64, "database concurrent requests")
	httpPort = flag.Int("port", 8080, "http port")
	mcURI    = flag.String("memcache", "", "memcache uri host:port")
	ingest   = flag.String("ingest", "", "JSON lines file of scenes to ingest before serving, '-' for stdin")
	verbose  = flag.Bool("v", false, "verbose logging")
)

type searchResponse struct {
	Scenes catalog.SceneCollection `json:"scenes"`
}

// Spit out a simple JSON-formatted error message for Content-Type: application/json
func httpJSONError(response http.ResponseWriter, err error, status int) {
	http.Error(response, fmt.Sprintf(`{ "error": %q }`, err.Error()), status)
}

// parseFilter builds a catalog filter from an ?intersects request.
// The collection is the request path.
func parseFilter(request *http.Request) (catalog.Filter, error) {
	query := request.URL.Query()
	f := catalog.Filter{Collection: strings.Trim(request.URL.Path, "/")}

	since, err := utils.QueryTime(query, "time")
	if err != nil {
		return f, err
	}
	if since != nil {
		f.Since = *since
	}
	until, err := utils.QueryTime(query, "until")
	if err != nil {
		return f, err
	}
	if until != nil {
		f.Until = *until
	}

	bbox, err := utils.QueryBBox(query, "bbox")
	if err != nil {
		return f, err
	}
	if bbox != nil {
		f.BBox = &[4]float64{bbox[0], bbox[1], bbox[2], bbox[3]}
	} else if w := request.FormValue("wkt"); len(w) > 0 {
		geom, err := wkt.Unmarshal(w)
		if err != nil {
			return f, fmt.Errorf("wkt: %v", err)
		}
		b := geom.Bound()
		f.BBox = &[4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
	}

	for key, dst := range map[string]*int{"wrs_path": &f.WRSPath, "wrs_row": &f.WRSRow, "limit": &f.Limit} {
		if v := query.Get(key); len(v) > 0 {
			n, err := strconv.Atoi(v)
			if err != nil {
				return f, fmt.Errorf("%s: %v", key, err)
			}
			*dst = n
		}
	}

	if v := query.Get("max_cloud"); len(v) > 0 {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, fmt.Errorf("max_cloud: %v", err)
		}
		f.MaxCloudCover = &c
	}
	return f, f.Validate()
}

func handler(response http.ResponseWriter, request *http.Request) {

	response.Header().Set("Content-Type", "application/json")

	var hash string

	if mc != nil {

		buff := md5.Sum([]byte(request.URL.RequestURI()))
		hash = hex.EncodeToString(buff[:])

		if cached, ok := mc.Get(hash); ok == nil {
			response.Write(cached.Value)
			return
		}
	}

	query := request.URL.Query()

	var payload []byte
	switch {
	case query.Has("intersects"):
		filter, err := parseFilter(request)
		if err != nil {
			httpJSONError(response, err, 400)
			return
		}

		scenes, err := store.Search(request.Context(), filter)
		if err != nil {
			httpJSONError(response, err, 500)
			return
		}
		if query.Get("sort") == "cloud" {
			scenes = scenes.SortByCloudCover()
		}
		if scenes == nil {
			scenes = catalog.SceneCollection{}
		}

		payload, err = json.Marshal(&searchResponse{Scenes: scenes})
		if err != nil {
			httpJSONError(response, err, 500)
			return
		}

	case query.Has("collections"):
		collections, err := store.Collections(request.Context())
		if err != nil {
			httpJSONError(response, err, 500)
			return
		}
		if collections == nil {
			collections = []string{}
		}
		payload, _ = json.Marshal(map[string][]string{"collections": collections})

	default:
		httpJSONError(response, errors.New("unknown operation; currently supported: ?intersects, ?collections"), 400)
		return
	}

	response.Write(payload)

	if mc != nil {
		// don't care about errors; memcache may not necessarily retain this anyway
		mc.Set(&memcache.Item{Key: hash, Value: payload})
	}
}

// ingestScenes reads one JSON encoded scene per line.
func ingestScenes(ctx context.Context, path string) (int, error) {
	in := os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		in = f
	}

	var scenes []*catalog.Scene
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 {
			continue
		}
		var sc catalog.Scene
		if err := json.Unmarshal([]byte(line), &sc); err != nil {
			return 0, fmt.Errorf("invalid scene record: %v", err)
		}
		scenes = append(scenes, &sc)
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return len(scenes), store.Insert(ctx, scenes...)
}

func main() {

	flag.Parse()

	if err := utils.LoadEnv(".env"); err != nil {
		log.Printf("env: %v", err)
	}

	dsn := *dbDSN
	if v, ok := os.LookupEnv(utils.EnvDBDSN); ok && len(dsn) == 0 {
		dsn = v
	}
	if len(dsn) == 0 {
		dsn = fmt.Sprintf("user=%s host=/var/run/postgresql dbname=%s sslmode=disable", *dbUser, *dbName)
	}

	log.Printf("driver %s dbPool %d httpPort %d", *dbDriver, *dbPool, *httpPort)

	var err error
	store, err = catalog.Open(*dbDriver, dsn, *verbose)
	if err != nil {
		panic(err)
	}

	defer store.Close()

	if *dbDriver == catalog.DriverPostgres {
		store.DB.SetMaxIdleConns(*dbPool)
		store.DB.SetMaxOpenConns(*dbLimit)
	}

	if len(*ingest) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		n, err := ingestScenes(ctx, *ingest)
		cancel()
		if err != nil {
			log.Fatalf("ingest failed: %v", err)
		}
		log.Printf("ingested %d scenes", n)
	}

	if *mcURI != "" {
		// lazy connection; errors returned in .Get
		mc = memcache.New(*mcURI)
	}

	listener, err := reuseport.Listen("tcp", fmt.Sprintf(":%d", *httpPort))
	if err != nil {
		log.Fatal(err)
	}
	listener = netutil.LimitListener(listener, *dbLimit)

	http.HandleFunc("/", handler)
	log.Fatal(http.Serve(listener, nil))
}
