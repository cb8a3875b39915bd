package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
)

const DefaultMaxLogLength = 3000

type searchResponse struct {
	Scenes catalog.SceneCollection `json:"scenes"`
	Error  string                  `json:"error"`
}

// SceneIndexer resolves layer requests into scenes through the
// metadata service.
type SceneIndexer struct {
	Context    context.Context
	In         chan *LayerRequest
	Out        chan *SceneGranule
	Error      chan error
	APIAddress string
	Client     *http.Client
	SkipEmpty  bool
	Took       time.Duration
	NumScenes  int
}

func NewSceneIndexer(ctx context.Context, apiAddr string, errChan chan error) *SceneIndexer {
	return &SceneIndexer{
		Context:    ctx,
		In:         make(chan *LayerRequest, 100),
		Out:        make(chan *SceneGranule, 100),
		Error:      errChan,
		APIAddress: apiAddr,
		Client:     http.DefaultClient,
	}
}

// SearchURL builds the ?intersects query for a filter. The region is
// posted separately as WKT.
func SearchURL(apiAddr string, f catalog.Filter) string {
	q := []string{"intersects"}
	if !f.Since.IsZero() {
		q = append(q, "time="+f.Since.Format(ISOFormat))
	}
	if !f.Until.IsZero() {
		q = append(q, "until="+f.Until.Format(ISOFormat))
	}
	if f.WRSPath > 0 {
		q = append(q, "wrs_path="+strconv.Itoa(f.WRSPath))
	}
	if f.WRSRow > 0 {
		q = append(q, "wrs_row="+strconv.Itoa(f.WRSRow))
	}
	if f.MaxCloudCover != nil {
		q = append(q, "max_cloud="+strconv.FormatFloat(*f.MaxCloudCover, 'f', -1, 64))
	}
	if f.Limit > 0 {
		q = append(q, "limit="+strconv.Itoa(f.Limit))
	}
	addr := apiAddr
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return fmt.Sprintf("%s/%s?%s", strings.TrimRight(addr, "/"), strings.Trim(f.Collection, "/"), strings.Join(q, "&"))
}

// QueryScenes runs one catalog search. A region restricts the search
// to scenes intersecting its bounds.
func QueryScenes(ctx context.Context, client *http.Client, apiAddr string, f catalog.Filter, region *Region, verbose bool) (catalog.SceneCollection, error) {
	reqURL := SearchURL(apiAddr, f)
	postBody := url.Values{}
	if region != nil {
		postBody.Set("wkt", region.WKT())
	}

	if verbose {
		postBodyStr := postBody.Encode()
		if len(postBodyStr) > DefaultMaxLogLength {
			postBodyStr = postBodyStr[:DefaultMaxLogLength]
		}
		log.Printf("mas_url:%s\tpost_body:%s", reqURL, postBodyStr)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(postBody.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST request to %s failed. Error: %v", reqURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("Error parsing response body from %s. Error: %v", reqURL, err)
	}

	var metadata searchResponse
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("Problem parsing JSON response from %s. Error: %v", reqURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata service returned %d: %s", resp.StatusCode, metadata.Error)
	}
	return metadata.Scenes, nil
}

func (p *SceneIndexer) sendError(err error) {
	select {
	case p.Error <- err:
	default:
	}
}

func (p *SceneIndexer) Run(verbose bool) {
	if verbose {
		defer log.Printf("scene indexer done")
	}
	defer close(p.Out)

	for req := range p.In {
		select {
		case <-p.Context.Done():
			p.sendError(fmt.Errorf("Scene indexer context has been cancel: %v", p.Context.Err()))
			return
		default:
		}

		start := time.Now()
		scenes, err := QueryScenes(p.Context, p.Client, p.APIAddress, req.Filter(), req.Region, verbose)
		p.Took += time.Since(start)
		if err != nil {
			p.sendError(err)
			return
		}

		// an empty search is a structural failure unless the request is
		// one period of several
		scenes, err = scenes.NonEmpty()
		if err != nil && p.SkipEmpty {
			if verbose {
				log.Printf("no scenes for layer %s between %s and %s", req.Layer.Name,
					req.StartTime.Format(ISOFormat), req.EndTime.Format(ISOFormat))
			}
			continue
		}
		if err != nil {
			p.sendError(fmt.Errorf("layer %s between %s and %s: %w", req.Layer.Name,
				req.StartTime.Format(ISOFormat), req.EndTime.Format(ISOFormat), err))
			return
		}
		p.NumScenes += scenes.Size()

		for _, sc := range scenes {
			p.Out <- &SceneGranule{Request: req, Scene: sc}
		}
	}
}
