package processor

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/arminnakhjiri/BasicGEE/utils"
)

// SplitPeriods cuts a request into one request per compositing period.
// Period starts come from the layer's dates. Each period runs up to the
// next date and the last one up to the request end. Periods are clipped
// to the request. A layer without dates yields the request unchanged.
func SplitPeriods(req *LayerRequest) ([]*LayerRequest, error) {
	if len(req.Layer.Dates) == 0 {
		return []*LayerRequest{req}, nil
	}

	starts := make([]time.Time, 0, len(req.Layer.Dates))
	for _, d := range req.Layer.Dates {
		t, err := utils.ParseISODate(d)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %v", req.Layer.Name, err)
		}
		starts = append(starts, t)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	var periods []*LayerRequest
	for i, start := range starts {
		end := req.EndTime
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if !req.StartTime.IsZero() && start.Before(req.StartTime) {
			start = req.StartTime
		}
		if !req.EndTime.IsZero() && end.After(req.EndTime) {
			end = req.EndTime
		}
		if !end.IsZero() && !start.Before(end) {
			continue
		}
		periods = append(periods, &LayerRequest{Layer: req.Layer, StartTime: start, EndTime: end, Region: req.Region})
	}
	if len(periods) == 0 {
		return nil, fmt.Errorf("layer %s has no period between %s and %s", req.Layer.Name,
			req.StartTime.Format(ISOFormat), req.EndTime.Format(ISOFormat))
	}
	return periods, nil
}

// DateSplitter fans each request out into its compositing periods.
type DateSplitter struct {
	In    chan *LayerRequest
	Out   chan *LayerRequest
	Error chan error
}

func NewDateSplitter(errChan chan error) *DateSplitter {
	return &DateSplitter{
		In:    make(chan *LayerRequest, 100),
		Out:   make(chan *LayerRequest, 100),
		Error: errChan,
	}
}

func (ds *DateSplitter) Run(verbose bool) {
	if verbose {
		defer log.Printf("date splitter done")
	}
	defer close(ds.Out)
	for req := range ds.In {
		periods, err := SplitPeriods(req)
		if err != nil {
			select {
			case ds.Error <- err:
			default:
			}
			continue
		}
		for _, p := range periods {
			ds.Out <- p
		}
	}
}
