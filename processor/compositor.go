package processor

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
)

// Compositor reduces the images of each request into one band set,
// clipped to the request region when the layer asks for it. Requests
// are emitted in start time order.
type Compositor struct {
	Context context.Context
	In      chan *LoadedImage
	Out     chan *BandSet
	Error   chan error
}

func NewCompositor(ctx context.Context, errChan chan error) *Compositor {
	return &Compositor{
		Context: ctx,
		In:      make(chan *LoadedImage, 100),
		Out:     make(chan *BandSet, 100),
		Error:   errChan,
	}
}

func (c *Compositor) sendError(err error) {
	select {
	case c.Error <- err:
	default:
	}
}

// clipToRequest applies the layer's clip flag.
func clipToRequest(bs *BandSet, req *LayerRequest) (*BandSet, error) {
	if !req.Layer.Clip || req.Region == nil {
		return bs, nil
	}
	return Clip(bs, req.Region)
}

func (c *Compositor) Run(verbose bool) {
	if verbose {
		defer log.Printf("compositor done")
	}
	defer close(c.Out)

	groups := make(map[*LayerRequest][]*BandSet)
	var requests []*LayerRequest
	for img := range c.In {
		if _, found := groups[img.Request]; !found {
			requests = append(requests, img.Request)
		}
		groups[img.Request] = append(groups[img.Request], img.Image)
	}

	if len(requests) == 0 {
		c.sendError(fmt.Errorf("compositor: %w", catalog.ErrEmptyResult))
		return
	}
	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].StartTime.Before(requests[j].StartTime)
	})

	for _, req := range requests {
		if c.Context.Err() != nil {
			c.sendError(fmt.Errorf("Compositor context has been cancel: %v", c.Context.Err()))
			return
		}
		reducer, err := ParseReducer(req.Layer.Reducer)
		if err != nil {
			c.sendError(err)
			return
		}
		composite, err := Composite(groups[req], reducer)
		if err != nil {
			c.sendError(err)
			return
		}
		if !req.StartTime.IsZero() {
			composite.TimeStamp = req.StartTime
		}
		if composite, err = clipToRequest(composite, req); err != nil {
			c.sendError(err)
			return
		}
		if verbose {
			log.Printf("composite %s: %d images, %s", composite.ID, len(groups[req]), reducer)
		}
		c.Out <- composite
	}
}

// Collector gathers every incoming band set into one slice ordered by
// time. Individual images are clipped like composites.
type Collector struct {
	Context context.Context
	In      chan *LoadedImage
	Out     chan []*BandSet
	Error   chan error
}

func NewCollector(ctx context.Context, errChan chan error) *Collector {
	return &Collector{
		Context: ctx,
		In:      make(chan *LoadedImage, 100),
		Out:     make(chan []*BandSet, 1),
		Error:   errChan,
	}
}

func (c *Collector) Run(verbose bool) {
	if verbose {
		defer log.Printf("collector done")
	}
	defer close(c.Out)

	var sets []*BandSet
	failed := false
	for img := range c.In {
		if failed {
			continue
		}
		bs, err := clipToRequest(img.Image, img.Request)
		if err != nil {
			select {
			case c.Error <- err:
			default:
			}
			failed = true
			continue
		}
		sets = append(sets, bs)
	}
	if failed {
		return
	}
	if len(sets) == 0 {
		select {
		case c.Error <- fmt.Errorf("collector: %w", catalog.ErrEmptyResult):
		default:
		}
		return
	}
	SortByTime(sets)
	c.Out <- sets
}
