package processor

import (
	"fmt"
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"github.com/arminnakhjiri/BasicGEE/utils"
)

// string used to format Go ISO times
const ISOFormat = "2006-01-02T15:04:05.000Z"

// LayerRequest asks for one layer product over [StartTime, EndTime).
type LayerRequest struct {
	Layer     *utils.Layer
	StartTime time.Time
	EndTime   time.Time
	Region    *Region
}

// NewLayerRequest resolves the layer's default period and region.
// Zero start or end times fall back to the layer's configured dates.
func NewLayerRequest(layer *utils.Layer, start, end time.Time) (*LayerRequest, error) {
	req := &LayerRequest{Layer: layer, StartTime: start, EndTime: end}
	if req.StartTime.IsZero() && len(layer.StartISODate) > 0 {
		t, err := utils.ParseISODate(layer.StartISODate)
		if err != nil {
			return nil, err
		}
		req.StartTime = t
	}
	if req.EndTime.IsZero() && len(layer.EndISODate) > 0 {
		t, err := utils.ParseISODate(layer.EndISODate)
		if err != nil {
			return nil, err
		}
		req.EndTime = t
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && !req.StartTime.Before(req.EndTime) {
		return nil, fmt.Errorf("start %s is not before end %s", req.StartTime.Format(ISOFormat), req.EndTime.Format(ISOFormat))
	}
	if len(layer.Region) > 0 {
		region, err := ParseRegion(layer.Region)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %v", layer.Name, err)
		}
		req.Region = region
	}
	return req, nil
}

// Filter is the catalog filter selecting the request's scenes.
func (r *LayerRequest) Filter() catalog.Filter {
	f := catalog.Filter{
		Collection:    r.Layer.Collection,
		Since:         r.StartTime,
		Until:         r.EndTime,
		WRSPath:       r.Layer.WRSPath,
		WRSRow:        r.Layer.WRSRow,
		MaxCloudCover: r.Layer.MaxCloudCover,
	}
	if r.Region != nil {
		bbox := r.Region.BBox()
		f.BBox = &bbox
	}
	return f
}

// SceneGranule is one catalogued scene selected for a request.
type SceneGranule struct {
	Request *LayerRequest
	Scene   *catalog.Scene
}
