package gdalprocess

import (
	"context"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/airbusgeo/godal"
	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"github.com/arminnakhjiri/BasicGEE/processor"
)

// Reader loads scene bands from the files listed in the catalog.
// Every band is read onto the grid of GridBand (the first requested
// band when empty); GDAL resamples bands of a different resolution.
type Reader struct {
	// BaseDir resolves relative band paths.
	BaseDir  string
	GridBand string
	Verbose  bool
}

// bandSource splits "path#n" into a file path and a 1 based band
// index.
func bandSource(baseDir, spec string) (string, int, error) {
	path, index := spec, 1
	if i := strings.LastIndex(spec, "#"); i >= 0 {
		n, err := strconv.Atoi(spec[i+1:])
		if err != nil || n < 1 {
			return "", 0, fmt.Errorf("invalid band index in %q", spec)
		}
		path, index = spec[:i], n
	}
	if len(baseDir) > 0 && !filepath.IsAbs(path) && !strings.Contains(path, ":") {
		path = filepath.Join(baseDir, path)
	}
	return path, index, nil
}

func (r *Reader) ReadBandSet(ctx context.Context, scene *catalog.Scene, bands []string) (*processor.BandSet, error) {
	RegisterGDALDrivers()

	if len(bands) == 0 {
		for name := range scene.Bands {
			bands = append(bands, name)
		}
		sort.Strings(bands)
	}
	gridBand := r.GridBand
	if len(gridBand) == 0 {
		gridBand = bands[0]
	}

	width, height, geot, err := r.grid(scene, gridBand)
	if err != nil {
		return nil, err
	}

	rasters := make([]*processor.Raster, 0, len(bands))
	for _, name := range bands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raster, err := r.readBand(scene, name, width, height)
		if err != nil {
			return nil, err
		}
		rasters = append(rasters, raster)
	}

	bs, err := processor.NewBandSet(rasters...)
	if err != nil {
		return nil, err
	}
	bs.ID = scene.ID
	bs.TimeStamp = scene.Acquired
	bs.GeoTransform = geot
	bs.Properties = processor.SceneProperties(scene)
	return bs, nil
}

func (r *Reader) open(scene *catalog.Scene, name string) (*godal.Dataset, int, error) {
	spec, ok := scene.Bands[name]
	if !ok {
		return nil, 0, fmt.Errorf("scene %s has no band %q: %w", scene.ID, name, processor.ErrMissingBand)
	}
	path, index, err := bandSource(r.BaseDir, spec)
	if err != nil {
		return nil, 0, err
	}
	ds, err := godal.Open(path, godal.ErrLogger(func(ec godal.ErrorCategory, code int, msg string) error {
		if ec == godal.CE_Warning {
			if r.Verbose {
				log.Printf("GDAL warning %s: %s", path, msg)
			}
			return nil
		}
		return fmt.Errorf("%s", msg)
	}))
	if err != nil {
		return nil, 0, fmt.Errorf("Failed to open band %s of scene %s: %v", name, scene.ID, err)
	}
	if index > len(ds.Bands()) {
		ds.Close()
		return nil, 0, fmt.Errorf("%s has %d bands, band %d requested", path, len(ds.Bands()), index)
	}
	return ds, index, nil
}

func (r *Reader) grid(scene *catalog.Scene, gridBand string) (int, int, []float64, error) {
	ds, _, err := r.open(scene, gridBand)
	if err != nil {
		return 0, 0, nil, err
	}
	defer ds.Close()

	st := ds.Structure()
	var geot []float64
	if gt, err := ds.GeoTransform(); err == nil {
		geot = gt[:]
	} else if len(scene.GeoTransform) == 6 {
		geot = scene.GeoTransform
	}
	return st.SizeX, st.SizeY, geot, nil
}

func (r *Reader) readBand(scene *catalog.Scene, name string, width, height int) (*processor.Raster, error) {
	ds, index, err := r.open(scene, name)
	if err != nil {
		return nil, err
	}
	defer ds.Close()

	band := ds.Bands()[index-1]
	raster := processor.NewRaster(name, width, height)
	var opts []godal.BandIOOption
	if st := band.Structure(); st.SizeX != width || st.SizeY != height {
		opts = append(opts, godal.Window(st.SizeX, st.SizeY))
	}
	if err := band.Read(0, 0, raster.Data, width, height, opts...); err != nil {
		return nil, fmt.Errorf("Failed to read band %s of scene %s: %v", name, scene.ID, err)
	}

	if nodata, ok := band.NoData(); ok && !math.IsNaN(nodata) {
		for i, v := range raster.Data {
			if v == nodata {
				raster.Data[i] = math.NaN()
			}
		}
	}
	return raster, nil
}
