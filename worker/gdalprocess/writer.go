package gdalprocess

import (
	"fmt"
	"math"
	"strconv"

	"github.com/airbusgeo/godal"
	"github.com/arminnakhjiri/BasicGEE/processor"
)

const DefaultEPSG = 4326

// WriteGeoTIFF writes every band of bs as a Float64 band of a
// compressed GeoTIFF. NaN is the nodata value. Band names are kept as
// band descriptions and properties as dataset metadata.
func WriteGeoTIFF(path string, bs *processor.BandSet, epsg int) error {
	RegisterGDALDrivers()

	if bs.Len() == 0 {
		return fmt.Errorf("export %s: %w", bs.ID, processor.ErrBandCount)
	}
	if epsg <= 0 {
		epsg = DefaultEPSG
	}

	ds, err := godal.Create(godal.GTiff, path, bs.Len(), godal.Float64, bs.Width(), bs.Height(),
		godal.CreationOption("TILED=YES", "COMPRESS=DEFLATE", "BIGTIFF=IF_SAFER"))
	if err != nil {
		return fmt.Errorf("Failed to create %s: %v", path, err)
	}

	if err := writeBands(ds, bs, epsg); err != nil {
		ds.Close()
		return fmt.Errorf("export %s to %s: %v", bs.ID, path, err)
	}
	return ds.Close()
}

func writeBands(ds *godal.Dataset, bs *processor.BandSet, epsg int) error {
	if len(bs.GeoTransform) == 6 {
		var gt [6]float64
		copy(gt[:], bs.GeoTransform)
		if err := ds.SetGeoTransform(gt); err != nil {
			return err
		}
		sr, err := godal.NewSpatialRefFromEPSG(epsg)
		if err != nil {
			return err
		}
		defer sr.Close()
		if err := ds.SetSpatialRef(sr); err != nil {
			return err
		}
	}

	if !bs.TimeStamp.IsZero() {
		if err := ds.SetMetadata("TIMESTAMP", bs.TimeStamp.Format(processor.ISOFormat)); err != nil {
			return err
		}
	}
	for k, v := range bs.Properties {
		if err := ds.SetMetadata(k, strconv.FormatFloat(v, 'g', -1, 64)); err != nil {
			return err
		}
	}

	bands := ds.Bands()
	for i, name := range bs.Names() {
		r, err := bs.Band(name)
		if err != nil {
			return err
		}
		band := bands[i]
		if err := band.SetDescription(name); err != nil {
			return err
		}
		if err := band.SetNoData(math.NaN()); err != nil {
			return err
		}
		if err := band.Write(0, 0, r.Data, r.Width, r.Height); err != nil {
			return err
		}
	}
	return nil
}
