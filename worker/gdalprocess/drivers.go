package gdalprocess

import (
	"sync"

	"github.com/airbusgeo/godal"
)

var registerOnce sync.Once

// RegisterGDALDrivers loads the GDAL drivers once per process.
func RegisterGDALDrivers() {
	registerOnce.Do(func() {
		godal.RegisterAll()
	})
}
