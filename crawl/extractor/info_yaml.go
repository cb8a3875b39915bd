package extractor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"gopkg.in/yaml.v2"
)

// SidecarFormat tells which metadata format a file name carries, or
// "" when it is not a scene sidecar. Landsat MTL documents are read
// in their JSON or YAML renditions; YAML is a superset of JSON so one
// decoder serves both.
func SidecarFormat(name string) string {
	base := strings.ToLower(filepath.Base(name))
	switch {
	case strings.HasSuffix(base, "_mtl.json"), strings.HasSuffix(base, "_mtl.yaml"), strings.HasSuffix(base, "_mtl.yml"):
		return FormatMTL
	case strings.HasSuffix(base, ".scene.yaml"), strings.HasSuffix(base, ".scene.yml"):
		return FormatScene
	}
	return ""
}

// ExtractYaml reads one sidecar into a scene record. Band paths are
// made absolute relative to the sidecar's directory.
func ExtractYaml(filename, collection string) (*SceneRecord, error) {
	format := SidecarFormat(filename)
	var scene *catalog.Scene
	var err error
	switch format {
	case FormatMTL:
		scene, err = ExtractLandsatMTL(filename, collection)
	case FormatScene:
		scene, err = ExtractSceneYaml(filename, collection)
	default:
		return nil, fmt.Errorf("%s is not a scene sidecar", filename)
	}
	if err != nil {
		return nil, err
	}

	rec := &SceneRecord{Sidecar: filename, Format: format, Scene: scene}
	if fStat, err := os.Lstat(filename); err == nil {
		rec.Posix = GetPosixInfo(filename, fStat)
	}
	return rec, nil
}

type mtlDocument struct {
	Metadata struct {
		Product    map[string]string `yaml:"PRODUCT_CONTENTS"`
		Image      map[string]string `yaml:"IMAGE_ATTRIBUTES"`
		Projection map[string]string `yaml:"PROJECTION_ATTRIBUTES"`
	} `yaml:"LANDSAT_METADATA_FILE"`
}

// ExtractLandsatMTL reads a Landsat Collection 2 MTL document. Band
// names are taken from the product file names, so
// "..._T1_SR_B4.TIF" becomes SR_B4.
func ExtractLandsatMTL(filename, collection string) (*catalog.Scene, error) {
	rawData, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var doc mtlDocument
	if err := yaml.Unmarshal(rawData, &doc); err != nil {
		return nil, fmt.Errorf("%s: %v", filename, err)
	}
	md := doc.Metadata
	productID := md.Product["LANDSAT_PRODUCT_ID"]
	if len(productID) == 0 {
		return nil, fmt.Errorf("%s: missing LANDSAT_PRODUCT_ID", filename)
	}

	scene := &catalog.Scene{ID: productID, Collection: collection, Bands: make(map[string]string)}

	acquired := strings.Trim(md.Image["DATE_ACQUIRED"], `"`)
	centre := strings.Trim(md.Image["SCENE_CENTER_TIME"], `"`)
	if len(centre) == 0 {
		centre = "00:00:00Z"
	}
	scene.Acquired, err = time.Parse(time.RFC3339, acquired+"T"+centre)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid acquisition time: %v", filename, err)
	}

	if v, ok := md.Image["CLOUD_COVER"]; ok {
		if scene.CloudCover, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("%s: CLOUD_COVER: %v", filename, err)
		}
	}
	if scene.WRSPath, err = atoiOptional(md.Image["WRS_PATH"]); err != nil {
		return nil, fmt.Errorf("%s: WRS_PATH: %v", filename, err)
	}
	if scene.WRSRow, err = atoiOptional(md.Image["WRS_ROW"]); err != nil {
		return nil, fmt.Errorf("%s: WRS_ROW: %v", filename, err)
	}

	ring := orb.Ring{}
	for _, corner := range []string{"UL", "UR", "LR", "LL", "UL"} {
		lon, err := strconv.ParseFloat(md.Projection["CORNER_"+corner+"_LON_PRODUCT"], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: corner %s: %v", filename, corner, err)
		}
		lat, err := strconv.ParseFloat(md.Projection["CORNER_"+corner+"_LAT_PRODUCT"], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: corner %s: %v", filename, corner, err)
		}
		ring = append(ring, orb.Point{lon, lat})
	}
	setFootprint(scene, orb.Polygon{ring})

	dir := filepath.Dir(filename)
	for key, file := range md.Product {
		if !strings.HasPrefix(key, "FILE_NAME_BAND_") && !strings.HasPrefix(key, "FILE_NAME_QUALITY_") {
			continue
		}
		ext := filepath.Ext(file)
		if !strings.EqualFold(ext, ".tif") {
			continue
		}
		band := strings.TrimPrefix(strings.TrimSuffix(file, ext), productID+"_")
		scene.Bands[band] = absPath(dir, file)
	}
	if len(scene.Bands) == 0 {
		return nil, fmt.Errorf("%s: no band files listed", filename)
	}
	return scene, nil
}

// ExtractSceneYaml reads a scene written in the catalog's own YAML
// layout. A missing bounding box is derived from the polygon.
func ExtractSceneYaml(filename, collection string) (*catalog.Scene, error) {
	rawData, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	scene := &catalog.Scene{}
	if err := yaml.Unmarshal(rawData, scene); err != nil {
		return nil, fmt.Errorf("%s: %v", filename, err)
	}
	if len(scene.ID) == 0 {
		return nil, fmt.Errorf("%s: missing id", filename)
	}
	if len(scene.Collection) == 0 {
		scene.Collection = collection
	}
	if scene.Acquired.IsZero() {
		return nil, fmt.Errorf("%s: missing acquired time", filename)
	}

	if scene.BBox == [4]float64{} && len(scene.Polygon) > 0 {
		geom, err := wkt.Unmarshal(scene.Polygon)
		if err != nil {
			return nil, fmt.Errorf("%s: polygon: %v", filename, err)
		}
		b := geom.Bound()
		scene.BBox = [4]float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()}
	}

	dir := filepath.Dir(filename)
	for band, p := range scene.Bands {
		scene.Bands[band] = absPath(dir, p)
	}
	return scene, nil
}

func setFootprint(scene *catalog.Scene, poly orb.Polygon) {
	b := poly.Bound()
	scene.BBox = [4]float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()}
	scene.Polygon = wkt.MarshalString(poly)
}

func absPath(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func atoiOptional(s string) (int, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return 0, nil
	}
	return strconv.Atoi(s)
}
