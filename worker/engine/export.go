package engine

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/arminnakhjiri/BasicGEE/processor"
	"github.com/arminnakhjiri/BasicGEE/worker/gdalprocess"
	"github.com/gammazero/workerpool"
	"github.com/golang/protobuf/proto"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

// ExportSpec describes where and how a band set is written. Scale is
// the output pixel size in georeferenced units, zero keeps the native
// grid. MaxPixels caps width times height of the output.
type ExportSpec struct {
	Description string
	Folder      string
	Region      *processor.Region
	Scale       float64
	MaxPixels   float64
}

// ErrTooManyPixels rejects exports larger than their MaxPixels.
var ErrTooManyPixels = errors.New("export exceeds max pixels")

const (
	DefaultExportWorkers = 2
	DefaultExportQueue   = 64
	manifestSuffix       = ".manifest.pb"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ExportQueue writes GeoTIFFs in the background. Submission only
// validates the request and hands out a job id.
type ExportQueue struct {
	Dir      string
	EPSG     int
	MaxQueue int
	Verbose  bool
	ErrorLog *log.Logger

	pool *workerpool.WorkerPool
}

func NewExportQueue(dir string, workers int, verbose bool) *ExportQueue {
	if workers <= 0 {
		workers = DefaultExportWorkers
	}
	return &ExportQueue{
		Dir:      dir,
		EPSG:     gdalprocess.DefaultEPSG,
		MaxQueue: DefaultExportQueue,
		Verbose:  verbose,
		ErrorLog: log.New(os.Stderr, "Export: ", log.Ldate|log.Ltime|log.Lshortfile),
		pool:     workerpool.New(workers),
	}
}

// OutputPath is the file an export is written to.
func (q *ExportQueue) OutputPath(spec ExportSpec, jobID string) string {
	name := unsafeName.ReplaceAllString(spec.Description, "_")
	name = strings.Trim(name, "._")
	if len(name) == 0 {
		name = jobID
	}
	folder := filepath.Clean("/" + spec.Folder)
	return filepath.Join(q.Dir, folder, name+".tif")
}

// prepare clips and resamples bs to the export region and scale and enforces
// MaxPixels.
func prepare(bs *processor.BandSet, spec ExportSpec) (*processor.BandSet, error) {
	w, h, err := processor.OutputSize(bs, spec.Scale)
	if err != nil {
		return nil, err
	}
	if spec.MaxPixels > 0 && float64(w)*float64(h) > spec.MaxPixels {
		return nil, fmt.Errorf("%dx%d pixels, max %.0f: %w", w, h, spec.MaxPixels, ErrTooManyPixels)
	}

	out := bs
	if spec.Region != nil {
		if out, err = processor.Clip(out, spec.Region); err != nil {
			return nil, err
		}
	}
	return processor.Resample(out, spec.Scale)
}

// Submit validates the export and queues the write. The returned id
// names the manifest written next to the output file.
func (q *ExportQueue) Submit(bs *processor.BandSet, spec ExportSpec) (string, error) {
	if bs.Len() == 0 {
		return "", fmt.Errorf("export %s: %w", spec.Description, processor.ErrBandCount)
	}
	if q.MaxQueue > 0 && q.pool.WaitingQueueSize() >= q.MaxQueue {
		return "", fmt.Errorf("export queue is full")
	}
	out, err := prepare(bs, spec)
	if err != nil {
		return "", err
	}

	jobID := uuid.New().String()
	path := q.OutputPath(spec, jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	if err := writeManifest(path+manifestSuffix, jobID, out, spec); err != nil {
		return "", err
	}

	q.pool.Submit(func() {
		t0 := time.Now()
		if err := gdalprocess.WriteGeoTIFF(path, out, q.EPSG); err != nil {
			q.ErrorLog.Printf("job %s: %v", jobID, err)
			return
		}
		if q.Verbose {
			log.Printf("export job %s wrote %s in %v", jobID, path, time.Since(t0))
		}
	})
	return jobID, nil
}

// StopWait finishes queued exports and stops the workers.
func (q *ExportQueue) StopWait() {
	q.pool.StopWait()
}

func writeManifest(path, jobID string, bs *processor.BandSet, spec ExportSpec) error {
	m := map[string]interface{}{
		"job_id":      jobID,
		"description": spec.Description,
		"folder":      spec.Folder,
		"image_id":    bs.ID,
		"bands":       stringList(bs.Names()),
		"width":       bs.Width(),
		"height":      bs.Height(),
		"scale":       spec.Scale,
		"submitted":   time.Now().UTC().Format(time.RFC3339),
	}
	if spec.Region != nil {
		m["wkt"] = spec.Region.WKT()
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return err
	}
	b, err := proto.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// ReadManifest loads the manifest of a submitted export.
func ReadManifest(path string) (*structpb.Struct, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := proto.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("manifest %s: %v", path, err)
	}
	return s, nil
}
