package extractor

import (
	"crypto/md5"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
	goeval "github.com/edisonguo/govaluate"
)

func GetPosixInfo(filePath string, fStat os.FileInfo) *PosixInfo {
	stat, ok := fStat.Sys().(*syscall.Stat_t)
	if !ok {
		return &PosixInfo{FilePath: filePath, Size: fStat.Size(), MTime: fStat.ModTime().UTC()}
	}
	fileSignature := fmt.Sprintf("%s%d%d%d%d", filePath, stat.Ino, stat.Size, stat.Mtim.Sec, stat.Mtim.Nsec)
	return &PosixInfo{
		FilePath: filePath,
		INode:    stat.Ino,
		Size:     stat.Size,
		MTime:    time.Unix(int64(stat.Mtim.Sec), int64(stat.Mtim.Nsec)).UTC(),
		CTime:    time.Unix(int64(stat.Ctim.Sec), int64(stat.Ctim.Nsec)).UTC(),
		ID:       fmt.Sprintf("%x", md5.Sum([]byte(fileSignature))),
	}
}

func parseExpression(pattern string, validVariables map[string]struct{}) (*goeval.EvaluableExpression, error) {
	if len(strings.TrimSpace(pattern)) == 0 {
		return nil, nil
	}

	expr, err := goeval.NewEvaluableExpression(pattern)
	if err != nil {
		return nil, err
	}

	for _, token := range expr.Tokens() {
		if token.Kind == goeval.VARIABLE {
			varName, ok := token.Value.(string)
			if !ok {
				return nil, fmt.Errorf("variable token '%v' failed to cast string", token.Value)
			}
			if _, found := validVariables[varName]; !found {
				return nil, fmt.Errorf("variable %v is not supported. Valid variables are %v", varName, validVariables)
			}
		}
	}
	return expr, nil
}

func evaluateBool(expr *goeval.EvaluableExpression, parameters map[string]interface{}) (bool, error) {
	result, err := expr.Evaluate(parameters)
	if err != nil {
		return false, err
	}
	val, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("result '%v' is not boolean", result)
	}
	return val, nil
}

// SceneFilter selects catalogued scenes with an expression such as
// "cloud_cover < 20 && wrs_path == 166".
type SceneFilter struct {
	expr *goeval.EvaluableExpression
}

var sceneVariables = map[string]struct{}{
	"id": {}, "collection": {}, "cloud_cover": {}, "wrs_path": {}, "wrs_row": {},
	"year": {}, "month": {}, "doy": {},
}

// NewSceneFilter compiles expr. An empty expression yields a nil
// filter which matches everything.
func NewSceneFilter(expr string) (*SceneFilter, error) {
	e, err := parseExpression(expr, sceneVariables)
	if err != nil {
		return nil, fmt.Errorf("scene filter: %v", err)
	}
	if e == nil {
		return nil, nil
	}
	return &SceneFilter{expr: e}, nil
}

func (f *SceneFilter) Match(s *catalog.Scene) (bool, error) {
	if f == nil {
		return true, nil
	}
	parameters := map[string]interface{}{
		"id":          s.ID,
		"collection":  s.Collection,
		"cloud_cover": s.CloudCover,
		"wrs_path":    float64(s.WRSPath),
		"wrs_row":     float64(s.WRSRow),
		"year":        float64(s.Acquired.Year()),
		"month":       float64(s.Acquired.Month()),
		"doy":         float64(s.Acquired.YearDay()),
	}
	ok, err := evaluateBool(f.expr, parameters)
	if err != nil {
		return false, fmt.Errorf("scene filter: %v", err)
	}
	return ok, nil
}

const DefaultMaxPosixErrors = 1000

// PosixCrawler walks a directory tree and extracts every scene
// sidecar it finds. Directories are read concurrently up to the
// concurrency limit; beyond it the walk continues serially in the
// current goroutine.
type PosixCrawler struct {
	Collection    string
	Outputs       chan *SceneRecord
	Error         chan error
	wg            sync.WaitGroup
	concLimit     chan struct{}
	pattern       *goeval.EvaluableExpression
	filter        *SceneFilter
	followSymlink bool
}

func NewPosixCrawler(conc int, collection, pattern string, filter *SceneFilter, followSymlink bool) (*PosixCrawler, error) {
	expr, err := parseExpression(pattern, map[string]struct{}{"path": {}, "type": {}})
	if err != nil {
		return nil, fmt.Errorf("pattern expression: %v", err)
	}
	if conc <= 0 {
		conc = 1
	}
	return &PosixCrawler{
		Collection:    collection,
		Outputs:       make(chan *SceneRecord, 4096),
		Error:         make(chan error, DefaultMaxPosixErrors),
		concLimit:     make(chan struct{}, conc),
		pattern:       expr,
		filter:        filter,
		followSymlink: followSymlink,
	}, nil
}

// Crawl walks rootDir and calls emit for every matching scene in
// the order they are found. Extraction errors do not stop the walk;
// they are joined into the returned error.
func (pc *PosixCrawler) Crawl(rootDir string, emit func(*SceneRecord) error) error {
	absRootDir, err := filepath.Abs(rootDir)
	if err != nil {
		return err
	}

	emitDone := make(chan error, 1)
	go func() {
		var emitErr error
		for rec := range pc.Outputs {
			if emitErr != nil {
				continue
			}
			emitErr = emit(rec)
		}
		emitDone <- emitErr
	}()

	pc.wg.Add(1)
	pc.concLimit <- struct{}{}
	pc.crawlDir(absRootDir, false)
	pc.wg.Wait()

	close(pc.Outputs)
	if err := <-emitDone; err != nil {
		return err
	}

	close(pc.Error)
	var errors []string
	for err := range pc.Error {
		errors = append(errors, err.Error())
	}
	if len(errors) >= DefaultMaxPosixErrors {
		errors = append(errors, " ... too many errors")
	}
	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "\n"))
	}
	return nil
}

func (pc *PosixCrawler) sendError(err error) {
	select {
	case pc.Error <- err:
	default:
	}
}

func (pc *PosixCrawler) crawlDir(currPath string, serialised bool) {
	defer pc.wg.Done()
	if !serialised {
		defer func() { <-pc.concLimit }()
	}
	entries, err := os.ReadDir(currPath)
	if err != nil {
		pc.sendError(fmt.Errorf("Could not read dir: %v", err))
		return
	}

	for _, entry := range entries {
		filePath := path.Join(currPath, entry.Name())
		mode := entry.Type()

		if mode&os.ModeSymlink != 0 {
			if !pc.followSymlink {
				continue
			}
			fStat, err := os.Stat(filePath)
			if err != nil {
				pc.sendError(err)
				continue
			}
			mode = fStat.Mode().Type()
		}

		isDir := mode.IsDir()
		if !isDir && !mode.IsRegular() {
			continue
		}

		if pc.pattern != nil {
			fileType := "f"
			if isDir {
				fileType = "d"
			}
			ok, err := evaluateBool(pc.pattern, map[string]interface{}{"type": fileType, "path": filePath})
			if err != nil {
				pc.sendError(fmt.Errorf("pattern expression: %v", err))
				continue
			}
			if !ok {
				continue
			}
		}

		if isDir {
			pc.wg.Add(1)
			select {
			case pc.concLimit <- struct{}{}:
				go pc.crawlDir(filePath, false)
			default:
				pc.crawlDir(filePath, true)
			}
			continue
		}

		if len(SidecarFormat(filePath)) == 0 {
			continue
		}
		rec, err := ExtractYaml(filePath, pc.Collection)
		if err != nil {
			pc.sendError(err)
			continue
		}
		ok, err := pc.filter.Match(rec.Scene)
		if err != nil {
			pc.sendError(fmt.Errorf("%s: %v", filePath, err))
			continue
		}
		if ok {
			pc.Outputs <- rec
		}
	}
}
