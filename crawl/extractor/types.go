package extractor

import (
	"time"

	"github.com/arminnakhjiri/BasicGEE/mas/catalog"
)

type PosixInfo struct {
	FilePath string    `json:"file_path"`
	INode    uint64    `json:"inode"`
	Size     int64     `json:"size"`
	MTime    time.Time `json:"mtime"`
	CTime    time.Time `json:"ctime"`
	ID       string    `json:"id"`
}

// SceneRecord is one catalogued scene together with the sidecar it
// was read from.
type SceneRecord struct {
	Sidecar string         `json:"sidecar"`
	Format  string         `json:"format"`
	Scene   *catalog.Scene `json:"scene"`
	Posix   *PosixInfo     `json:"posix,omitempty"`
}

const (
	FormatMTL   = "mtl"
	FormatScene = "scene"
)
