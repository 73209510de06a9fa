// Package drive abstracts the cloud storage the conversion pipeline reads
// from and writes to. The engine only ever talks to the Drive interface;
// concrete backends live in graph.go and s3.go.
package drive

import "context"

// Item is one raw listing entry as the backend reports it, before any tree
// assembly or convertibility marking happens.
type Item struct {
	ID       string
	Name     string
	ParentID string
	Size     int64
	Folder   bool
}

// ProgressFunc receives percent values in [0,100]. A nil ProgressFunc is
// always accepted.
type ProgressFunc func(percent int)

// Drive is the storage collaborator. The token argument is an opaque
// credential interpreted by the backend; implementations that authenticate
// out of band ignore it. Download returns the local path it wrote.
type Drive interface {
	Stat(ctx context.Context, token, itemID string) (*Item, error)
	List(ctx context.Context, token, itemID string) ([]Item, error)
	ItemByPath(ctx context.Context, token, path string) (*Item, error)
	Download(ctx context.Context, token, itemID, destDir string, onProgress ProgressFunc) (string, error)
	Upload(ctx context.Context, token, parentID, localPath string, onProgress ProgressFunc) error
}

func report(fn ProgressFunc, percent int) {
	if fn != nil {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		fn(percent)
	}
}
