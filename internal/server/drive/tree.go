package drive

import (
	"context"
	"path"
	"strings"

	"github.com/asmolin/cloudvert/internal/server/models"
)

const convertibleExt = ".VOB"

// IsConvertible reports whether a file name belongs to the convertible
// source format.
func IsConvertible(name string) bool {
	return strings.EqualFold(path.Ext(name), convertibleExt)
}

// Tree is one assembled listing with its convertible-format totals.
type Tree struct {
	Nodes            []*models.FileNode
	ConvertibleCount int
	ConvertibleSize  int64
}

// Build lists the folder rootID recursively and assembles the FileNode
// hierarchy. Folder nodes carry cumulative convertible counts and sizes so
// the caller never has to walk the tree a second time. The result is built
// once and owned by the caller.
func Build(ctx context.Context, d Drive, token, rootID, rootPath string) (*Tree, error) {
	nodes, count, size, err := buildLevel(ctx, d, token, rootID, rootPath)
	if err != nil {
		return nil, err
	}
	return &Tree{Nodes: nodes, ConvertibleCount: count, ConvertibleSize: size}, nil
}

func buildLevel(ctx context.Context, d Drive, token, itemID, basePath string) ([]*models.FileNode, int, int64, error) {
	items, err := d.List(ctx, token, itemID)
	if err != nil {
		return nil, 0, 0, err
	}

	var (
		nodes []*models.FileNode
		count int
		size  int64
	)
	for _, item := range items {
		nodePath := path.Join(basePath, item.Name)
		if item.Folder {
			children, childCount, childSize, err := buildLevel(ctx, d, token, item.ID, nodePath)
			if err != nil {
				return nil, 0, 0, err
			}
			nodes = append(nodes, &models.FileNode{
				ID:               item.ID,
				Name:             item.Name,
				Kind:             models.NodeFolder,
				Path:             nodePath,
				Children:         children,
				ConvertibleCount: childCount,
				ConvertibleSize:  childSize,
			})
			count += childCount
			size += childSize
			continue
		}

		convertible := IsConvertible(item.Name)
		nodes = append(nodes, &models.FileNode{
			ID:          item.ID,
			Name:        item.Name,
			Kind:        models.NodeFile,
			Size:        item.Size,
			Path:        nodePath,
			Convertible: convertible,
		})
		if convertible {
			count++
			size += item.Size
		}
	}
	return nodes, count, size, nil
}
