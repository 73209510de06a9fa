package drive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asmolin/cloudvert/internal/server/models"
)

type fakeListDrive struct {
	children map[string][]Item
}

func (d *fakeListDrive) List(ctx context.Context, token, itemID string) ([]Item, error) {
	return d.children[itemID], nil
}

func (d *fakeListDrive) Stat(ctx context.Context, token, itemID string) (*Item, error) {
	return nil, nil
}

func (d *fakeListDrive) ItemByPath(ctx context.Context, token, path string) (*Item, error) {
	return nil, nil
}

func (d *fakeListDrive) Download(ctx context.Context, token, itemID, destDir string, onProgress ProgressFunc) (string, error) {
	return "", nil
}

func (d *fakeListDrive) Upload(ctx context.Context, token, parentID, localPath string, onProgress ProgressFunc) error {
	return nil
}

func TestIsConvertible(t *testing.T) {
	require.True(t, IsConvertible("VTS_01_1.VOB"))
	require.True(t, IsConvertible("lowercase.vob"))
	require.False(t, IsConvertible("movie.mp4"))
	require.False(t, IsConvertible("VOB"))
}

func TestBuildTree(t *testing.T) {
	d := &fakeListDrive{children: map[string][]Item{
		"root": {
			{ID: "d1", Name: "DVD_1", Folder: true},
			{ID: "f3", Name: "readme.txt", Size: 10},
		},
		"d1": {
			{ID: "f1", Name: "VTS_01_1.VOB", Size: 1000},
			{ID: "f2", Name: "VTS_01_2.VOB", Size: 500},
			{ID: "d2", Name: "nested", Folder: true},
		},
		"d2": {
			{ID: "f4", Name: "bonus.VOB", Size: 200},
		},
	}}

	tree, err := Build(context.Background(), d, "tok", "root", "/")
	require.NoError(t, err)

	require.Equal(t, 3, tree.ConvertibleCount)
	require.Equal(t, int64(1700), tree.ConvertibleSize)
	require.Len(t, tree.Nodes, 2)

	folder := tree.Nodes[0]
	require.Equal(t, models.NodeFolder, folder.Kind)
	require.Equal(t, "/DVD_1", folder.Path)
	require.Equal(t, 3, folder.ConvertibleCount)
	require.Equal(t, int64(1700), folder.ConvertibleSize)
	require.Len(t, folder.Children, 3)

	nested := folder.Children[2]
	require.Equal(t, 1, nested.ConvertibleCount)
	require.Equal(t, int64(200), nested.ConvertibleSize)

	plain := tree.Nodes[1]
	require.Equal(t, models.NodeFile, plain.Kind)
	require.False(t, plain.Convertible)
	require.Zero(t, tree.Nodes[1].ConvertibleCount)

	vob := folder.Children[0]
	require.True(t, vob.Convertible)
	require.Equal(t, "/DVD_1/VTS_01_1.VOB", vob.Path)
}
