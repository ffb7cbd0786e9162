package services

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.White)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestDatasetInspectorInspect(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		writePNG(t, filepath.Join(dir, "crack", name))
	}
	writePNG(t, filepath.Join(dir, "no_crack", "a.png"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "no_crack", "broken.jpg"), []byte("not a jpeg"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pothole"), 0755))
	writePNG(t, filepath.Join(dir, "stray.png"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("labels by folder"), 0644))

	report, err := NewDatasetInspector().Inspect(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 6, report.TotalImages)
	assert.Equal(t, map[string]int{".png": 5, ".jpg": 1, ".txt": 1}, report.FileTypes)
	assert.Equal(t, map[string]int{"crack": 3, "no_crack": 2}, report.ClassDistribution)
	assert.Equal(t, map[string]float64{"crack": 1, "no_crack": 0.667}, report.ClassImbalanceRatio)
	assert.Equal(t, []string{filepath.Join(dir, "no_crack", "broken.jpg")}, report.CorruptFiles)
	assert.Equal(t, []string{filepath.Join(dir, "stray.png")}, report.MissingLabelImages)
	assert.Equal(t, []string{"pothole"}, report.EmptyClassFolders)
}

func TestDatasetInspectorEmptyDir(t *testing.T) {
	report, err := NewDatasetInspector().Inspect(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, report.TotalImages)
	assert.Empty(t, report.ClassImbalanceRatio)
	assert.NotNil(t, report.CorruptFiles)
}

func TestDatasetInspectorBadPath(t *testing.T) {
	inspector := NewDatasetInspector()

	_, err := inspector.Inspect(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file.png")
	writePNG(t, file)
	_, err = inspector.Inspect(context.Background(), file)
	assert.Error(t, err)
}

func TestDatasetInspectorWithRoot(t *testing.T) {
	ctx := context.Background()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	writePNG(t, filepath.Join(root, "cracks", "crack", "a.png"))

	outside, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	writePNG(t, filepath.Join(outside, "secret", "b.png"))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret", "b.png"), filepath.Join(root, "cracks", "crack", "link.png")))

	inspector := NewDatasetInspector(WithRoot(root))

	report, err := inspector.Inspect(ctx, "cracks")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "cracks"), report.DatasetPath)
	assert.Equal(t, map[string]int{"crack": 1}, report.ClassDistribution)

	report, err = inspector.Inspect(ctx, filepath.Join(root, "cracks"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalImages)

	for _, p := range []string{outside, "/etc", "../", "cracks/../..", "escape", filepath.Join(outside, "missing")} {
		_, err := inspector.Inspect(ctx, p)
		assert.ErrorIs(t, err, ErrOutsideDatasetRoot, p)
	}
}
