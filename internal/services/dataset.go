package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	"golang.org/x/sync/errgroup"
)

// SupportedImageExt lists the extensions counted as images
var SupportedImageExt = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".tiff": true,
	".tif":  true,
}

// DatasetReport summarises an image dataset laid out as one folder per class
type DatasetReport struct {
	DatasetPath         string             `json:"dataset_path"`
	TotalImages         int                `json:"total_images"`
	FileTypes           map[string]int     `json:"file_types"`
	ClassDistribution   map[string]int     `json:"class_distribution"`
	ClassImbalanceRatio map[string]float64 `json:"class_imbalance_ratio"`
	CorruptFiles        []string           `json:"corrupt_files"`
	MissingLabelImages  []string           `json:"missing_label_images"`
	EmptyClassFolders   []string           `json:"empty_class_folders"`
}

// ErrOutsideDatasetRoot rejects a path that escapes the inspector's root
var ErrOutsideDatasetRoot = errors.New("dataset path is outside the dataset root")

// DatasetInspector walks a dataset directory. First-level folders are classes;
// images directly under the root have no label.
type DatasetInspector struct {
	workers int
	root    string
}

type InspectorOption func(*DatasetInspector)

// WithRoot confines Inspect to paths under root. Relative paths are resolved
// against root and symlinked files are not followed.
func WithRoot(root string) InspectorOption {
	return func(d *DatasetInspector) {
		d.root = root
	}
}

func NewDatasetInspector(opts ...InspectorOption) *DatasetInspector {
	d := &DatasetInspector{workers: runtime.NumCPU()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// resolve applies the root confinement, checking the lexical path first so a
// rejected path reveals nothing about what exists outside the root
func (d *DatasetInspector) resolve(path string) (string, error) {
	if d.root == "" {
		return path, nil
	}
	absRoot, err := filepath.Abs(d.root)
	if err != nil {
		return "", fmt.Errorf("invalid dataset root: %w", err)
	}
	root, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("invalid dataset root: %w", err)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(absRoot, path)
	}
	path = filepath.Clean(path)
	if !within(absRoot, path) && !within(root, path) {
		return "", ErrOutsideDatasetRoot
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("dataset path not found: %w", err)
	}
	if !within(root, resolved) {
		return "", ErrOutsideDatasetRoot
	}
	return resolved, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Inspect walks path and decodes every image to find corrupt files
func (d *DatasetInspector) Inspect(ctx context.Context, path string) (*DatasetReport, error) {
	path, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("dataset path not found: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dataset path %s is not a directory", path)
	}

	report := &DatasetReport{
		DatasetPath:         path,
		FileTypes:           make(map[string]int),
		ClassDistribution:   make(map[string]int),
		ClassImbalanceRatio: make(map[string]float64),
		CorruptFiles:        []string{},
		MissingLabelImages:  []string{},
		EmptyClassFolders:   []string{},
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset dir: %w", err)
	}
	classes := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			classes[e.Name()] = true
		}
	}

	var images []string
	err = filepath.WalkDir(path, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return ctx.Err()
		}
		if d.root != "" && entry.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		report.FileTypes[ext]++
		if !SupportedImageExt[ext] {
			return nil
		}
		images = append(images, p)

		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		if class, _, nested := strings.Cut(filepath.ToSlash(rel), "/"); !nested {
			report.MissingLabelImages = append(report.MissingLabelImages, p)
		} else if classes[class] {
			report.ClassDistribution[class]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk dataset: %w", err)
	}
	report.TotalImages = len(images)

	corrupt, err := d.findCorrupt(ctx, images)
	if err != nil {
		return nil, err
	}
	report.CorruptFiles = corrupt

	maxCount := 0
	for _, n := range report.ClassDistribution {
		maxCount = max(maxCount, n)
	}
	for class, n := range report.ClassDistribution {
		report.ClassImbalanceRatio[class] = math.Round(float64(n)/float64(maxCount)*1000) / 1000
	}
	for class := range classes {
		if report.ClassDistribution[class] == 0 {
			report.EmptyClassFolders = append(report.EmptyClassFolders, class)
		}
	}

	sort.Strings(report.MissingLabelImages)
	sort.Strings(report.EmptyClassFolders)
	return report, nil
}

func (d *DatasetInspector) findCorrupt(ctx context.Context, images []string) ([]string, error) {
	var (
		mu      sync.Mutex
		corrupt = []string{}
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(d.workers, 1))
	for _, p := range images {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if isCorrupt(p) {
				mu.Lock()
				corrupt = append(corrupt, p)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(corrupt)
	return corrupt, nil
}

func isCorrupt(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	_, _, err = image.Decode(f)
	return err != nil
}
