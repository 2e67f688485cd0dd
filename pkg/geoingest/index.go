package geoingest

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dhconnelly/rtreego"
)

// minRectLength keeps degenerate (point or line) extents insertable.
const minRectLength = 1e-9

// DatasetIndex answers bounding-box queries over validated datasets.
//
// Only datasets with a known extent are indexed; queries are in EPSG:3857.
//
// Example:
//
//	idx, err := geoingest.BuildIndexFromDir(ctx, "/data/uploads", validators, geoingest.DefaultLoadOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	hits := idx.Query(geoingest.Extent{MinX: -9.8e6, MinY: 5.1e6, MaxX: -9.7e6, MaxY: 5.2e6, Known: true})
type DatasetIndex struct {
	entries []DatasetEntry
	rtree   *rtreego.Rtree
}

// DatasetEntry is one indexed dataset.
type DatasetEntry struct {
	Path       string
	Name       string
	Kind       DatasetKind
	Projection ProjectionInfo
	Extent     Extent
}

// Bounds implements rtreego.Spatial.
func (e DatasetEntry) Bounds() rtreego.Rect {
	return extentRect(e.Extent)
}

func extentRect(e Extent) rtreego.Rect {
	point := rtreego.Point{e.MinX, e.MinY}
	lengths := []float64{
		max(e.MaxX-e.MinX, minRectLength),
		max(e.MaxY-e.MinY, minRectLength),
	}
	rect, _ := rtreego.NewRect(point, lengths)
	return rect
}

// BuildIndex creates an index from validation reports. Reports without a
// known extent are skipped.
func BuildIndex(reports []Report) *DatasetIndex {
	idx := &DatasetIndex{
		rtree: rtreego.NewTree(2, 25, 50),
	}

	for _, r := range reports {
		if !r.Result.Extent.Known {
			continue
		}
		entry := DatasetEntry{
			Path:       r.Path,
			Name:       strings.TrimSuffix(filepath.Base(r.Path), filepath.Ext(r.Path)),
			Kind:       r.Kind,
			Projection: r.Result.Projection,
			Extent:     r.Result.Extent,
		}
		idx.entries = append(idx.entries, entry)
		idx.rtree.Insert(entry)
	}

	return idx
}

// BuildIndexFromDir validates every .zip, .tif and .tiff file below root and
// indexes the ones with a known extent.
func BuildIndexFromDir(ctx context.Context, root string, vs Validators, opts LoadOptions) (*DatasetIndex, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".zip", ".tif", ".tiff":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("no datasets found in %s", root)
	}

	reports, err := ValidateFiles(ctx, vs, paths, opts)
	if len(reports) == 0 {
		return nil, fmt.Errorf("no datasets could be validated: %w", err)
	}

	return BuildIndex(reports), nil
}

// Query returns the datasets whose extent intersects bounds, sorted by name.
func (idx *DatasetIndex) Query(bounds Extent) []DatasetEntry {
	if !bounds.Known {
		return nil
	}

	var result []DatasetEntry
	for _, spatial := range idx.rtree.SearchIntersect(extentRect(bounds)) {
		result = append(result, spatial.(DatasetEntry))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Path < result[j].Path
	})

	return result
}

// Count returns the number of indexed datasets.
func (idx *DatasetIndex) Count() int {
	return len(idx.entries)
}

// Bounds returns the union of all indexed extents.
func (idx *DatasetIndex) Bounds() Extent {
	var b Extent
	for _, e := range idx.entries {
		b = b.Union(e.Extent)
	}
	return b
}

// All returns every indexed entry.
func (idx *DatasetIndex) All() []DatasetEntry {
	return idx.entries
}
