package geoingest

import (
	"context"
	"fmt"
	"os"

	"github.com/jonas-p/go-shp"
)

// Sidecar extensions of a shapefile bundle, in reporting order.
const (
	ExtShp = ".shp"
	ExtShx = ".shx"
	ExtDbf = ".dbf"
	ExtPrj = ".prj"
)

var sidecars = []string{ExtShp, ExtShx, ExtDbf, ExtPrj}

// Resolver resolves projection text to a ProjectionInfo.
type Resolver interface {
	Resolve(ctx context.Context, wkt string) ProjectionInfo
}

// ShapeBoundsFunc returns the native bounding corners of a .shp file.
type ShapeBoundsFunc func(path string) (ll, ur Point, err error)

// VectorComponentSet describes the members of an extracted shapefile bundle.
type VectorComponentSet struct {
	Files          map[string]string // sidecar extension -> extracted path
	HasDirectory   bool
	SameBaseName   bool
	ShapefileCount int
	BaseName       string

	// Workspace holds the extracted files. The caller must Close it.
	Workspace *ArchiveWorkspace
}

// Valid reports whether the set is exactly one complete, flat bundle.
func (s VectorComponentSet) Valid() bool {
	if s.HasDirectory || !s.SameBaseName || s.ShapefileCount != 1 {
		return false
	}
	for _, ext := range sidecars {
		if s.Files[ext] == "" {
			return false
		}
	}
	return true
}

// Path returns the extracted path of a sidecar, or "".
func (s VectorComponentSet) Path(ext string) string {
	return s.Files[ext]
}

// VectorOptions configures a VectorBundleValidator.
type VectorOptions struct {
	// WorkspaceRoot is where per-validation workspaces are created.
	// Empty means os.TempDir.
	WorkspaceRoot string

	// ShapeBounds reads the native extent of a .shp file.
	// Defaults to reading the shapefile header.
	ShapeBounds ShapeBoundsFunc
}

// DefaultVectorOptions returns default options.
func DefaultVectorOptions() VectorOptions {
	return VectorOptions{
		WorkspaceRoot: "",
		ShapeBounds:   ReadShapeBounds,
	}
}

// VectorBundleValidator checks compressed shapefile bundles.
//
// Example:
//
//	v := geoingest.NewVectorBundleValidator(resolver, reprojector, geoingest.DefaultVectorOptions())
//	set, result, err := v.Validate(ctx, "parcels.zip")
//	if err != nil {
//	    return err
//	}
//	defer set.Workspace.Close()
type VectorBundleValidator struct {
	resolver    Resolver
	reprojector *ExtentReprojector
	opts        VectorOptions
}

// NewVectorBundleValidator creates a validator.
func NewVectorBundleValidator(resolver Resolver, reprojector *ExtentReprojector, opts VectorOptions) *VectorBundleValidator {
	if opts.ShapeBounds == nil {
		opts.ShapeBounds = ReadShapeBounds
	}
	return &VectorBundleValidator{
		resolver:    resolver,
		reprojector: reprojector,
		opts:        opts,
	}
}

// Validate extracts the archive into a new workspace, classifies its members
// and, for a structurally sound bundle, resolves projection and extent.
//
// The returned error covers only I/O failures; findings about the bundle are
// reported as diagnostics in the result. On a nil error the caller owns
// set.Workspace. On error the workspace has already been removed.
//
// Zip and 7z archives are both accepted.
func (v *VectorBundleValidator) Validate(ctx context.Context, archivePath string) (VectorComponentSet, ProcessingResult, error) {
	ws, err := NewArchiveWorkspace(v.opts.WorkspaceRoot)
	if err != nil {
		return VectorComponentSet{}, ProcessingResult{}, err
	}

	members, err := ws.Extract(archivePath)
	if err != nil {
		ws.Close()
		return VectorComponentSet{}, ProcessingResult{}, err
	}

	set := ClassifyMembers(members)
	set.Workspace = ws

	result := v.check(ctx, set)
	return set, result, nil
}

// ClassifyMembers builds a VectorComponentSet from extracted members.
//
// When two sidecars disagree on their base name the set is marked and the
// tracked name moves to the most recent one, so later members are compared
// against it rather than the first.
func ClassifyMembers(members []Member) VectorComponentSet {
	set := VectorComponentSet{
		Files:        make(map[string]string),
		SameBaseName: true,
	}

	for _, m := range members {
		if m.IsDir {
			set.HasDirectory = true
			continue
		}

		switch m.Ext {
		case ExtShp, ExtShx, ExtDbf, ExtPrj:
		default:
			continue
		}

		if m.Ext == ExtShp {
			set.ShapefileCount++
		}
		set.Files[m.Ext] = m.Path

		name := m.BaseName()
		if set.BaseName == "" {
			set.BaseName = name
		} else if set.BaseName != name {
			set.SameBaseName = false
			set.BaseName = name
		}
	}

	return set
}

func (v *VectorBundleValidator) check(ctx context.Context, set VectorComponentSet) ProcessingResult {
	if set.ShapefileCount == 0 {
		return informational(MsgNotShapefileBundle)
	}

	result := ProcessingResult{
		Projection: UnknownProjection,
		Extent:     UnknownExtent,
	}

	// Structural defects end the check immediately.
	switch {
	case set.HasDirectory:
		result.add(KindStructural, MsgHasDirectory, &StructuralError{Reason: ReasonHasDirectory})
		return result
	case set.ShapefileCount > 1:
		result.add(KindStructural, MsgMultipleShapefiles, &StructuralError{Reason: ReasonMultipleShapefiles})
		return result
	case !set.SameBaseName:
		result.add(KindStructural, MsgMismatchedNames, &StructuralError{Reason: ReasonMismatchedNames})
		return result
	}

	missing := []struct {
		ext string
		msg string
	}{
		{ExtShx, MsgMissingShx},
		{ExtDbf, MsgMissingDbf},
		{ExtPrj, MsgMissingPrj},
	}
	for _, m := range missing {
		if set.Files[m.ext] == "" {
			result.add(KindStructural, m.msg, &StructuralError{Reason: ReasonMissingSidecar, Extension: m.ext})
		}
	}

	// Projection and extent are only looked up for a complete bundle.
	complete := len(result.Diagnostics) == 0
	if complete {
		result.Projection = v.resolvePrj(ctx, set.Files[ExtPrj])
	}

	if complete && result.Projection.Resolved() {
		result.Extent = v.extent(set.Files[ExtShp], result.Projection.Code)
	}

	if !result.Projection.Resolved() {
		kind := KindProjectionUnresolved
		if result.Projection.State == ProjectionUnsupported {
			kind = KindSpecialProjectionUnsupported
		}
		result.add(kind, MsgProjectionUnknown, nil)
	}
	if !result.Extent.Known {
		result.add(KindExtentUnresolved, MsgExtentUnknown, nil)
	}

	result.finish()
	return result
}

func (v *VectorBundleValidator) resolvePrj(ctx context.Context, path string) ProjectionInfo {
	data, err := os.ReadFile(path)
	if err != nil {
		return UnknownProjection
	}
	return v.resolver.Resolve(ctx, string(data))
}

func (v *VectorBundleValidator) extent(shpPath string, epsg int) Extent {
	ll, ur, err := v.opts.ShapeBounds(shpPath)
	if err != nil {
		return UnknownExtent
	}
	ext, err := v.reprojector.Reproject(epsg, ll, ur, true)
	if err != nil {
		return UnknownExtent
	}
	return ext
}

// ReadShapeBounds reads the bounding box from a shapefile header.
func ReadShapeBounds(path string) (Point, Point, error) {
	r, err := shp.Open(path)
	if err != nil {
		return Point{}, Point{}, fmt.Errorf("open shapefile: %w", err)
	}
	defer r.Close()

	box := r.BBox()
	return Point{box.MinX, box.MinY}, Point{box.MaxX, box.MaxY}, nil
}
