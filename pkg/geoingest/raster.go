package geoingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// RasterDataset is an open raster. Band accessors refer to band 1.
type RasterDataset interface {
	// ProjectionWKT returns the embedded spatial reference, or "" if none.
	ProjectionWKT() string
	GeoTransform() ([6]float64, error)
	Size() (x, y int)
	HasColorTable() bool
	NoData() (float64, bool)
	Statistics() (BandStatistics, error)
	Close() error
}

// RasterOpener opens raster files.
type RasterOpener interface {
	OpenRaster(path string) (RasterDataset, error)
}

// RasterOptions configures a RasterValidator.
type RasterOptions struct {
	Logger *slog.Logger
}

// RasterValidator checks single-band GeoTIFF rasters and synthesizes their
// default style.
type RasterValidator struct {
	opener      RasterOpener
	resolver    Resolver
	reprojector *ExtentReprojector
	log         *slog.Logger
}

// NewRasterValidator creates a raster validator.
func NewRasterValidator(opener RasterOpener, resolver Resolver, reprojector *ExtentReprojector, opts RasterOptions) *RasterValidator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RasterValidator{
		opener:      opener,
		resolver:    resolver,
		reprojector: reprojector,
		log:         logger,
	}
}

// Validate inspects a raster and returns its rendered style alongside the
// result. templatePath names an SLD template with one ColorMapPlaceholder;
// an empty path uses DefaultStyleTemplate.
//
// A raster without an embedded spatial reference is not geospatial: the
// result is informational and no style is produced. The style is also empty
// when band 1 already carries a color table.
func (v *RasterValidator) Validate(ctx context.Context, rasterPath, templatePath string) (string, ProcessingResult, error) {
	template := DefaultStyleTemplate
	if templatePath != "" {
		data, err := os.ReadFile(templatePath)
		if err != nil {
			return "", ProcessingResult{}, fmt.Errorf("read style template: %w", err)
		}
		template = string(data)
	}

	ds, err := v.opener.OpenRaster(rasterPath)
	if err != nil {
		v.log.Debug("raster could not be opened", "path", rasterPath, "error", err)
		return "", informational(MsgNotGeoTIFF), nil
	}
	defer ds.Close()

	wkt := ds.ProjectionWKT()
	if wkt == "" {
		return "", informational(MsgNotGeoTIFF), nil
	}

	result := ProcessingResult{
		Projection: v.resolver.Resolve(ctx, wkt),
		Extent:     UnknownExtent,
	}

	if result.Projection.Resolved() {
		result.Extent = v.extent(ds, result.Projection.Code)
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

	style, err := v.style(ds, template)
	if err != nil {
		return "", result, err
	}
	return style, result, nil
}

// extent reprojects the geotransform corners. No clamping here.
func (v *RasterValidator) extent(ds RasterDataset, epsg int) Extent {
	gt, err := ds.GeoTransform()
	if err != nil {
		v.log.Debug("raster has no geotransform", "error", err)
		return UnknownExtent
	}

	ll, ur := GeoTransformCorners(gt, ds)
	ext, err := v.reprojector.Reproject(epsg, ll, ur, false)
	if err != nil {
		v.log.Debug("raster extent reprojection failed", "error", err)
		return UnknownExtent
	}
	return ext
}

// GeoTransformCorners returns the pixel-space origin and far corner of a
// raster in its native CRS.
func GeoTransformCorners(gt [6]float64, ds interface{ Size() (int, int) }) (Point, Point) {
	x, y := ds.Size()
	sx, sy := float64(x), float64(y)
	ll := Point{gt[0], gt[3]}
	ur := Point{
		X: gt[0] + gt[1]*sx + gt[2]*sy,
		Y: gt[3] + gt[4]*sx + gt[5]*sy,
	}
	return ll, ur
}

func (v *RasterValidator) style(ds RasterDataset, template string) (string, error) {
	if ds.HasColorTable() {
		return "", nil
	}

	stats, err := ds.Statistics()
	if err != nil {
		v.log.Warn("raster statistics unavailable, publishing without a style", "error", err)
		return "", nil
	}

	var nodata *float64
	if nd, ok := ds.NoData(); ok {
		nodata = &nd
	}

	return BuildStyle(stats, nodata).Render(template)
}
