package geoingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestRasterValidator(ds *fakeRaster, resolver Resolver, tr Transformer) *RasterValidator {
	return NewRasterValidator(fakeOpener{ds: ds}, resolver, NewExtentReprojector(tr), RasterOptions{})
}

func TestRasterNotGeoTIFF(t *testing.T) {
	ds := &fakeRaster{sizeX: 10, sizeY: 10}
	v := newTestRasterValidator(ds, wktResolver{}, &mercator{})

	style, result, err := v.Validate(context.Background(), "scan.tif", "")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !result.OK || !result.Informational {
		t.Errorf("Expected informational success, got %+v", result)
	}
	if got := result.Messages(); len(got) != 1 || got[0] != MsgNotGeoTIFF {
		t.Errorf("Expected %q, got %q", MsgNotGeoTIFF, got)
	}
	if style != "" {
		t.Errorf("Expected no style, got %q", style)
	}
	if !ds.closed {
		t.Error("Expected dataset to be closed")
	}
}

func TestRasterOpenFailureIsInformational(t *testing.T) {
	v := NewRasterValidator(fakeOpener{err: errors.New("not recognized")}, wktResolver{}, NewExtentReprojector(&mercator{}), RasterOptions{})

	_, result, err := v.Validate(context.Background(), "x.tif", "")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !result.Informational {
		t.Errorf("Expected informational result, got %+v", result)
	}
}

func TestRasterGeoreferenced(t *testing.T) {
	ds := &fakeRaster{
		wkt:   wgs84WKT,
		gt:    [6]float64{-88, 0.01, 0, 42, 0, -0.01},
		sizeX: 100,
		sizeY: 100,
		stats: BandStatistics{Mean: 50, StdDev: 25},
	}
	v := newTestRasterValidator(ds, wktResolver{wgs84WKT: EPSG(4326)}, &mercator{})

	style, result, err := v.Validate(context.Background(), "dem.tif", "")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !result.OK {
		t.Fatalf("Expected OK, got %v", result.Messages())
	}
	if result.Projection.String() != "4326" {
		t.Errorf("Expected 4326, got %s", result.Projection)
	}
	if !result.Extent.Known || result.Extent.MinX >= result.Extent.MaxX {
		t.Errorf("Expected ordered extent, got %s", result.Extent)
	}
	if !strings.Contains(style, NoDataInRangeComment) {
		t.Errorf("Expected nodata comment in style, got %q", style)
	}
}

func TestRasterCornersNotClamped(t *testing.T) {
	// Whole-world raster: the far corner lands exactly on (180, -90).
	ds := &fakeRaster{
		wkt:   wgs84WKT,
		gt:    [6]float64{-180, 1, 0, 90, 0, -1},
		sizeX: 360,
		sizeY: 180,
	}
	m := &mercator{}
	v := newTestRasterValidator(ds, wktResolver{wgs84WKT: EPSG(4326)}, m)

	_, result, err := v.Validate(context.Background(), "world.tif", "")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(m.calls) != 1 || m.calls[0][0] != (Point{-180, 90}) {
		t.Fatalf("Expected raw corners passed to the transformer, got %v", m.calls)
	}
	if result.Extent.Known {
		t.Error("Expected singular pole corner to leave the extent unknown")
	}
	if got := result.Messages(); len(got) != 1 || got[0] != MsgExtentUnknown {
		t.Errorf("Expected only %q, got %q", MsgExtentUnknown, got)
	}
}

func TestRasterUnresolvedProjection(t *testing.T) {
	ds := &fakeRaster{wkt: "LOCAL_CS[\"lab\"]", sizeX: 1, sizeY: 1}
	v := newTestRasterValidator(ds, wktResolver{}, &mercator{})

	_, result, err := v.Validate(context.Background(), "x.tif", "")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	want := []string{MsgProjectionUnknown, MsgExtentUnknown}
	if strings.Join(result.Messages(), "|") != strings.Join(want, "|") {
		t.Errorf("Expected %q, got %q", want, result.Messages())
	}
}

func TestRasterColorTableSkipsStyle(t *testing.T) {
	ds := &fakeRaster{
		wkt:        wgs84WKT,
		gt:         [6]float64{0, 1, 0, 10, 0, -1},
		sizeX:      10,
		sizeY:      10,
		colorTable: true,
		statsErr:   errors.New("statistics must not be read"),
	}
	v := newTestRasterValidator(ds, wktResolver{wgs84WKT: EPSG(4326)}, &mercator{})

	style, _, err := v.Validate(context.Background(), "landcover.tif", "")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if style != "" {
		t.Errorf("Expected no style for paletted raster, got %q", style)
	}
}

func TestRasterStatisticsFailureWarns(t *testing.T) {
	ds := &fakeRaster{
		wkt:      wgs84WKT,
		gt:       [6]float64{0, 1, 0, 10, 0, -1},
		sizeX:    10,
		sizeY:    10,
		statsErr: errors.New("band is empty"),
	}
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	v := NewRasterValidator(fakeOpener{ds: ds}, wktResolver{wgs84WKT: EPSG(4326)}, NewExtentReprojector(&mercator{}), RasterOptions{Logger: logger})

	style, result, err := v.Validate(context.Background(), "dem.tif", "")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !result.OK {
		t.Errorf("Expected raster to validate without a style, got %+v", result)
	}
	if style != "" {
		t.Errorf("Expected no style, got %q", style)
	}
	if out := logs.String(); !strings.Contains(out, "level=WARN") || !strings.Contains(out, "band is empty") {
		t.Errorf("Expected a warning naming the statistics error, got %q", out)
	}
}

func TestRasterNoDataOrdering(t *testing.T) {
	// mean 50, std 25 => display range [0, 100]; nodata -9999 goes first.
	ds := &fakeRaster{
		wkt:    wgs84WKT,
		gt:     [6]float64{0, 1, 0, 10, 0, -1},
		sizeX:  10,
		sizeY:  10,
		nodata: float(-9999),
		stats:  BandStatistics{Mean: 50, StdDev: 25},
	}
	v := newTestRasterValidator(ds, wktResolver{wgs84WKT: EPSG(4326)}, &mercator{})

	tmpl := filepath.Join(t.TempDir(), "style.sld")
	if err := os.WriteFile(tmpl, []byte("<ColorMap>\n"+ColorMapPlaceholder+"</ColorMap>"), 0o644); err != nil {
		t.Fatal(err)
	}

	style, _, err := v.Validate(context.Background(), "dem.tif", tmpl)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	nd := strings.Index(style, `label="nodata"`)
	mn := strings.Index(style, `label="min"`)
	mx := strings.Index(style, `label="max"`)
	if nd < 0 || !(nd < mn && mn < mx) {
		t.Errorf("Expected order nodata, min, max in %q", style)
	}
}

func TestRasterMissingTemplate(t *testing.T) {
	v := newTestRasterValidator(&fakeRaster{}, wktResolver{}, &mercator{})
	if _, _, err := v.Validate(context.Background(), "x.tif", filepath.Join(t.TempDir(), "missing.sld")); err == nil {
		t.Error("Expected error for missing template")
	}
}
