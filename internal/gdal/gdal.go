// Package gdal adapts the GDAL/OSR bindings to the geoingest engine.
//
// Everything that touches libgdal lives here: EPSG identification of
// projection text, point transforms between EPSG codes, and band-1 reads of
// raster files.
package gdal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/beetlebugorg/geoingest/pkg/geoingest"
)

var registerOnce sync.Once

// Register loads the GDAL drivers. It is safe to call repeatedly.
func Register() {
	registerOnce.Do(godal.RegisterAll)
}

// Identifier identifies EPSG codes with OSR's AutoIdentifyEPSG.
type Identifier struct{}

// IdentifyEPSG parses wkt (OGC or ESRI dialect) and returns its EPSG code.
func (Identifier) IdentifyEPSG(wkt string) (int, error) {
	sr, err := parseSpatialRef(wkt)
	if err != nil {
		return 0, err
	}
	defer sr.Close()

	if err := sr.AutoIdentifyEPSG(); err != nil {
		return 0, fmt.Errorf("auto identify epsg: %w", err)
	}

	if name := sr.AuthorityName(""); !strings.EqualFold(name, "EPSG") {
		return 0, fmt.Errorf("authority %q is not EPSG", name)
	}
	code, err := strconv.Atoi(sr.AuthorityCode(""))
	if err != nil {
		return 0, fmt.Errorf("parse authority code: %w", err)
	}
	return code, nil
}

func parseSpatialRef(wkt string) (*godal.SpatialRef, error) {
	if strings.TrimSpace(wkt) == "" {
		return nil, errors.New("empty projection text")
	}
	sr, err := godal.NewSpatialRefFromWKT(wkt)
	if err == nil {
		return sr, nil
	}
	// .prj files are frequently in the ESRI dialect.
	sr, esriErr := godal.NewSpatialRef("ESRI::" + wkt)
	if esriErr != nil {
		return nil, fmt.Errorf("parse projection: %w", err)
	}
	return sr, nil
}

// Transformer transforms points between EPSG codes with OSR.
// Geographic CRSs use longitude/latitude order.
type Transformer struct{}

// Transform implements geoingest.Transformer.
func (Transformer) Transform(srcEPSG, dstEPSG int, pts []geoingest.Point) ([]geoingest.Point, error) {
	src, err := godal.NewSpatialRefFromEPSG(srcEPSG)
	if err != nil {
		return nil, fmt.Errorf("source EPSG:%d: %w", srcEPSG, err)
	}
	defer src.Close()

	dst, err := godal.NewSpatialRefFromEPSG(dstEPSG)
	if err != nil {
		return nil, fmt.Errorf("target EPSG:%d: %w", dstEPSG, err)
	}
	defer dst.Close()

	trn, err := godal.NewTransform(src, dst)
	if err != nil {
		return nil, fmt.Errorf("create transform: %w", err)
	}
	defer trn.Close()

	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	zs := make([]float64, len(pts))
	ok := make([]bool, len(pts))
	for i, p := range pts {
		xs[i], ys[i] = p.X, p.Y
	}

	if err := trn.TransformEx(xs, ys, zs, ok); err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}

	out := make([]geoingest.Point, len(pts))
	for i := range pts {
		if !ok[i] {
			return nil, fmt.Errorf("transform: point %d (%v, %v) failed", i, pts[i].X, pts[i].Y)
		}
		out[i] = geoingest.Point{X: xs[i], Y: ys[i]}
	}
	return out, nil
}

// Opener opens rasters with GDAL.
type Opener struct{}

// OpenRaster implements geoingest.RasterOpener.
func (Opener) OpenRaster(path string) (geoingest.RasterDataset, error) {
	Register()
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("open raster: %w", err)
	}
	if len(ds.Bands()) == 0 {
		ds.Close()
		return nil, fmt.Errorf("open raster: %s has no bands", path)
	}
	return &dataset{ds: ds}, nil
}

type dataset struct {
	ds *godal.Dataset
}

func (d *dataset) band() godal.Band {
	return d.ds.Bands()[0]
}

func (d *dataset) ProjectionWKT() string {
	return d.ds.Projection()
}

func (d *dataset) GeoTransform() ([6]float64, error) {
	return d.ds.GeoTransform()
}

func (d *dataset) Size() (int, int) {
	st := d.ds.Structure()
	return st.SizeX, st.SizeY
}

func (d *dataset) HasColorTable() bool {
	return len(d.band().ColorTable().Entries) > 0
}

func (d *dataset) NoData() (float64, bool) {
	return d.band().NoData()
}

func (d *dataset) Statistics() (geoingest.BandStatistics, error) {
	st, err := d.band().ComputeStatistics()
	if err != nil {
		return geoingest.BandStatistics{}, fmt.Errorf("compute statistics: %w", err)
	}
	return geoingest.BandStatistics{
		Min:    st.Min,
		Max:    st.Max,
		Mean:   st.Mean,
		StdDev: st.Std,
	}, nil
}

func (d *dataset) Close() error {
	return d.ds.Close()
}

// Engine registers the drivers and returns GDAL-backed collaborators for
// geoingest.NewValidators. lookup may be nil.
func Engine(lookup geoingest.RemoteLookup) geoingest.Engine {
	Register()
	return geoingest.Engine{
		Identifier:  Identifier{},
		Lookup:      lookup,
		Transformer: Transformer{},
		Opener:      Opener{},
	}
}
