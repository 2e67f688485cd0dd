package geoingest

import (
	"errors"
	"fmt"
)

// EPSG codes used by the reprojector.
const (
	EPSGWGS84       = 4326
	EPSGWebMercator = 3857
)

// Transformer converts points between two EPSG coordinate reference systems.
// Geographic coordinates are passed as X=longitude, Y=latitude.
type Transformer interface {
	Transform(srcEPSG, dstEPSG int, pts []Point) ([]Point, error)
}

// ExtentReprojector transforms native bounding corners into Web Mercator.
type ExtentReprojector struct {
	t      Transformer
	target int
}

// NewExtentReprojector creates a reprojector targeting EPSG:3857.
func NewExtentReprojector(t Transformer) *ExtentReprojector {
	return &ExtentReprojector{t: t, target: EPSGWebMercator}
}

// Target returns the EPSG code extents are produced in.
func (r *ExtentReprojector) Target() int {
	return r.target
}

// ClampGeographic snaps WGS84 coordinates within one degree of the
// antimeridian or the poles to ±179 / ±89. Web Mercator is singular at the
// poles and transforms of exactly ±180 are unstable.
func ClampGeographic(p Point) Point {
	switch {
	case p.X > 179 && p.X <= 180:
		p.X = 179
	case p.X < -179 && p.X >= -180:
		p.X = -179
	}
	switch {
	case p.Y > 89 && p.Y <= 90:
		p.Y = 89
	case p.Y < -89 && p.Y >= -90:
		p.Y = -89
	}
	return p
}

// Reproject transforms two opposite corners given in srcEPSG into the target
// CRS and returns their bounding extent.
//
// When clamp is true and the source is EPSG:4326, the corners are first
// passed through ClampGeographic. Only the vector path clamps.
func (r *ExtentReprojector) Reproject(srcEPSG int, a, b Point, clamp bool) (Extent, error) {
	if r.t == nil {
		return UnknownExtent, errors.New("reproject extent: no transformer")
	}
	if clamp && srcEPSG == EPSGWGS84 {
		a = ClampGeographic(a)
		b = ClampGeographic(b)
	}

	out, err := r.t.Transform(srcEPSG, r.target, []Point{a, b})
	if err != nil {
		return UnknownExtent, fmt.Errorf("reproject extent from EPSG:%d: %w", srcEPSG, err)
	}
	if len(out) != 2 {
		return UnknownExtent, fmt.Errorf("reproject extent from EPSG:%d: got %d points", srcEPSG, len(out))
	}

	return ExtentFromCorners(out[0], out[1]), nil
}

// ToGeographic converts a target-CRS extent back to EPSG:4326 (X=lon, Y=lat).
func (r *ExtentReprojector) ToGeographic(e Extent) (Extent, error) {
	if !e.Known {
		return UnknownExtent, errors.New("extent is unknown")
	}
	if r.t == nil {
		return UnknownExtent, errors.New("reproject extent: no transformer")
	}

	ll, ur := e.Corners()
	out, err := r.t.Transform(r.target, EPSGWGS84, []Point{ll, ur})
	if err != nil {
		return UnknownExtent, fmt.Errorf("reproject extent to EPSG:4326: %w", err)
	}
	if len(out) != 2 {
		return UnknownExtent, fmt.Errorf("reproject extent to EPSG:4326: got %d points", len(out))
	}

	return ExtentFromCorners(out[0], out[1]), nil
}
