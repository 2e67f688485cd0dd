package geoingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Point is a coordinate pair in some CRS. X is easting or longitude.
type Point struct {
	X, Y float64
}

// Extent is a bounding box in the target CRS (EPSG:3857 unless noted).
//
// The zero value is an unknown extent.
type Extent struct {
	MinX, MinY float64
	MaxX, MaxY float64
	Known      bool
}

// UnknownExtent is the extent of a dataset whose projection could not be resolved.
var UnknownExtent = Extent{}

// ExtentFromCorners builds an extent from two opposite corners in any order.
func ExtentFromCorners(a, b Point) Extent {
	return Extent{
		MinX:  math.Min(a.X, b.X),
		MinY:  math.Min(a.Y, b.Y),
		MaxX:  math.Max(a.X, b.X),
		MaxY:  math.Max(a.Y, b.Y),
		Known: true,
	}
}

// String returns "minX,minY,maxX,maxY", or "UNKNOWN".
func (e Extent) String() string {
	if !e.Known {
		return "UNKNOWN"
	}
	return strings.Join([]string{
		formatCoord(e.MinX),
		formatCoord(e.MinY),
		formatCoord(e.MaxX),
		formatCoord(e.MaxY),
	}, ",")
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseExtent parses the output of Extent.String.
func ParseExtent(s string) (Extent, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "UNKNOWN" {
		return UnknownExtent, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Extent{}, fmt.Errorf("parse extent %q: want 4 values, got %d", s, len(parts))
	}

	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Extent{}, fmt.Errorf("parse extent %q: %w", s, err)
		}
		v[i] = f
	}

	return ExtentFromCorners(Point{v[0], v[1]}, Point{v[2], v[3]}), nil
}

// Corners returns the lower-left and upper-right corners.
func (e Extent) Corners() (Point, Point) {
	return Point{e.MinX, e.MinY}, Point{e.MaxX, e.MaxY}
}

// Contains returns true if the point is within the extent.
func (e Extent) Contains(p Point) bool {
	return e.Known &&
		p.X >= e.MinX && p.X <= e.MaxX &&
		p.Y >= e.MinY && p.Y <= e.MaxY
}

// Intersects returns true if both extents are known and overlap.
func (e Extent) Intersects(other Extent) bool {
	if !e.Known || !other.Known {
		return false
	}
	return !(other.MaxX < e.MinX ||
		other.MinX > e.MaxX ||
		other.MaxY < e.MinY ||
		other.MinY > e.MaxY)
}

// Union returns the smallest extent covering both. Unknown extents are ignored.
func (e Extent) Union(other Extent) Extent {
	if !e.Known {
		return other
	}
	if !other.Known {
		return e
	}
	return Extent{
		MinX:  math.Min(e.MinX, other.MinX),
		MinY:  math.Min(e.MinY, other.MinY),
		MaxX:  math.Max(e.MaxX, other.MaxX),
		MaxY:  math.Max(e.MaxY, other.MaxY),
		Known: true,
	}
}
