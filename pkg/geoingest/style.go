package geoingest

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
)

// ColorMapPlaceholder is replaced by the generated ColorMapEntry lines.
const ColorMapPlaceholder = "<<<colormap>>>"

// NoDataInRangeComment is emitted instead of a nodata entry when the nodata
// value is absent or falls inside the display range.
const NoDataInRangeComment = "<!-- nodata value or nodata value is in range of valid data range -->"

// DefaultStyleTemplate is an SLD raster symbolizer with a gray ramp.
//
//go:embed templates/raster_style.sld
var DefaultStyleTemplate string

// BandStatistics are the statistics of a raster band.
type BandStatistics struct {
	Min, Max     float64
	Mean, StdDev float64
}

// ColorMapEntry is one stop of an SLD color ramp.
type ColorMapEntry struct {
	Color    string
	Quantity float64
	Label    string
	Opacity  *float64
}

// String renders the entry as an SLD ColorMapEntry element.
func (e ColorMapEntry) String() string {
	q := strconv.FormatFloat(e.Quantity, 'f', -1, 64)
	if e.Opacity != nil {
		op := strconv.FormatFloat(*e.Opacity, 'f', 1, 64)
		return fmt.Sprintf(`<ColorMapEntry color="%s" quantity="%s" label="%s" opacity="%s" />`, e.Color, q, e.Label, op)
	}
	return fmt.Sprintf(`<ColorMapEntry color="%s" quantity="%s" label="%s" />`, e.Color, q, e.Label)
}

// RasterStyleSpec is a synthesized color ramp for a single-band raster.
type RasterStyleSpec struct {
	NoData     *float64
	DisplayMin float64
	DisplayMax float64
	Entries    []ColorMapEntry

	// Comment, when set, precedes the entries.
	Comment string
}

// BuildStyle derives a ramp from band statistics.
//
// The display range is mean ± 2·stddev rather than the raw min/max so a few
// outlier pixels do not flatten the ramp. A nodata value outside the display
// range gets a transparent entry at the matching end: nodata <= min goes
// first, nodata >= max goes last. A missing nodata value, or one strictly
// inside (min, max), produces only the min and max entries and a comment.
func BuildStyle(stats BandStatistics, nodata *float64) RasterStyleSpec {
	rs := RasterStyleSpec{
		NoData:     nodata,
		DisplayMin: stats.Mean - 2*stats.StdDev,
		DisplayMax: stats.Mean + 2*stats.StdDev,
	}

	minEntry := ColorMapEntry{Color: "#000000", Quantity: rs.DisplayMin, Label: "min"}
	maxEntry := ColorMapEntry{Color: "#FFFFFF", Quantity: rs.DisplayMax, Label: "max"}

	if nodata == nil || (*nodata > rs.DisplayMin && *nodata < rs.DisplayMax) {
		rs.Comment = NoDataInRangeComment
		rs.Entries = []ColorMapEntry{minEntry, maxEntry}
		return rs
	}

	transparent := 0.0
	ndEntry := ColorMapEntry{Color: "#000000", Quantity: *nodata, Label: "nodata", Opacity: &transparent}

	if *nodata <= rs.DisplayMin {
		rs.Entries = []ColorMapEntry{ndEntry, minEntry, maxEntry}
	} else {
		rs.Entries = []ColorMapEntry{minEntry, maxEntry, ndEntry}
	}
	return rs
}

// Fragment renders the comment and entries, one per line.
func (s RasterStyleSpec) Fragment() string {
	var b strings.Builder
	if s.Comment != "" {
		b.WriteString(s.Comment)
		b.WriteByte('\n')
	}
	for _, e := range s.Entries {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Render substitutes the fragment into a template that contains exactly one
// ColorMapPlaceholder.
func (s RasterStyleSpec) Render(template string) (string, error) {
	if n := strings.Count(template, ColorMapPlaceholder); n != 1 {
		return "", fmt.Errorf("style template: want one %s placeholder, found %d", ColorMapPlaceholder, n)
	}
	return strings.Replace(template, ColorMapPlaceholder, s.Fragment(), 1), nil
}
