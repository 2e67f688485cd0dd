package geoingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"unicode/utf16"

	"github.com/jonas-p/go-shp"
	"github.com/klauspost/compress/zip"
)

const earthRadius = 6378137.0

const utm16nWKT = `PROJCS["NAD_1983_UTM_Zone_16N",GEOGCS["GCS_North_American_1983",DATUM["D_North_American_1983",SPHEROID["GRS_1980",6378137.0,298.257222101]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Transverse_Mercator"],PARAMETER["False_Easting",500000.0],PARAMETER["False_Northing",0.0],PARAMETER["Central_Meridian",-87.0],PARAMETER["Scale_Factor",0.9996],PARAMETER["Latitude_Of_Origin",0.0],UNIT["Meter",1.0]]`

const wgs84WKT = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

const albersWKT = `PROJCS["North_America_Albers_Equal_Area_Conic",GEOGCS["GCS_North_American_1983",DATUM["D_North_American_1983",SPHEROID["GRS_1980",6378137.0,298.257222101]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Albers_Equal_Area_Conic"],UNIT["Meter",1.0]]`

// mercator is a Transformer that knows spherical Web Mercator and treats any
// other source CRS as already being in target units.
type mercator struct {
	mu    sync.Mutex
	calls [][]Point
}

func (m *mercator) Transform(src, dst int, pts []Point) ([]Point, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]Point(nil), pts...))
	m.mu.Unlock()

	out := make([]Point, len(pts))
	for i, p := range pts {
		switch {
		case src == EPSGWGS84 && dst == EPSGWebMercator:
			if math.Abs(p.Y) >= 90 {
				return nil, fmt.Errorf("latitude %v is singular", p.Y)
			}
			out[i] = Point{
				X: p.X * math.Pi / 180 * earthRadius,
				Y: math.Log(math.Tan(math.Pi/4+p.Y*math.Pi/360)) * earthRadius,
			}
		case src == EPSGWebMercator && dst == EPSGWGS84:
			out[i] = Point{
				X: p.X / earthRadius * 180 / math.Pi,
				Y: (2*math.Atan(math.Exp(p.Y/earthRadius)) - math.Pi/2) * 180 / math.Pi,
			}
		default:
			out[i] = p
		}
	}
	return out, nil
}

type failingTransformer struct{}

func (failingTransformer) Transform(int, int, []Point) ([]Point, error) {
	return nil, errors.New("transform failed")
}

type stubIdentifier struct {
	code  int
	err   error
	calls int
	panic bool
}

func (s *stubIdentifier) IdentifyEPSG(string) (int, error) {
	s.calls++
	if s.panic {
		panic("boom")
	}
	return s.code, s.err
}

type stubLookup struct {
	codes []int
	err   error
	calls int
}

func (s *stubLookup) Lookup(context.Context, string) ([]int, error) {
	s.calls++
	return s.codes, s.err
}

// wktResolver answers from a fixed table keyed by WKT text.
type wktResolver map[string]ProjectionInfo

func (r wktResolver) Resolve(_ context.Context, wkt string) ProjectionInfo {
	if p, ok := r[wkt]; ok {
		return p
	}
	return UnknownProjection
}

type zipEntry struct {
	name string
	body []byte
}

func writeZip(t *testing.T, dir, name string, entries []zipEntry) string {
	t.Helper()

	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("Failed to create zip: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("Failed to add %s: %v", e.name, err)
		}
		if _, err := w.Write(e.body); err != nil {
			t.Fatalf("Failed to write %s: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to close zip: %v", err)
	}
	return p
}

// writeSevenZip writes entries as a 7z archive holding one uncompressed
// solid stream. Every entry must have a body.
func writeSevenZip(t *testing.T, dir, name string, entries []zipEntry) string {
	t.Helper()

	var packed, names bytes.Buffer
	for _, e := range entries {
		packed.Write(e.body)
		for _, c := range utf16.Encode([]rune(e.name)) {
			names.Write([]byte{byte(c), byte(c >> 8)})
		}
		names.Write([]byte{0, 0})
	}

	var h bytes.Buffer
	num := func(v uint64) { h.Write(sevenZipNumber(v)) }
	u32 := func(v uint32) { h.Write(binary.LittleEndian.AppendUint32(nil, v)) }

	h.WriteByte(0x01) // header
	h.WriteByte(0x04) // main streams info

	h.WriteByte(0x06) // pack info: one stream at offset 0
	num(0)
	num(1)
	h.WriteByte(0x09)
	num(uint64(packed.Len()))
	h.WriteByte(0x00)

	h.WriteByte(0x07) // unpack info: one folder with a single copy coder
	h.WriteByte(0x0B)
	num(1)
	h.WriteByte(0x00)
	num(1)
	h.Write([]byte{0x01, 0x00})
	h.WriteByte(0x0C)
	num(uint64(packed.Len()))
	h.WriteByte(0x00)

	h.WriteByte(0x08) // substreams: one per entry
	h.WriteByte(0x0D)
	num(uint64(len(entries)))
	h.WriteByte(0x09)
	for _, e := range entries[:len(entries)-1] {
		num(uint64(len(e.body)))
	}
	h.Write([]byte{0x0A, 0x01})
	for _, e := range entries {
		u32(crc32.ChecksumIEEE(e.body))
	}
	h.WriteByte(0x00)
	h.WriteByte(0x00)

	h.WriteByte(0x05) // files info: names only
	num(uint64(len(entries)))
	h.WriteByte(0x11)
	num(uint64(names.Len() + 1))
	h.WriteByte(0x00)
	h.Write(names.Bytes())
	h.WriteByte(0x00)

	h.WriteByte(0x00)

	start := binary.LittleEndian.AppendUint64(nil, uint64(packed.Len()))
	start = binary.LittleEndian.AppendUint64(start, uint64(h.Len()))
	start = binary.LittleEndian.AppendUint32(start, crc32.ChecksumIEEE(h.Bytes()))

	var out bytes.Buffer
	out.Write([]byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C, 0, 4})
	out.Write(binary.LittleEndian.AppendUint32(nil, crc32.ChecksumIEEE(start)))
	out.Write(start)
	out.Write(packed.Bytes())
	out.Write(h.Bytes())

	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, out.Bytes(), 0o644); err != nil {
		t.Fatalf("Failed to write 7z archive: %v", err)
	}
	return p
}

// sevenZipNumber encodes v in the 7z variable-length form: the count of
// leading one bits in the first byte gives the number of little-endian bytes
// that follow.
func sevenZipNumber(v uint64) []byte {
	n := 0
	for n < 8 && v >= 1<<(7*(n+1)) {
		n++
	}
	out := []byte{byte(0xFF << (8 - n))}
	if n < 8 {
		out[0] |= byte(v >> (8 * n))
	}
	for i := 0; i < n; i++ {
		out = append(out, byte(v>>(8*i)))
	}
	return out
}

// shapefileBytes builds a point shapefile with an ID attribute and returns
// its .shp, .shx and .dbf contents.
func shapefileBytes(t *testing.T, pts ...shp.Point) (shpData, shxData, dbfData []byte) {
	t.Helper()

	base := filepath.Join(t.TempDir(), "fixture")
	w, err := shp.Create(base+".shp", shp.POINT)
	if err != nil {
		t.Fatalf("Failed to create shapefile: %v", err)
	}
	if err := w.SetFields([]shp.Field{shp.NumberField("ID", 10)}); err != nil {
		t.Fatalf("Failed to set fields: %v", err)
	}
	for i := range pts {
		row := w.Write(&pts[i])
		if err := w.WriteAttribute(int(row), 0, i+1); err != nil {
			t.Fatalf("Failed to write attribute: %v", err)
		}
	}
	w.Close()

	return readFixture(t, base+".shp"), readFixture(t, base+".shx"), readFixture(t, dbfPath(t, base))
}

func readFixture(t *testing.T, p string) []byte {
	t.Helper()
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", filepath.Base(p), err)
	}
	return data
}

// dbfPath returns the table go-shp wrote for base. v0.1.1 names it
// <base>dbf, without the dot.
func dbfPath(t *testing.T, base string) string {
	t.Helper()
	for _, p := range []string{base + ".dbf", base + "dbf"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	t.Fatalf("No .dbf written for %s", filepath.Base(base))
	return ""
}

// bundle returns the four sidecars of a valid shapefile named base.
func bundle(t *testing.T, base, prj string, pts ...shp.Point) []zipEntry {
	t.Helper()
	s, x, d := shapefileBytes(t, pts...)
	return []zipEntry{
		{base + ".shp", s},
		{base + ".shx", x},
		{base + ".dbf", d},
		{base + ".prj", []byte(prj)},
	}
}

type fakeRaster struct {
	wkt        string
	gt         [6]float64
	gtErr      error
	sizeX      int
	sizeY      int
	colorTable bool
	nodata     *float64
	stats      BandStatistics
	statsErr   error
	closed     bool
}

func (f *fakeRaster) ProjectionWKT() string             { return f.wkt }
func (f *fakeRaster) GeoTransform() ([6]float64, error) { return f.gt, f.gtErr }
func (f *fakeRaster) Size() (int, int)                  { return f.sizeX, f.sizeY }
func (f *fakeRaster) HasColorTable() bool               { return f.colorTable }
func (f *fakeRaster) Statistics() (BandStatistics, error) {
	return f.stats, f.statsErr
}
func (f *fakeRaster) Close() error {
	f.closed = true
	return nil
}
func (f *fakeRaster) NoData() (float64, bool) {
	if f.nodata == nil {
		return 0, false
	}
	return *f.nodata, true
}

type fakeOpener struct {
	ds  *fakeRaster
	err error
}

func (o fakeOpener) OpenRaster(string) (RasterDataset, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.ds, nil
}

func float(v float64) *float64 {
	return &v
}
