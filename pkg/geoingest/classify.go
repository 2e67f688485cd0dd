package geoingest

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DatasetKind selects the validator for an upload.
type DatasetKind int

const (
	DatasetUnknown DatasetKind = iota
	DatasetVector
	DatasetRaster
)

func (k DatasetKind) String() string {
	switch k {
	case DatasetVector:
		return "vector"
	case DatasetRaster:
		return "raster"
	default:
		return "unknown"
	}
}

// RoutingKeys are the topic bindings of the uploads this package handles.
var RoutingKeys = []string{
	"*.file.multi.files-zipped.#",
	"*.file.application.zip",
	"*.file.application.x-zip",
	"*.file.application.x-7z-compressed",
	"*.file.image.tiff",
	"*.file.image.tif",
}

var (
	vectorMIMEs = []string{"application/zip", "application/x-zip", "application/x-zip-compressed", "application/x-7z-compressed"}
	rasterMIMEs = []string{"image/tiff", "image/tif"}
)

// Classify decides the dataset kind of an upload. The routing key wins, then
// the file name extension, then the content of the file at path.
func Classify(routingKey, fileName, path string) DatasetKind {
	if k := classifyRoutingKey(routingKey); k != DatasetUnknown {
		return k
	}

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".zip", ".7z":
		return DatasetVector
	case ".tif", ".tiff", ".geotiff":
		return DatasetRaster
	}

	if path == "" {
		return DatasetUnknown
	}
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return DatasetUnknown
	}
	return classifyMIME(m)
}

func classifyRoutingKey(key string) DatasetKind {
	if key == "" {
		return DatasetUnknown
	}
	if strings.Contains(key, ".multi.files-zipped") {
		return DatasetVector
	}

	// <prefix>.file.<type>.<subtype>
	i := strings.Index(key, ".file.")
	if i < 0 {
		return DatasetUnknown
	}
	mime := strings.Replace(key[i+len(".file."):], ".", "/", 1)

	for _, v := range vectorMIMEs {
		if mime == v {
			return DatasetVector
		}
	}
	for _, r := range rasterMIMEs {
		if mime == r {
			return DatasetRaster
		}
	}
	return DatasetUnknown
}

func classifyMIME(m *mimetype.MIME) DatasetKind {
	switch {
	case m.Is("application/zip"), m.Is("application/x-7z-compressed"):
		return DatasetVector
	case m.Is("image/tiff"):
		return DatasetRaster
	default:
		return DatasetUnknown
	}
}

// IsSevenZip reports whether the file at path is a 7z archive.
func IsSevenZip(path string) bool {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return false
	}
	return m.Is("application/x-7z-compressed")
}
