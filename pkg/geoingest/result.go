package geoingest

// Diagnostic messages reported to the caller. The wording is part of the
// status protocol consumers already match on, misspellings included.
const (
	MsgNotShapefileBundle  = "normal compressed file"
	MsgHasDirectory        = "a compressed shapefile can not have directory"
	MsgMultipleShapefiles  = "a compressed shapefile can not have multiple shpefiles"
	MsgMismatchedNames     = "a shapefile files (.shp, .shx, .dbf, .prj) should have same name"
	MsgMissingShx          = ".shx file is missing"
	MsgMissingDbf          = ".dbf file is missing"
	MsgMissingPrj          = ".prj file is missing"
	MsgProjectionUnknown   = "The projection ccould not be recognized"
	MsgExtentUnknown       = "The extent could not be calculated"
	MsgNotGeoTIFF          = "Normal TIFF file"
	MsgCatalogUploadFailed = "Fail to upload the file to geoserver"
	MsgMetadataMintFailed  = "Coulnd't generate metadata"
)

// Diagnostic is a single finding of a validator.
type Diagnostic struct {
	Kind    ErrorKind
	Message string
	Err     error // underlying structural error, if any
}

// ProcessingResult is the outcome of validating one dataset.
//
// A result is either OK, informational (the input is not a geospatial
// dataset, which is not an error), or failed with at least one diagnostic.
type ProcessingResult struct {
	OK            bool
	Informational bool
	Diagnostics   []Diagnostic
	Projection    ProjectionInfo
	Extent        Extent
	Layer         *LayerDescriptor
}

// LayerDescriptor identifies a layer published to the map-serving catalog.
type LayerDescriptor struct {
	ServiceURL     string // WMS service endpoint
	LayerName      string // workspace:layer
	RenderedMapURL string // GetMap request for the layer extent

	CSWServiceURL string // optional
	CSWRecordURL  string // optional
}

// Empty reports whether the descriptor carries no layer.
func (d *LayerDescriptor) Empty() bool {
	return d == nil || d.LayerName == "" || d.ServiceURL == ""
}

// Messages returns the diagnostic messages in order.
func (r ProcessingResult) Messages() []string {
	msgs := make([]string, len(r.Diagnostics))
	for i, d := range r.Diagnostics {
		msgs[i] = d.Message
	}
	return msgs
}

func (r *ProcessingResult) add(kind ErrorKind, msg string, err error) {
	r.Diagnostics = append(r.Diagnostics, Diagnostic{Kind: kind, Message: msg, Err: err})
}

// finish sets OK from the collected diagnostics.
func (r *ProcessingResult) finish() {
	r.OK = len(r.Diagnostics) == 0
}

func informational(msg string) ProcessingResult {
	return ProcessingResult{
		OK:            true,
		Informational: true,
		Diagnostics:   []Diagnostic{{Kind: KindNotGeospatial, Message: msg}},
		Projection:    UnknownProjection,
		Extent:        UnknownExtent,
	}
}
