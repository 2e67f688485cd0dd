package geoingest

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure or an outcome of a validation or pipeline step.
type ErrorKind string

const (
	// KindNotGeospatial marks an input that is not a geospatial dataset. It is
	// informational, never an error.
	KindNotGeospatial ErrorKind = "NotGeospatial"

	KindStructural                   ErrorKind = "StructuralError"
	KindProjectionUnresolved         ErrorKind = "ProjectionUnresolved"
	KindExtentUnresolved             ErrorKind = "ExtentUnresolved"
	KindSpecialProjectionUnsupported ErrorKind = "SpecialProjectionUnsupported"
	KindTransport                    ErrorKind = "TransportError"
	KindCatalogUploadFailed          ErrorKind = "CatalogUploadFailed"
	KindMetadataMintFailed           ErrorKind = "MetadataMintFailed"
	KindUnexpected                   ErrorKind = "UnexpectedError"
)

// StructuralReason names the structural defect of a shapefile bundle.
type StructuralReason string

const (
	ReasonHasDirectory       StructuralReason = "hasDirectory"
	ReasonMultipleShapefiles StructuralReason = "multipleShapefiles"
	ReasonMismatchedNames    StructuralReason = "mismatchedNames"
	ReasonMissingSidecar     StructuralReason = "missingSidecar"
)

// StructuralError describes a shapefile bundle that violates the sidecar rules.
type StructuralError struct {
	Reason    StructuralReason
	Extension string // set for ReasonMissingSidecar
}

func (e *StructuralError) Error() string {
	if e.Reason == ReasonMissingSidecar {
		return fmt.Sprintf("structural error: %s (%s)", e.Reason, e.Extension)
	}
	return fmt.Sprintf("structural error: %s", e.Reason)
}

// PipelineError is a classified failure of one pipeline step.
type PipelineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError wraps err with a kind and the operation that failed.
func NewPipelineError(kind ErrorKind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first PipelineError in err's chain, or
// KindUnexpected for anything unclassified.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var se *StructuralError
	if errors.As(err, &se) {
		return KindStructural
	}
	return KindUnexpected
}
