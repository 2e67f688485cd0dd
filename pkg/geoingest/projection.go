package geoingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ProjectionState tells whether a ProjectionInfo carries a usable EPSG code.
type ProjectionState int

const (
	ProjectionUnknown ProjectionState = iota
	ProjectionResolved
	ProjectionUnsupported
)

// ProjectionInfo is the resolved CRS of a dataset.
type ProjectionInfo struct {
	Code  int // EPSG code; for Unsupported, the code of the matching override
	State ProjectionState
}

// UnknownProjection is the result of a resolution that found nothing.
var UnknownProjection = ProjectionInfo{State: ProjectionUnknown}

// EPSG returns a resolved ProjectionInfo for code.
func EPSG(code int) ProjectionInfo {
	return ProjectionInfo{Code: code, State: ProjectionResolved}
}

// Resolved reports whether the projection has a usable EPSG code.
func (p ProjectionInfo) Resolved() bool {
	return p.State == ProjectionResolved
}

// String returns the EPSG code as text, "UNKNOWN" or "UNSUPPORTED".
func (p ProjectionInfo) String() string {
	switch p.State {
	case ProjectionResolved:
		return strconv.Itoa(p.Code)
	case ProjectionUnsupported:
		return "UNSUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// SRS returns the "EPSG:<code>" form, or "" when unresolved.
func (p ProjectionInfo) SRS() string {
	if !p.Resolved() {
		return ""
	}
	return "EPSG:" + strconv.Itoa(p.Code)
}

// AuthorityIdentifier identifies the EPSG code of a projection definition
// locally, without network access.
type AuthorityIdentifier interface {
	IdentifyEPSG(wkt string) (int, error)
}

// RemoteLookup asks an external service for EPSG codes matching a WKT text.
// Candidates are returned best first.
type RemoteLookup interface {
	Lookup(ctx context.Context, wkt string) ([]int, error)
}

// ProjectionOverride maps a projection whose WKT contains Substring to a
// known code that downstream tools cannot handle.
type ProjectionOverride struct {
	Substring string
	Code      int
}

// DefaultOverrides lists projections reported as UNSUPPORTED.
//
// North America Albers Equal Area Conic has no EPSG code (ESRI:102008) and
// map servers reject it.
var DefaultOverrides = []ProjectionOverride{
	{Substring: "Albers_Equal_Area_Conic", Code: 102008},
}

// ResolverOptions configures a ProjectionResolver.
type ResolverOptions struct {
	// Overrides is matched before any lookup. Nil means DefaultOverrides;
	// an empty non-nil slice disables the table.
	Overrides []ProjectionOverride

	// CacheSize bounds the memo of remote lookup answers. Zero disables it.
	CacheSize int

	// Logger receives debug output for failed stages. Defaults to a discard logger.
	Logger *slog.Logger
}

// DefaultResolverOptions returns resolver options with defaults.
func DefaultResolverOptions() ResolverOptions {
	return ResolverOptions{
		Overrides: nil,
		CacheSize: 256,
	}
}

// ProjectionResolver turns projection text into a ProjectionInfo.
//
// Resolution runs in tiers: the override table, then local authority
// identification, then the remote lookup service. Failures never escape;
// they resolve to UNKNOWN.
//
// Example:
//
//	r := geoingest.NewProjectionResolver(gdal.Identifier{}, prj2epsg.New(prj2epsg.Options{}), geoingest.DefaultResolverOptions())
//	info := r.Resolve(ctx, prjText)
//	if !info.Resolved() {
//	    fmt.Println(info) // UNKNOWN or UNSUPPORTED
//	}
type ProjectionResolver struct {
	local     AuthorityIdentifier
	remote    RemoteLookup
	overrides []ProjectionOverride
	memo      *lru.Cache[string, int]
	log       *slog.Logger
}

// NewProjectionResolver creates a resolver. Either collaborator may be nil to
// skip its tier.
func NewProjectionResolver(local AuthorityIdentifier, remote RemoteLookup, opts ResolverOptions) *ProjectionResolver {
	overrides := opts.Overrides
	if overrides == nil {
		overrides = DefaultOverrides
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := &ProjectionResolver{
		local:     local,
		remote:    remote,
		overrides: overrides,
		log:       logger,
	}
	if opts.CacheSize > 0 {
		// lru.New only fails for a non-positive size.
		r.memo, _ = lru.New[string, int](opts.CacheSize)
	}
	return r
}

// Resolve returns the projection described by wkt.
func (r *ProjectionResolver) Resolve(ctx context.Context, wkt string) ProjectionInfo {
	if strings.TrimSpace(wkt) == "" {
		return UnknownProjection
	}

	for _, o := range r.overrides {
		if o.Substring != "" && strings.Contains(wkt, o.Substring) {
			return ProjectionInfo{Code: o.Code, State: ProjectionUnsupported}
		}
	}

	if r.local != nil {
		code, err := safeIdentify(r.local, wkt)
		if err == nil && code > 0 {
			return EPSG(code)
		}
		r.log.Debug("local authority identification failed", "error", err)
	}

	if r.remote == nil {
		return UnknownProjection
	}

	if r.memo != nil {
		if code, ok := r.memo.Get(wkt); ok {
			return EPSG(code)
		}
	}

	codes, err := safeLookup(ctx, r.remote, wkt)
	if err != nil {
		r.log.Debug("remote projection lookup failed", "error", err)
		return UnknownProjection
	}
	if len(codes) == 0 || codes[0] <= 0 {
		return UnknownProjection
	}

	if r.memo != nil {
		r.memo.Add(wkt, codes[0])
	}
	return EPSG(codes[0])
}

func safeIdentify(id AuthorityIdentifier, wkt string) (code int, err error) {
	defer func() {
		if p := recover(); p != nil {
			code, err = 0, fmt.Errorf("identify epsg: panic: %v", p)
		}
	}()
	return id.IdentifyEPSG(wkt)
}

func safeLookup(ctx context.Context, rl RemoteLookup, wkt string) (codes []int, err error) {
	defer func() {
		if p := recover(); p != nil {
			codes, err = nil, fmt.Errorf("remote lookup: panic: %v", p)
		}
	}()
	return rl.Lookup(ctx, wkt)
}
