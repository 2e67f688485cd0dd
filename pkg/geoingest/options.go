package geoingest

import "log/slog"

// EngineOptions configures the validators built by NewValidators.
type EngineOptions struct {
	// WorkspaceRoot is where vector workspaces are created. Empty means os.TempDir.
	WorkspaceRoot string

	// StyleTemplate is an SLD template path for rasters. Empty uses DefaultStyleTemplate.
	StyleTemplate string

	// Overrides replaces DefaultOverrides when non-nil.
	Overrides []ProjectionOverride

	// LookupCacheSize bounds the memo of remote projection lookups.
	LookupCacheSize int

	Logger *slog.Logger
}

// DefaultEngineOptions returns default options.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		LookupCacheSize: 256,
	}
}

// Engine is the set of collaborators the validators need.
type Engine struct {
	Identifier  AuthorityIdentifier
	Lookup      RemoteLookup
	Transformer Transformer
	Opener      RasterOpener
}

// NewValidators wires a resolver and reprojector shared by one vector and one
// raster validator.
func NewValidators(e Engine, opts EngineOptions) Validators {
	resolver := NewProjectionResolver(e.Identifier, e.Lookup, ResolverOptions{
		Overrides: opts.Overrides,
		CacheSize: opts.LookupCacheSize,
		Logger:    opts.Logger,
	})
	reprojector := NewExtentReprojector(e.Transformer)

	vopts := DefaultVectorOptions()
	vopts.WorkspaceRoot = opts.WorkspaceRoot

	vs := Validators{
		Vector:        NewVectorBundleValidator(resolver, reprojector, vopts),
		StyleTemplate: opts.StyleTemplate,
	}
	if e.Opener != nil {
		vs.Raster = NewRasterValidator(e.Opener, resolver, reprojector, RasterOptions{Logger: opts.Logger})
	}
	return vs
}

// Reprojector returns the reprojector shared by the validators.
func (vs Validators) Reprojector() *ExtentReprojector {
	if vs.Vector != nil {
		return vs.Vector.reprojector
	}
	if vs.Raster != nil {
		return vs.Raster.reprojector
	}
	return nil
}
