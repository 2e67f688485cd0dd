// Package geoingest validates uploaded geospatial datasets and resolves their
// coordinate reference system and extent.
//
// Two dataset kinds are supported: compressed shapefile bundles (.shp, .shx,
// .dbf and .prj packed into one archive) and single-band GeoTIFF rasters.
// Each kind has its own validator; both share the projection resolver and the
// extent reprojector, and both report their findings as an ordered list of
// diagnostics rather than as errors.
//
// # Quick Start
//
//	resolver := geoingest.NewProjectionResolver(gdal.Identifier{}, lookup, geoingest.DefaultResolverOptions())
//	reprojector := geoingest.NewExtentReprojector(gdal.Transformer{})
//
//	v := geoingest.NewVectorBundleValidator(resolver, reprojector, geoingest.DefaultVectorOptions())
//	set, result, err := v.Validate(ctx, "/tmp/parcels.zip")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer set.Workspace.Close()
//
//	if !result.OK {
//	    for _, d := range result.Diagnostics {
//	        fmt.Println(d.Message)
//	    }
//	}
//	fmt.Println(result.Projection, result.Extent) // 26916 -9754990.1,5130342.8,...
//
// # Extents
//
// Extents are always expressed in Web Mercator (EPSG:3857) and serialized as a
// comma-joined "minX,minY,maxX,maxY" string, the form map servers accept in a
// WMS bbox parameter. An extent that could not be computed serializes as
// "UNKNOWN".
//
// # Workspaces
//
// Every vector validation extracts into its own ArchiveWorkspace. The caller
// owns the workspace returned in VectorComponentSet and must Close it; Close
// is idempotent and tolerates a directory that is already gone.
package geoingest
