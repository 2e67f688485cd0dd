package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/beetlebugorg/geoingest/pkg/geoingest"
)

// Map preview parameters used in minted layer URLs.
const (
	PreviewWidth  = 640
	PreviewHeight = 480
	PreviewSRS    = "EPSG:3857"
)

// StoreType distinguishes vector data stores from raster coverage stores.
type StoreType int

const (
	DataStore StoreType = iota
	CoverageStore
)

func (t StoreType) collection() string {
	if t == CoverageStore {
		return "coveragestores"
	}
	return "datastores"
}

func (t StoreType) resources() string {
	if t == CoverageStore {
		return "coverages"
	}
	return "featuretypes"
}

// Resource is the first published resource of a store and its layer.
type Resource struct {
	Name string
	Type StoreType
	SRS  string

	// Layer is empty when no layer was published for the resource.
	Layer string
}

// Session performs catalog operations for a single job. Its cache never
// outlives the job.
type Session struct {
	client    *Client
	workspace string
	cache     *ResourceCache
}

// NewSession opens a session bound to workspace.
func (c *Client) NewSession(workspace string) *Session {
	return &Session{
		client:    c,
		workspace: workspace,
		cache:     NewResourceCache(8),
	}
}

// Workspace returns the session's workspace.
func (s *Session) Workspace() string {
	return s.workspace
}

// Cache exposes the session cache.
func (s *Session) Cache() *ResourceCache {
	return s.cache
}

func (s *Session) storePath(t StoreType, store string) string {
	return "/workspaces/" + url.PathEscape(s.workspace) + "/" + t.collection() + "/" + url.PathEscape(store)
}

// PublishVector uploads a zipped shapefile bundle as store and declares srs
// on the new feature type when the server could not determine one.
func (s *Session) PublishVector(ctx context.Context, store, zipPath, srs string) error {
	if err := s.client.EnsureWorkspace(ctx, s.workspace); err != nil {
		return err
	}

	key := StoreKey{s.workspace, store}
	s.cache.Invalidate(key)

	if err := s.client.uploadFile(ctx, zipPath, "application/zip", s.storePath(DataStore, store)+"/file.shp", nil); err != nil {
		return fmt.Errorf("upload shapefile: %w", err)
	}
	s.client.log.Info("uploaded shapefile", "workspace", s.workspace, "store", store)

	return s.declareProjection(ctx, DataStore, store, srs)
}

// PublishRaster uploads a GeoTIFF as store, declares srs when needed and
// attaches style as the layer default. An empty style skips styling.
func (s *Session) PublishRaster(ctx context.Context, store, tifPath, srs, style string) error {
	if err := s.client.EnsureWorkspace(ctx, s.workspace); err != nil {
		return err
	}

	key := StoreKey{s.workspace, store}
	s.cache.Invalidate(key)

	q := url.Values{"coverageName": {store}}
	if err := s.client.uploadFile(ctx, tifPath, "image/tiff", s.storePath(CoverageStore, store)+"/file.geotiff", q); err != nil {
		return fmt.Errorf("upload geotiff: %w", err)
	}
	s.client.log.Info("uploaded geotiff", "workspace", s.workspace, "store", store)

	if err := s.declareProjection(ctx, CoverageStore, store, srs); err != nil {
		return err
	}
	if style == "" {
		return nil
	}

	if err := s.client.UploadStyle(ctx, store, style); err != nil {
		// The layer is published; it keeps the server's default style.
		s.client.log.Warn("raster style upload failed", "store", store, "error", err)
		return nil
	}

	res, err := s.Resource(ctx, CoverageStore, store)
	if err != nil {
		return err
	}
	if res.Layer == "" {
		return nil
	}
	return s.client.SetDefaultStyle(ctx, res.Layer, store)
}

func (s *Session) declareProjection(ctx context.Context, t StoreType, store, srs string) error {
	if srs == "" {
		return nil
	}
	res, err := s.Resource(ctx, t, store)
	if err != nil {
		return fmt.Errorf("declare projection: %w", err)
	}
	if res.SRS != "" {
		return nil
	}

	wrapper := "featureType"
	if t == CoverageStore {
		wrapper = "coverage"
	}
	body, err := json.Marshal(map[string]any{
		wrapper: map[string]string{
			"srs":              srs,
			"projectionPolicy": "FORCE_DECLARED",
		},
	})
	if err != nil {
		return err
	}

	if err := s.client.do(ctx, request{
		method:      http.MethodPut,
		path:        s.storePath(t, store) + "/" + t.resources() + "/" + url.PathEscape(res.Name),
		contentType: "application/json",
		body:        bytes.NewReader(body),
		want:        []int{http.StatusOK},
	}, nil); err != nil {
		return fmt.Errorf("declare projection: %w", err)
	}

	res.SRS = srs
	return nil
}

type resourceList struct {
	Items []resourceRef
}

type resourceRef struct {
	Name string `json:"name"`
}

// UnmarshalJSON handles both {"featureTypes": {"featureType": [...]}} and the
// empty-string form the server sends for stores without resources.
func (l *resourceList) UnmarshalJSON(b []byte) error {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(b, &outer); err != nil {
		return err
	}
	for _, inner := range outer {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(inner, &wrapped); err != nil {
			// "" means an empty list
			continue
		}
		for _, raw := range wrapped {
			var refs []resourceRef
			if err := json.Unmarshal(raw, &refs); err != nil {
				return err
			}
			l.Items = append(l.Items, refs...)
		}
	}
	return nil
}

type resourceDetail struct {
	SRS string `json:"srs"`
}

// Resource returns the first resource of store and its layer, from the
// session cache when possible.
func (s *Session) Resource(ctx context.Context, t StoreType, store string) (*Resource, error) {
	return s.cache.Get(StoreKey{s.workspace, store}, func() (*Resource, error) {
		return s.loadResource(ctx, t, store)
	})
}

func (s *Session) loadResource(ctx context.Context, t StoreType, store string) (*Resource, error) {
	var list resourceList
	if err := s.client.do(ctx, request{
		method: http.MethodGet,
		path:   s.storePath(t, store) + "/" + t.resources() + ".json",
		want:   []int{http.StatusOK},
	}, &list); err != nil {
		return nil, err
	}
	if len(list.Items) == 0 {
		return nil, fmt.Errorf("store %s has no resources: %w", store, ErrNotFound)
	}

	res := &Resource{Name: list.Items[0].Name, Type: t}

	detail := map[string]resourceDetail{}
	if err := s.client.do(ctx, request{
		method: http.MethodGet,
		path:   s.storePath(t, store) + "/" + t.resources() + "/" + url.PathEscape(res.Name) + ".json",
		want:   []int{http.StatusOK},
	}, &detail); err != nil {
		return nil, err
	}
	for _, d := range detail {
		res.SRS = d.SRS
	}

	layer := s.workspace + ":" + res.Name
	err := s.client.do(ctx, request{
		method: http.MethodGet,
		path:   "/layers/" + url.PathEscape(layer) + ".json",
		want:   []int{http.StatusOK},
	}, nil)
	switch {
	case err == nil:
		res.Layer = layer
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}
	return res, nil
}

// Mint builds the WMS (and CSW, when configured) descriptor for the layer
// published from store. A store without a layer yields an empty descriptor.
func (s *Session) Mint(ctx context.Context, t StoreType, store string, extent geoingest.Extent) (geoingest.LayerDescriptor, error) {
	res, err := s.Resource(ctx, t, store)
	if errors.Is(err, ErrNotFound) {
		return geoingest.LayerDescriptor{}, nil
	}
	if err != nil {
		return geoingest.LayerDescriptor{}, fmt.Errorf("mint metadata: %w", err)
	}
	if res.Layer == "" {
		return geoingest.LayerDescriptor{}, nil
	}

	c := s.client
	d := geoingest.LayerDescriptor{
		ServiceURL:     c.wms,
		LayerName:      res.Layer,
		RenderedMapURL: c.wms + "?" + GetMapQuery(res.Layer, extent, PreviewWidth, PreviewHeight),
	}
	if c.csw != "" {
		d.CSWServiceURL = c.csw
		d.CSWRecordURL = RecordURL(c.csw, res.Layer)
	}
	return d, nil
}

// GetMapQuery returns the query string of a PNG GetMap request. The layer
// name is left unescaped so the URL keeps the readable workspace:name form.
func GetMapQuery(layer string, extent geoingest.Extent, width, height int) string {
	return fmt.Sprintf("request=GetMap&layers=%s&bbox=%s&width=%d&height=%d&srs=%s&format=image%%2Fpng",
		layer, extent.String(), width, height, PreviewSRS)
}

// RecordURL is the ISO 19139 GetRecordById URL of the record for layer.
func RecordURL(csw, layer string) string {
	return csw + "?service=CSW&version=2.0.2&request=GetRecordById&elementsetname=summary" +
		"&id=" + layer + "&typeNames=gmd:MD_Metadata&resultType=results&elementSetName=full" +
		"&outputSchema=http://www.isotc211.org/2005/gmd"
}

// Thumbnail renders the layer as a PNG of the given size.
func (s *Session) Thumbnail(ctx context.Context, layer string, extent geoingest.Extent, width, height int) ([]byte, error) {
	u := s.client.wms + "?" + GetMapQuery(layer, extent, width, height)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.client.username, s.client.password)

	resp, err := s.client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("thumbnail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: http.MethodGet, URL: u, Code: resp.StatusCode}
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
