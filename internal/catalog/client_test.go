package catalog

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beetlebugorg/geoingest/pkg/geoingest"
)

// fakeServer is a minimal in-memory GeoServer REST catalog.
type fakeServer struct {
	mu         sync.Mutex
	workspaces map[string]bool
	stores     map[string]string // workspace/store -> resource name
	srs        map[string]string // resource name -> srs
	layers     map[string]bool   // ws:name
	styles     map[string]string
	defaults   map[string]string // layer -> style
	uploads    []string
	calls      []string
	failStyle  bool
	conflictWS bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		workspaces: map[string]bool{},
		stores:     map[string]string{},
		srs:        map[string]string{},
		layers:     map[string]bool{},
		styles:     map[string]string{},
		defaults:   map[string]string{},
	}
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if u, p, ok := r.BasicAuth(); !ok || u != "admin" || p != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/geoserver/rest")
	f.calls = append(f.calls, r.Method+" "+path)
	parts := strings.Split(strings.Trim(path, "/"), "/")
	body, _ := io.ReadAll(r.Body)

	switch {
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "workspaces":
		if !f.workspaces[parts[1]] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"workspace":{"name":"` + parts[1] + `"}}`))

	case r.Method == http.MethodPost && path == "/workspaces":
		if f.conflictWS {
			w.WriteHeader(http.StatusConflict)
			return
		}
		name := strings.TrimSuffix(strings.TrimPrefix(string(body), "<workspace><name>"), "</name></workspace>")
		f.workspaces[name] = true
		w.WriteHeader(http.StatusCreated)

	case r.Method == http.MethodPut && len(parts) == 5 && strings.HasPrefix(parts[4], "file."):
		ws, store := parts[1], parts[3]
		if !f.workspaces[ws] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		name := store
		if cn := r.URL.Query().Get("coverageName"); cn != "" {
			name = cn
		}
		f.uploads = append(f.uploads, r.Header.Get("Content-Type")+" "+string(body))
		f.stores[ws+"/"+store] = name
		f.layers[ws+":"+name] = true
		w.WriteHeader(http.StatusCreated)

	case r.Method == http.MethodGet && len(parts) == 5 && strings.HasSuffix(parts[4], ".json"):
		name, ok := f.stores[parts[1]+"/"+parts[3]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if parts[2] == "coveragestores" {
			w.Write([]byte(`{"coverages":{"coverage":[{"name":"` + name + `","href":"x"}]}}`))
			return
		}
		w.Write([]byte(`{"featureTypes":{"featureType":[{"name":"` + name + `","href":"x"}]}}`))

	case r.Method == http.MethodGet && len(parts) == 6:
		name := strings.TrimSuffix(parts[5], ".json")
		wrapper := "featureType"
		if parts[2] == "coveragestores" {
			wrapper = "coverage"
		}
		w.Write([]byte(`{"` + wrapper + `":{"name":"` + name + `","srs":"` + f.srs[name] + `"}}`))

	case r.Method == http.MethodPut && len(parts) == 6:
		if strings.Contains(string(body), `"srs":"`) {
			start := strings.Index(string(body), `"srs":"`) + len(`"srs":"`)
			end := strings.Index(string(body)[start:], `"`)
			f.srs[parts[5]] = string(body)[start : start+end]
		}
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "layers":
		if !f.layers[strings.TrimSuffix(parts[1], ".json")] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"layer":{"name":"x"}}`))

	case r.Method == http.MethodPut && len(parts) == 2 && parts[0] == "layers":
		start := strings.Index(string(body), `"name":"`) + len(`"name":"`)
		end := strings.Index(string(body)[start:], `"`)
		f.defaults[parts[1]] = string(body)[start : start+end]
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && path == "/styles":
		if f.failStyle {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)

	case r.Method == http.MethodPut && len(parts) == 2 && parts[0] == "styles":
		f.styles[parts[1]] = string(body)
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func setup(t *testing.T, csw bool) (*fakeServer, *Client) {
	t.Helper()
	fake := newFakeServer()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:  srv.URL + "/geoserver",
		Username: "admin",
		Password: "secret",
		CSW:      csw,
	})
	require.NoError(t, err)
	return fake, c
}

func tempFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestEnsureWorkspace(t *testing.T) {
	fake, c := setup(t, false)
	ctx := context.Background()

	require.NoError(t, c.EnsureWorkspace(ctx, "ingest"))
	assert.True(t, fake.workspaces["ingest"])

	require.NoError(t, c.EnsureWorkspace(ctx, "ingest"))
	assert.Equal(t, []string{
		"GET /workspaces/ingest",
		"POST /workspaces",
		"GET /workspaces/ingest",
	}, fake.calls)
}

func TestEnsureWorkspaceConflictIsSuccess(t *testing.T) {
	fake, c := setup(t, false)
	fake.conflictWS = true

	assert.NoError(t, c.EnsureWorkspace(context.Background(), "ingest"))
}

func TestEnsureWorkspaceUnauthorized(t *testing.T) {
	fake := newFakeServer()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/geoserver", Username: "admin", Password: "wrong"})
	require.NoError(t, err)

	err = c.EnsureWorkspace(context.Background(), "ingest")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestPublishVectorDeclaresProjection(t *testing.T) {
	fake, c := setup(t, false)
	ctx := context.Background()
	s := c.NewSession("ingest")

	zip := tempFile(t, "roads.zip", "PK")
	require.NoError(t, s.PublishVector(ctx, "roads", zip, "EPSG:4326"))

	require.Len(t, fake.uploads, 1)
	assert.Equal(t, "application/zip PK", fake.uploads[0])
	assert.Equal(t, "EPSG:4326", fake.srs["roads"])

	res, err := s.Resource(ctx, DataStore, "roads")
	require.NoError(t, err)
	assert.Equal(t, "roads", res.Name)
	assert.Equal(t, "ingest:roads", res.Layer)
	assert.Equal(t, "EPSG:4326", res.SRS)
}

func TestPublishVectorKeepsExistingProjection(t *testing.T) {
	fake, c := setup(t, false)
	fake.srs["roads"] = "EPSG:32616"
	s := c.NewSession("ingest")

	require.NoError(t, s.PublishVector(context.Background(), "roads", tempFile(t, "r.zip", "PK"), "EPSG:4326"))
	assert.Equal(t, "EPSG:32616", fake.srs["roads"])
}

func TestPublishRasterWithStyle(t *testing.T) {
	fake, c := setup(t, false)
	s := c.NewSession("ingest")

	tif := tempFile(t, "dem.tif", "II*")
	require.NoError(t, s.PublishRaster(context.Background(), "dem", tif, "EPSG:32616", "<sld/>"))

	assert.Equal(t, "image/tiff II*", fake.uploads[0])
	assert.Equal(t, "<sld/>", fake.styles["dem"])
	assert.Equal(t, "dem", fake.defaults["ingest:dem"])
	assert.Equal(t, "EPSG:32616", fake.srs["dem"])
}

func TestPublishRasterStyleFailureKeepsLayer(t *testing.T) {
	fake, c := setup(t, false)
	fake.failStyle = true
	s := c.NewSession("ingest")

	require.NoError(t, s.PublishRaster(context.Background(), "dem", tempFile(t, "d.tif", "II*"), "", "<sld/>"))
	assert.Empty(t, fake.defaults)
	assert.True(t, fake.layers["ingest:dem"])
}

func TestPublishRasterNoStyle(t *testing.T) {
	fake, c := setup(t, false)
	s := c.NewSession("ingest")

	require.NoError(t, s.PublishRaster(context.Background(), "dem", tempFile(t, "d.tif", "II*"), "", ""))
	for _, call := range fake.calls {
		assert.NotContains(t, call, "/styles")
	}
}

func TestPublishMissingFile(t *testing.T) {
	_, c := setup(t, false)
	err := c.NewSession("ingest").PublishVector(context.Background(), "x", filepath.Join(t.TempDir(), "nope.zip"), "")
	assert.Error(t, err)
}

func TestMint(t *testing.T) {
	_, c := setup(t, true)
	ctx := context.Background()
	s := c.NewSession("ingest")

	require.NoError(t, s.PublishVector(ctx, "roads", tempFile(t, "r.zip", "PK"), ""))

	extent := geoingest.Extent{MinX: -100, MinY: 30, MaxX: -90, MaxY: 40, Known: true}
	d, err := s.Mint(ctx, DataStore, "roads", extent)
	require.NoError(t, err)

	assert.Equal(t, c.WMSURL(), d.ServiceURL)
	assert.Equal(t, "ingest:roads", d.LayerName)
	assert.Equal(t, c.WMSURL()+"?request=GetMap&layers=ingest:roads&bbox=-100,30,-90,40&width=640&height=480&srs=EPSG:3857&format=image%2Fpng", d.RenderedMapURL)
	assert.True(t, strings.HasSuffix(d.CSWServiceURL, "/geoserver/csw"))
	assert.Equal(t, d.CSWServiceURL+"?service=CSW&version=2.0.2&request=GetRecordById&elementsetname=summary"+
		"&id=ingest:roads&typeNames=gmd:MD_Metadata&resultType=results&elementSetName=full"+
		"&outputSchema=http://www.isotc211.org/2005/gmd", d.CSWRecordURL)
}

func TestMintBehindProxy(t *testing.T) {
	fake := newFakeServer()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c, err := New(Config{
		BaseURL:   srv.URL + "/geoserver",
		Username:  "admin",
		Password:  "secret",
		CSW:       true,
		PublicURL: "https://portal.example.org/",
	})
	require.NoError(t, err)

	ctx := context.Background()
	s := c.NewSession("ingest")
	require.NoError(t, s.PublishVector(ctx, "roads", tempFile(t, "r.zip", "PK"), ""))

	d, err := s.Mint(ctx, DataStore, "roads", geoingest.UnknownExtent)
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example.org/geoserver/csw", d.CSWServiceURL)
}

func TestMintWithoutCSW(t *testing.T) {
	_, c := setup(t, false)
	ctx := context.Background()
	s := c.NewSession("ingest")
	require.NoError(t, s.PublishVector(ctx, "roads", tempFile(t, "r.zip", "PK"), ""))

	d, err := s.Mint(ctx, DataStore, "roads", geoingest.UnknownExtent)
	require.NoError(t, err)
	assert.Empty(t, d.CSWServiceURL)
	assert.Empty(t, d.CSWRecordURL)
	assert.Contains(t, d.RenderedMapURL, "bbox=UNKNOWN")
}

func TestMintMissingStoreIsEmpty(t *testing.T) {
	_, c := setup(t, false)
	d, err := c.NewSession("ingest").Mint(context.Background(), DataStore, "ghost", geoingest.UnknownExtent)
	require.NoError(t, err)
	assert.True(t, d.Empty())
}

func TestSessionCacheInvalidatedOnUpload(t *testing.T) {
	fake, c := setup(t, false)
	ctx := context.Background()
	s := c.NewSession("ingest")

	require.NoError(t, s.PublishVector(ctx, "roads", tempFile(t, "r.zip", "PK"), ""))
	first, err := s.Resource(ctx, DataStore, "roads")
	require.NoError(t, err)
	assert.Empty(t, first.SRS)

	fake.mu.Lock()
	fake.srs["roads"] = "EPSG:26916"
	fake.mu.Unlock()

	cached, err := s.Resource(ctx, DataStore, "roads")
	require.NoError(t, err)
	assert.Empty(t, cached.SRS)
	assert.Equal(t, 1, s.Cache().Stats().Hits)

	require.NoError(t, s.PublishVector(ctx, "roads", tempFile(t, "r.zip", "PK"), ""))
	fresh, err := s.Resource(ctx, DataStore, "roads")
	require.NoError(t, err)
	assert.Equal(t, "EPSG:26916", fresh.SRS)
}

func TestSessionsDoNotShareCache(t *testing.T) {
	_, c := setup(t, false)
	ctx := context.Background()

	a := c.NewSession("ingest")
	require.NoError(t, a.PublishVector(ctx, "roads", tempFile(t, "r.zip", "PK"), ""))
	_, err := a.Resource(ctx, DataStore, "roads")
	require.NoError(t, err)

	b := c.NewSession("ingest")
	assert.Equal(t, 0, b.Cache().Stats().Stores)
}

func TestThumbnail(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG"))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	png, err := c.NewSession("ws").Thumbnail(context.Background(), "ws:roads",
		geoingest.Extent{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1, Known: true}, 100, 50)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png)
	assert.Contains(t, gotQuery, "width=100&height=50")
}

func TestResourceCacheLoaderError(t *testing.T) {
	c := NewResourceCache(2)
	_, err := c.Get(StoreKey{"a", "b"}, func() (*Resource, error) {
		return nil, errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 0, c.Stats().Stores)

	r, err := c.Get(StoreKey{"a", "b"}, func() (*Resource, error) {
		return &Resource{Name: "b"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "b", r.Name)

	c.Clear()
	assert.Equal(t, 0, c.Stats().Stores)
}
