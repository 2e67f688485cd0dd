// Package catalog publishes datasets to a GeoServer catalog over its REST API
// and derives the WMS descriptors of the resulting layers.
//
// A Client holds connection settings only. Per-job state lives in a Session,
// which owns a ResourceCache scoped to that job.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrNotFound is returned when the catalog has no such object.
var ErrNotFound = errors.New("not found")

// StatusError is an unexpected HTTP status from the catalog.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Config holds the catalog connection settings.
type Config struct {
	// BaseURL is the GeoServer root, e.g. https://maps.example.org/geoserver/.
	BaseURL  string
	Username string
	Password string

	// CSW adds the server's CSW service and record URLs to minted descriptors.
	CSW bool

	// PublicURL, when set, is the proxy base that fronts the server. CSW URLs
	// handed to clients are rooted at PublicURL + "geoserver/".
	PublicURL string

	// HTTPClient defaults to a client with a 5 minute timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to one GeoServer instance.
type Client struct {
	rest string
	wms  string
	csw  string

	username string
	password string
	http     *http.Client
	log      *slog.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("catalog: base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse base URL: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		rest:     base.JoinPath("rest").String(),
		wms:      base.JoinPath("wms").String(),
		username: cfg.Username,
		password: cfg.Password,
		http:     hc,
		log:      logger,
	}
	if cfg.CSW {
		c.csw = base.JoinPath("csw").String()
		if cfg.PublicURL != "" {
			pub, err := url.Parse(cfg.PublicURL)
			if err != nil {
				return nil, fmt.Errorf("catalog: parse public URL: %w", err)
			}
			c.csw = pub.JoinPath("geoserver", "csw").String()
		}
	}
	return c, nil
}

// WMSURL returns the WMS endpoint.
func (c *Client) WMSURL() string {
	return c.wms
}

type request struct {
	method      string
	path        string // relative to the REST root
	query       url.Values
	contentType string
	body        io.Reader
	want        []int
}

// do issues a REST request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, r request, out any) error {
	u := c.rest + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, r.body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", r.method, u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s %s: %w", r.method, u, ErrNotFound)
	}

	ok := false
	for _, code := range r.want {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: r.method, URL: u, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", r.method, u, err)
	}
	return nil
}

// EnsureWorkspace creates the workspace when it does not exist.
//
// The check and the create are two requests. Two workers creating the same
// workspace at once can both see it missing; the loser's create fails with a
// conflict, which is treated as success.
func (c *Client) EnsureWorkspace(ctx context.Context, workspace string) error {
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/workspaces/" + url.PathEscape(workspace),
		want:   []int{http.StatusOK},
	}, nil)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("check workspace: %w", err)
	}

	body := "<workspace><name>" + xmlEscape(workspace) + "</name></workspace>"
	err = c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/workspaces",
		contentType: "text/xml",
		body:        strings.NewReader(body),
		want:        []int{http.StatusCreated},
	}, nil)

	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		c.log.Debug("workspace created concurrently", "workspace", workspace)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	c.log.Info("created workspace", "workspace", workspace)
	return nil
}

// UploadStyle creates a named SLD style and uploads its body.
func (c *Client) UploadStyle(ctx context.Context, name, sld string) error {
	meta := "<style><name>" + xmlEscape(name) + "</name><filename>" + xmlEscape(name) + ".sld</filename></style>"
	if err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/styles",
		contentType: "text/xml",
		body:        strings.NewReader(meta),
		want:        []int{http.StatusCreated},
	}, nil); err != nil {
		return fmt.Errorf("create style: %w", err)
	}

	if err := c.do(ctx, request{
		method:      http.MethodPut,
		path:        "/styles/" + url.PathEscape(name),
		contentType: "application/vnd.ogc.sld+xml",
		body:        strings.NewReader(sld),
		want:        []int{http.StatusOK},
	}, nil); err != nil {
		return fmt.Errorf("upload style body: %w", err)
	}
	return nil
}

// SetDefaultStyle assigns a style to a layer (workspace:name).
func (c *Client) SetDefaultStyle(ctx context.Context, layer, style string) error {
	body, err := json.Marshal(map[string]any{
		"layer": map[string]any{
			"defaultStyle": map[string]string{"name": style},
		},
	})
	if err != nil {
		return err
	}
	if err := c.do(ctx, request{
		method:      http.MethodPut,
		path:        "/layers/" + url.PathEscape(layer),
		contentType: "application/json",
		body:        bytes.NewReader(body),
		want:        []int{http.StatusOK},
	}, nil); err != nil {
		return fmt.Errorf("set default style: %w", err)
	}
	return nil
}

func (c *Client) uploadFile(ctx context.Context, path, contentType, restPath string, query url.Values) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	return c.do(ctx, request{
		method:      http.MethodPut,
		path:        restPath,
		query:       query,
		contentType: contentType,
		body:        f,
		want:        []int{http.StatusCreated},
	}, nil)
}

func xmlEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&apos;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
