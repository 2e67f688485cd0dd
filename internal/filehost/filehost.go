// Package filehost talks to the file repository that hands out ingest jobs:
// it downloads the uploaded file and attaches JSON-LD metadata and previews
// to it.
package filehost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/beetlebugorg/geoingest/pkg/geoingest"
)

// Defaults for JSON-LD documents.
const (
	DefaultContextURL       = "https://clowder.ncsa.illinois.edu/contexts/metadata.jsonld"
	DefaultExtractorBaseURL = "https://clowder.ncsa.illinois.edu/clowder/api/extractors/"
	DefaultVocabularyURL    = "http://clowder.ncsa.illinois.edu/metadata/"
)

// Metadata content keys.
const (
	KeyWMSLayerName  = "WMS Layer Name"
	KeyWMSServiceURL = "WMS Service URL"
	KeyWMSLayerURL   = "WMS Layer URL"
	KeyCSWServiceURL = "CSW Service URL"
	KeyCSWRecordURL  = "CSW Record URL"
)

// Endpoint addresses one repository with its access key. Jobs carry their
// own endpoint.
type Endpoint struct {
	Host string
	Key  string
}

func (e Endpoint) url(path string) (string, error) {
	if e.Host == "" {
		return "", errors.New("filehost: host is empty")
	}
	host := e.Host
	if !strings.HasSuffix(host, "/") {
		host += "/"
	}
	return host + path + "?key=" + url.QueryEscape(e.Key), nil
}

// HTTPError is a non-success response.
type HTTPError struct {
	Op   string
	Code int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("filehost: %s: HTTP %d", e.Op, e.Code)
}

// Options configures a Client.
type Options struct {
	// ExtractorName identifies this worker in metadata and status updates.
	ExtractorName string

	ContextURL       string
	ExtractorBaseURL string
	VocabularyURL    string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultOptions returns options for the public repository vocabulary.
func DefaultOptions(extractor string) Options {
	return Options{
		ExtractorName:    extractor,
		ContextURL:       DefaultContextURL,
		ExtractorBaseURL: DefaultExtractorBaseURL,
		VocabularyURL:    DefaultVocabularyURL,
	}
}

// Client is safe for concurrent use.
type Client struct {
	opts Options
	http *http.Client
	log  *slog.Logger
}

// New creates a client. Empty URL options fall back to the defaults.
func New(opts Options) *Client {
	d := DefaultOptions(opts.ExtractorName)
	if opts.ContextURL == "" {
		opts.ContextURL = d.ContextURL
	}
	if opts.ExtractorBaseURL == "" {
		opts.ExtractorBaseURL = d.ExtractorBaseURL
	}
	if opts.VocabularyURL == "" {
		opts.VocabularyURL = d.VocabularyURL
	}

	c := &Client{opts: opts, http: opts.HTTPClient, log: opts.Logger}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Minute}
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Download streams file id into a new file under dir and returns its path.
// The caller owns the file.
func (c *Client) Download(ctx context.Context, ep Endpoint, id, dir string) (string, error) {
	u, err := ep.url("api/files/" + url.PathEscape(id))
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("filehost: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("filehost: download %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &HTTPError{Op: "download " + id, Code: resp.StatusCode}
	}

	f, err := os.CreateTemp(dir, "download-*")
	if err != nil {
		return "", fmt.Errorf("filehost: create download file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("filehost: download %s: %w", id, err)
	}

	c.log.Debug("downloaded file", "file_id", id, "bytes", n)
	return f.Name(), nil
}

// Metadata is a JSON-LD metadata document.
type Metadata struct {
	Context    []any             `json:"@context"`
	AttachedTo AttachedTo        `json:"attachedTo"`
	Agent      Agent             `json:"agent"`
	Content    map[string]string `json:"content"`
}

// AttachedTo names the resource a document describes.
type AttachedTo struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// Agent names the producer of a document.
type Agent struct {
	Type        string `json:"@type"`
	ExtractorID string `json:"extractor_id"`
}

// BuildMetadata describes layer d for file id. CSW keys are present only
// when d carries CSW URLs.
func (c *Client) BuildMetadata(id string, d geoingest.LayerDescriptor) Metadata {
	content := map[string]string{
		KeyWMSLayerName:  d.LayerName,
		KeyWMSServiceURL: d.ServiceURL,
		KeyWMSLayerURL:   d.RenderedMapURL,
	}
	if d.CSWServiceURL != "" {
		content[KeyCSWServiceURL] = d.CSWServiceURL
		content[KeyCSWRecordURL] = d.CSWRecordURL
	}

	terms := make(map[string]string, len(content))
	for k := range content {
		terms[k] = c.opts.VocabularyURL + c.opts.ExtractorName + "#" + k
	}

	return Metadata{
		Context:    []any{c.opts.ContextURL, terms},
		AttachedTo: AttachedTo{ResourceType: "file", ID: id},
		Agent: Agent{
			Type:        "cat:extractor",
			ExtractorID: c.opts.ExtractorBaseURL + c.opts.ExtractorName,
		},
		Content: content,
	}
}

// UploadMetadata attaches md to file id.
func (c *Client) UploadMetadata(ctx context.Context, ep Endpoint, id string, md Metadata) error {
	body, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("filehost: encode metadata: %w", err)
	}
	u, err := ep.url("api/files/" + url.PathEscape(id) + "/metadata.jsonld")
	if err != nil {
		return err
	}
	if err := c.post(ctx, u, "application/json", bytes.NewReader(body), nil); err != nil {
		return fmt.Errorf("filehost: upload metadata for %s: %w", id, err)
	}
	c.log.Debug("uploaded metadata", "file_id", id)
	return nil
}

// UploadPreview stores png as a preview and associates it with file id.
func (c *Client) UploadPreview(ctx context.Context, ep Endpoint, id string, png []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("File", id+".png")
	if err != nil {
		return err
	}
	if _, err := part.Write(png); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	u, err := ep.url("api/previews")
	if err != nil {
		return err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, u, mw.FormDataContentType(), &buf, &created); err != nil {
		return fmt.Errorf("filehost: upload preview: %w", err)
	}
	if created.ID == "" {
		return errors.New("filehost: upload preview: no preview id returned")
	}

	assoc, err := json.Marshal(map[string]string{
		"extractor_id":     c.opts.ExtractorName,
		"preview_type":     "thumbnail",
		"preview_mimetype": "image/png",
	})
	if err != nil {
		return err
	}
	u, err = ep.url("api/files/" + url.PathEscape(id) + "/previews/" + url.PathEscape(created.ID))
	if err != nil {
		return err
	}
	if err := c.post(ctx, u, "application/json", bytes.NewReader(assoc), nil); err != nil {
		return fmt.Errorf("filehost: attach preview %s: %w", created.ID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, u, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return &HTTPError{Op: "POST", Code: resp.StatusCode}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
