// Package csw registers published layers with a CSW catalogue through a
// CSW-T Insert transaction.
package csw

import (
	"context"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beetlebugorg/geoingest/pkg/geoingest"
)

// DefaultInsertTemplate is the transaction document the tokens below are
// substituted into.
//
//go:embed templates/insert.xml
var DefaultInsertTemplate string

// Template tokens.
const (
	TokenIdentifier   = "%=identifier=%"
	TokenReference    = "%=reference=%"
	TokenIsFeature    = "%=isFeature=%"
	TokenSubjectTitle = "%=subjectTitle=%"
	TokenKeyword      = "%=keyword=%"
	TokenTitle        = "%=title=%"
	TokenLowerCorner  = "%=lowerCorner=%"
	TokenUpperCorner  = "%=upperCorner=%"
)

// Record types written into the isFeature token.
const (
	TypeFeatures = "features"
	TypeGeoTIFF  = "GeoTIFF"
)

// Record is one catalogue entry.
type Record struct {
	Identifier   string
	Reference    string
	Type         string
	SubjectTitle string
	Keywords     []string
	Title        string

	// Bounds is geographic (EPSG:4326).
	Bounds geoingest.Extent
}

// RecordForLayer builds the record for a workspace:name layer whose
// geographic bounds are known.
func RecordForLayer(layer string, feature bool, bounds geoingest.Extent) (Record, error) {
	ws, name, ok := strings.Cut(layer, ":")
	if !ok || ws == "" || name == "" {
		return Record{}, fmt.Errorf("csw: layer %q is not workspace:name", layer)
	}
	if !bounds.Known {
		return Record{}, errors.New("csw: layer bounds are unknown")
	}

	typ := TypeGeoTIFF
	if feature {
		typ = TypeFeatures
	}
	return Record{
		Identifier:   layer,
		Reference:    layer,
		Type:         typ,
		SubjectTitle: name,
		Keywords:     []string{ws, name},
		Title:        name,
		Bounds:       bounds,
	}, nil
}

// corner formats a point as "lat lon".
func corner(lon, lat float64) string {
	return strconv.FormatFloat(lat, 'f', -1, 64) + " " + strconv.FormatFloat(lon, 'f', -1, 64)
}

// Render substitutes the record into template.
func (r Record) Render(template string) string {
	esc := func(s string) string {
		var b strings.Builder
		xml.EscapeText(&b, []byte(s))
		return b.String()
	}

	var kw strings.Builder
	for _, k := range r.Keywords {
		kw.WriteString("<dc:keyword>" + esc(k) + "</dc:keyword>")
	}

	return strings.NewReplacer(
		TokenIdentifier, esc(r.Identifier),
		TokenReference, esc(r.Reference),
		TokenIsFeature, esc(r.Type),
		TokenSubjectTitle, esc(r.SubjectTitle),
		TokenTitle, esc(r.Title),
		TokenLowerCorner, corner(r.Bounds.MinX, r.Bounds.MinY),
		TokenUpperCorner, corner(r.Bounds.MaxX, r.Bounds.MaxY),
		TokenKeyword, kw.String(),
	).Replace(template)
}

// Options configures a Client.
type Options struct {
	// URL is the catalogue transaction endpoint, e.g. http://host:8000/pycsw.
	URL string

	// ProxyURL, when set, replaces the scheme and host of URL, and Key is
	// sent as the key query parameter.
	ProxyURL string
	Key      string

	// Template defaults to DefaultInsertTemplate.
	Template string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client posts insert transactions.
type Client struct {
	endpoint string
	template string
	http     *http.Client
	log      *slog.Logger
}

// New creates a client.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("csw: URL is required")
	}
	endpoint, err := resolveEndpoint(opts.URL, opts.ProxyURL, opts.Key)
	if err != nil {
		return nil, err
	}

	c := &Client{
		endpoint: endpoint,
		template: opts.Template,
		http:     opts.HTTPClient,
		log:      opts.Logger,
	}
	if c.template == "" {
		c.template = DefaultInsertTemplate
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: time.Minute}
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c, nil
}

func resolveEndpoint(raw, proxy, key string) (string, error) {
	if proxy == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("csw: parse URL: %w", err)
	}
	domain := u.Scheme + "://" + u.Host + "/"
	if !strings.HasSuffix(proxy, "/") {
		proxy += "/"
	}
	return strings.Replace(raw, domain, proxy, 1) + "?key=" + url.QueryEscape(key), nil
}

// Endpoint returns the URL transactions are posted to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

type transactionResponse struct {
	XMLName       xml.Name
	TotalInserted int    `xml:"TransactionSummary>totalInserted"`
	Exception     string `xml:"Exception>ExceptionText"`
}

// Insert registers rec with the catalogue.
func (c *Client) Insert(ctx context.Context, rec Record) error {
	body := rec.Render(c.template)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("csw: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("csw: insert %s: %w", rec.Identifier, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("csw: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("csw: insert %s: HTTP %d", rec.Identifier, resp.StatusCode)
	}

	var tr transactionResponse
	if err := xml.Unmarshal(data, &tr); err != nil {
		return fmt.Errorf("csw: decode response: %w", err)
	}
	if tr.XMLName.Local == "ExceptionReport" {
		return fmt.Errorf("csw: insert %s: %s", rec.Identifier, strings.TrimSpace(tr.Exception))
	}

	c.log.Info("registered csw record", "identifier", rec.Identifier, "inserted", tr.TotalInserted)
	return nil
}
