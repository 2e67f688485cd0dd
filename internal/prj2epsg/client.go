// Package prj2epsg queries a prj2epsg search service for EPSG codes that
// match a WKT projection.
package prj2epsg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public prj2epsg service.
const DefaultBaseURL = "http://prj2epsg.org"

// Options configures a Client.
type Options struct {
	// BaseURL of the service. Defaults to DefaultBaseURL.
	BaseURL string

	// HTTPClient defaults to a client with a 30 second timeout.
	HTTPClient *http.Client

	// RequestsPerSecond throttles lookups. Zero means 2 per second.
	RequestsPerSecond float64
}

// Client is a prj2epsg search client. It implements geoingest.RemoteLookup.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a client.
func New(opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type searchResponse struct {
	Codes []struct {
		Code code `json:"code"`
	} `json:"codes"`
}

// code accepts both "26916" and 26916.
type code int

func (c *code) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("parse code %s: %w", b, err)
	}
	*c = code(n)
	return nil
}

// Lookup returns the EPSG codes matching wkt exactly, best first.
func (c *Client) Lookup(ctx context.Context, wkt string) ([]int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("prj2epsg: %w", err)
	}

	form := url.Values{
		"exact": {"True"},
		"error": {"True"},
		"mode":  {"wkt"},
		"terms": {wkt},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search.json", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("prj2epsg: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prj2epsg: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("prj2epsg: HTTP %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("prj2epsg: decode response: %w", err)
	}

	codes := make([]int, 0, len(body.Codes))
	for _, c := range body.Codes {
		codes = append(codes, int(c.Code))
	}
	return codes, nil
}
