package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vertextoedge/offline-sync/internal/port"
)

// Config contains fetcher configuration
type Config struct {
	BufferSizeKB          int
	ProbeTimeout          time.Duration
	ResponseHeaderTimeout time.Duration
	UserAgent             string
}

// DefaultConfig returns default fetcher configuration
func DefaultConfig() *Config {
	return &Config{
		BufferSizeKB:          256,
		ProbeTimeout:          15 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		UserAgent:             "offline-sync/1.0",
	}
}

// Client fetches remote files over HTTP with Range support
type Client struct {
	probeClient    *http.Client
	downloadClient *http.Client
	userAgent      string
}

// Ensure Client implements port.Fetcher
var _ port.Fetcher = (*Client)(nil)

// New creates a new HTTP fetcher
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	bufferSize := cfg.BufferSizeKB * 1024
	if bufferSize <= 0 {
		bufferSize = 256 * 1024
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 15 * time.Second
	}
	if cfg.ResponseHeaderTimeout == 0 {
		cfg.ResponseHeaderTimeout = 30 * time.Second
	}

	downloadTransport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		WriteBufferSize: bufferSize,
		ReadBufferSize:  bufferSize,

		ForceAttemptHTTP2: true,

		// Media is already compressed
		DisableCompression: true,

		// Response header timeout (not total download timeout)
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}

	return &Client{
		probeClient: &http.Client{
			Timeout: cfg.ProbeTimeout,
		},
		downloadClient: &http.Client{
			Transport: downloadTransport,
			Timeout:   0, // No timeout for downloads; cancellation comes from ctx
		},
		userAgent: cfg.UserAgent,
	}
}

// Probe learns the size of a remote file. Servers that reject HEAD are
// asked for the first byte instead.
func (c *Client) Probe(ctx context.Context, url string) (*port.ProbeResult, error) {
	resp, err := c.do(ctx, c.probeClient, http.MethodHead, url, "")
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return c.probeWithRange(ctx, url)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("probe %s failed with status: %s", url, resp.Status)
	}

	result := &port.ProbeResult{
		AcceptRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		ContentType:  resp.Header.Get("Content-Type"),
	}
	if resp.ContentLength > 0 {
		result.Size = resp.ContentLength
	}
	return result, nil
}

func (c *Client) probeWithRange(ctx context.Context, url string) (*port.ProbeResult, error) {
	resp, err := c.do(ctx, c.probeClient, http.MethodGet, url, "bytes=0-0")
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()

	result := &port.ProbeResult{ContentType: resp.Header.Get("Content-Type")}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		result.AcceptRanges = true
		result.Size = parseContentRangeTotal(resp.Header.Get("Content-Range"))
	case http.StatusOK:
		if resp.ContentLength > 0 {
			result.Size = resp.ContentLength
		}
	default:
		return nil, fmt.Errorf("probe %s failed with status: %s", url, resp.Status)
	}
	return result, nil
}

// Fetch opens the remote body starting at offset
func (c *Client) Fetch(ctx context.Context, url string, offset int64) (io.ReadCloser, error) {
	rangeHeader := ""
	if offset > 0 {
		rangeHeader = fmt.Sprintf("bytes=%d-", offset)
	}

	resp, err := c.do(ctx, c.downloadClient, http.MethodGet, url, rangeHeader)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		return resp.Body, nil
	case offset > 0 && (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusRequestedRangeNotSatisfiable):
		resp.Body.Close()
		return nil, port.ErrRangeNotSupported
	case offset == 0 && (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent):
		return resp.Body, nil
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s failed with status: %s", url, resp.Status)
	}
}

func (c *Client) do(ctx context.Context, client *http.Client, method, url, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return client.Do(req)
}

// parseContentRangeTotal extracts the total from "bytes 0-0/12345"
func parseContentRangeTotal(v string) int64 {
	idx := strings.LastIndex(v, "/")
	if idx == -1 {
		return 0
	}
	total, err := strconv.ParseInt(strings.TrimSpace(v[idx+1:]), 10, 64)
	if err != nil {
		return 0
	}
	return total
}
