package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/port"
)

// Config contains content service client configuration
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the remote content service over JSON HTTP
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// Ensure Client implements port.ContentService
var _ port.ContentService = (*Client)(nil)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type updatedResponse struct {
	Items []port.RemoteContent `json:"items"`
}

// NewClient creates a content service client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:      strings.TrimSpace(cfg.Token),
	}
}

// GetContent fetches current metadata for a content item
func (c *Client) GetContent(ctx context.Context, kind domain.ContentKind, id string) (*port.RemoteContent, error) {
	var out port.RemoteContent
	if err := c.do(ctx, "get content", http.MethodGet, contentPath(kind, id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateMetadata pushes descriptive fields. Version carries the base version
// the local copy was derived from.
func (c *Client) UpdateMetadata(ctx context.Context, kind domain.ContentKind, id string, fields domain.ContentFields) (*port.RemoteContent, error) {
	var out port.RemoteContent
	if err := c.do(ctx, "update metadata", http.MethodPut, contentPath(kind, id), fields, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteContent removes a content item remotely
func (c *Client) DeleteContent(ctx context.Context, kind domain.ContentKind, id string) error {
	return c.do(ctx, "delete content", http.MethodDelete, contentPath(kind, id), nil, nil)
}

// ListUpdated returns content changed after since
func (c *Client) ListUpdated(ctx context.Context, since time.Time) ([]port.RemoteContent, error) {
	path := "/content/updated"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}
	var out updatedResponse
	if err := c.do(ctx, "list updated", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func contentPath(kind domain.ContentKind, id string) string {
	return "/content/" + url.PathEscape(string(kind)) + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		token := c.token
		if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &domain.RemoteError{Op: op, Kind: domain.RemoteTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &domain.RemoteError{Op: op, Kind: domain.RemoteTransient, StatusCode: resp.StatusCode, Message: "invalid response body", Err: err}
		}
		return nil
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	return statusError(op, resp, eb)
}

// statusError maps a non-2xx response to a RemoteError kind
func statusError(op string, resp *http.Response, eb errorBody) error {
	msg := strings.TrimSpace(eb.Error)
	if msg == "" {
		msg = fmt.Sprintf("remote status %d", resp.StatusCode)
	}
	re := &domain.RemoteError{Op: op, StatusCode: resp.StatusCode, Message: msg}

	switch resp.StatusCode {
	case http.StatusNotFound:
		re.Kind = domain.RemoteNotFound
		re.Err = domain.ErrNotFound
	case http.StatusConflict:
		switch domain.RemoteErrorKind(eb.Kind) {
		case domain.RemoteContentMismatch, domain.RemoteDeletionConflict:
			re.Kind = domain.RemoteErrorKind(eb.Kind)
		default:
			re.Kind = domain.RemoteVersionMismatch
		}
	case http.StatusPreconditionFailed:
		re.Kind = domain.RemoteVersionMismatch
	case http.StatusGone:
		re.Kind = domain.RemoteDeletionConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		re.Kind = domain.RemotePermissionDenied
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		re.Kind = domain.RemoteTransient
		return domain.NewRetryableError(re, parseRetryAfter(resp.Header.Get("Retry-After")))
	default:
		re.Kind = domain.RemoteTransient
	}
	return re
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
