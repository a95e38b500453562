package port

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/vertextoedge/offline-sync/internal/domain"
)

// ErrRangeNotSupported is returned by Fetch when a resume offset can't be honored
var ErrRangeNotSupported = errors.New("range requests not supported")

// ProbeResult is what a metadata probe learns about a remote file
type ProbeResult struct {
	Size         int64 // 0 when unknown
	AcceptRanges bool
	ContentType  string
}

// Fetcher performs chunked, resumable fetches
type Fetcher interface {
	// Probe issues a HEAD-equivalent request
	Probe(ctx context.Context, url string) (*ProbeResult, error)

	// Fetch opens the body starting at offset
	Fetch(ctx context.Context, url string, offset int64) (io.ReadCloser, error)
}

// RemoteContent is remote content metadata
type RemoteContent struct {
	ID          string             `json:"id"`
	Kind        domain.ContentKind `json:"kind"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	URL         string             `json:"url"`
	Duration    int                `json:"durationSeconds,omitempty"`
	SizeBytes   int64              `json:"sizeBytes,omitempty"`
	Version     int64              `json:"version"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// Fields returns the descriptive fields cached on local records
func (c *RemoteContent) Fields() domain.ContentFields {
	return domain.ContentFields{
		Title:       c.Title,
		Description: c.Description,
		Version:     c.Version,
		UpdatedAt:   c.UpdatedAt,
	}
}

// ContentService is the remote content/metadata service. Implementations
// return *domain.RemoteError for every failure reported by the service.
type ContentService interface {
	GetContent(ctx context.Context, kind domain.ContentKind, id string) (*RemoteContent, error)
	UpdateMetadata(ctx context.Context, kind domain.ContentKind, id string, fields domain.ContentFields) (*RemoteContent, error)
	DeleteContent(ctx context.Context, kind domain.ContentKind, id string) error
	ListUpdated(ctx context.Context, since time.Time) ([]RemoteContent, error)
}

// Uploader pushes a local artifact and returns its remote URL
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}
