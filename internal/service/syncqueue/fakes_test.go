package syncqueue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/port"
	"github.com/vertextoedge/offline-sync/internal/service/quality"
)

// fakeContent implements port.ContentService for testing
type fakeContent struct {
	mu       sync.Mutex
	contents map[string]*port.RemoteContent

	getErr     map[string]error
	updateErrs []error // consumed in order
	deleteErr  error
	listResult []port.RemoteContent
	listErr    error

	calls   []string
	updates []domain.ContentFields
	sinces  []time.Time

	// onGet runs outside the lock before GetContent answers
	onGet func(id string)
	delay time.Duration

	inflight    int
	maxInflight int
}

func newFakeContent() *fakeContent {
	return &fakeContent{
		contents: make(map[string]*port.RemoteContent),
		getErr:   make(map[string]error),
	}
}

func (f *fakeContent) put(rc port.RemoteContent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contents[rc.ID] = &rc
}

func (f *fakeContent) GetContent(ctx context.Context, kind domain.ContentKind, id string) (*port.RemoteContent, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "get:"+id)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	hook, delay := f.onGet, f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if hook != nil {
		hook(id)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	rc, ok := f.contents[id]
	if !ok {
		return nil, domain.NewRemoteError("get content", domain.RemoteNotFound, "no such content")
	}
	out := *rc
	return &out, nil
}

func (f *fakeContent) UpdateMetadata(ctx context.Context, kind domain.ContentKind, id string, fields domain.ContentFields) (*port.RemoteContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "update:"+id)
	f.updates = append(f.updates, fields)
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	rc, ok := f.contents[id]
	if !ok {
		rc = &port.RemoteContent{ID: id, Kind: kind}
		f.contents[id] = rc
	}
	rc.Title = fields.Title
	rc.Description = fields.Description
	rc.Version = fields.Version + 1
	rc.UpdatedAt = fields.UpdatedAt
	out := *rc
	return &out, nil
}

func (f *fakeContent) DeleteContent(ctx context.Context, kind domain.ContentKind, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete:"+id)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.contents, id)
	return nil
}

func (f *fakeContent) ListUpdated(ctx context.Context, since time.Time) ([]port.RemoteContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "list")
	f.sinces = append(f.sinces, since)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]port.RemoteContent(nil), f.listResult...), nil
}

func (f *fakeContent) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeContent) countCalls(prefix string) int {
	n := 0
	for _, c := range f.callLog() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// fakeUploader implements port.Uploader for testing
type fakeUploader struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (u *fakeUploader) Upload(ctx context.Context, localPath, key string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	u.keys = append(u.keys, key)
	return "s3://media/" + key, nil
}

type enqueueCall struct {
	kind  domain.ContentKind
	title string
	url   string
	meta  domain.Metadata
}

// fakeDownloads implements Downloads for testing
type fakeDownloads struct {
	mu           sync.Mutex
	records      []domain.DownloadRecord
	enqueued     []enqueueCall
	cancelled    []string
	fieldUpdates map[string]domain.ContentFields
	enqueueErr   error
}

func newFakeDownloads() *fakeDownloads {
	return &fakeDownloads{fieldUpdates: make(map[string]domain.ContentFields)}
}

func (d *fakeDownloads) add(rec domain.DownloadRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, rec)
}

func (d *fakeDownloads) Enqueue(ctx context.Context, kind domain.ContentKind, title, url string, meta domain.Metadata) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enqueueErr != nil {
		return "", d.enqueueErr
	}
	d.enqueued = append(d.enqueued, enqueueCall{kind: kind, title: title, url: url, meta: meta.Clone()})
	id := fmt.Sprintf("dl-%d", len(d.enqueued))
	d.records = append(d.records, domain.DownloadRecord{
		ID: id, Kind: kind, Title: title, SourceURL: url, Status: domain.DownloadPending, Metadata: meta.Clone(),
	})
	return id, nil
}

func (d *fakeDownloads) Cancel(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, id)
	kept := d.records[:0]
	for _, rec := range d.records {
		if rec.ID != id {
			kept = append(kept, rec)
		}
	}
	d.records = kept
	return nil
}

func (d *fakeDownloads) List() []domain.DownloadRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.DownloadRecord, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, rec.Clone())
	}
	return out
}

func (d *fakeDownloads) ListByStatus(status domain.DownloadStatus) []domain.DownloadRecord {
	out := make([]domain.DownloadRecord, 0)
	for _, rec := range d.List() {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out
}

func (d *fakeDownloads) UpdateContentFields(ctx context.Context, contentID string, fields domain.ContentFields) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fieldUpdates[contentID] = fields
	n := 0
	for i := range d.records {
		if d.records[i].ContentID() == contentID {
			f := fields
			d.records[i].Metadata.Content = &f
			n++
		}
	}
	return n, nil
}

func (d *fakeDownloads) enqueueCalls() []enqueueCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]enqueueCall(nil), d.enqueued...)
}

func (d *fakeDownloads) cancelledIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.cancelled...)
}

func (d *fakeDownloads) fieldsFor(contentID string) (domain.ContentFields, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fieldUpdates[contentID]
	return f, ok
}

// fakeSelector always picks the low tier
type fakeSelector struct{}

func (fakeSelector) Select(ctx context.Context, contentURL string, duration time.Duration) quality.Selection {
	return quality.Selection{
		Tier:           domain.TierLow,
		BitrateKbps:    64,
		URL:            quality.TierURL(contentURL, domain.TierLow),
		Reason:         "test",
		EstimatedBytes: quality.EstimateSize(domain.TierLow, duration),
	}
}
