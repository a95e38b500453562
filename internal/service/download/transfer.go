package download

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/port"
)

// run performs one transfer and records its outcome
func (e *Engine) run(ctx context.Context, id string, t *transfer) {
	defer e.wg.Done()
	defer t.cancel()

	e.tel.IncrementActiveDownloads()
	defer e.tel.DecrementActiveDownloads()

	err := e.tel.InstrumentOperation(ctx, "download_transfer", "download_engine", func(ctx context.Context) error {
		return e.transfer(ctx, id)
	})
	e.finish(id, t, err)
}

// transfer streams the remote body into the record's local file, resuming
// from whatever is already on disk
func (e *Engine) transfer(ctx context.Context, id string) error {
	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()
		return domain.ErrRecordNotFound
	}
	url, path, knownTotal := rec.SourceURL, rec.LocalPath, rec.TotalBytes
	e.mu.Unlock()

	probe, err := e.fetcher.Probe(ctx, url)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	total := probe.Size
	if total == 0 {
		total = knownTotal
	}

	w, offset, err := e.fs.OpenForAppend(path)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer func() { w.Close() }()

	restart := func(reason string) error {
		e.logger.Info("restarting download from zero",
			zap.String("id", id),
			zap.Int64("discarded", offset),
			zap.String("reason", reason))
		w.Close()
		if err := e.fs.DeleteFile(path); err != nil {
			return fmt.Errorf("discard partial file: %w", err)
		}
		w, offset, err = e.fs.OpenForAppend(path)
		if err != nil {
			return fmt.Errorf("reopen local file: %w", err)
		}
		return nil
	}

	if offset > 0 && total > 0 && offset == total {
		e.onProgress(id, offset, total, 0)
		return nil
	}
	if offset > 0 && total > 0 && offset > total {
		if err := restart("local file larger than remote"); err != nil {
			return err
		}
	}
	if offset > 0 && !probe.AcceptRanges {
		if err := restart("server does not accept ranges"); err != nil {
			return err
		}
	}

	if offset > 0 {
		e.logger.Info("resuming download",
			zap.String("id", id),
			zap.Int64("from_byte", offset))
	}

	body, err := e.fetcher.Fetch(ctx, url, offset)
	if errors.Is(err, port.ErrRangeNotSupported) && offset > 0 {
		if err := restart("range request rejected"); err != nil {
			return err
		}
		body, err = e.fetcher.Fetch(ctx, url, 0)
	}
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	defer body.Close()

	e.onProgress(id, offset, total, 0)

	reader := &progressReader{
		ctx:     ctx,
		reader:  body,
		written: offset,
		onChunk: func(written, n int64) { e.onProgress(id, written, total, n) },
	}

	buf := make([]byte, e.config.BufferSize)
	if _, err := io.CopyBuffer(w, reader, buf); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("write failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if total > 0 && reader.written < total {
		return fmt.Errorf("short transfer: %d of %d bytes: %w", reader.written, total, io.ErrUnexpectedEOF)
	}
	return nil
}

// onProgress records progress for an in-flight record and persists at most
// once per ProgressPersistInterval
func (e *Engine) onProgress(id string, written, total, chunk int64) {
	now := e.clock.Now()

	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok || rec.Status != domain.DownloadTransferring {
		e.mu.Unlock()
		return
	}
	rec.SetProgress(written, total, now)
	snapshot := rec.Clone()
	e.mu.Unlock()

	e.tel.AddDownloadBytes(chunk)
	e.notify(snapshot)

	if allowed, _ := e.persistLimit.Allow(id); allowed {
		e.persist(context.Background())
	}
}

// finish applies the outcome of a transfer, frees its slot and drains the queue
func (e *Engine) finish(id string, t *transfer, err error) {
	now := e.clock.Now()

	e.mu.Lock()
	rec := e.records[id]
	reason := t.reason
	status := ""
	var snapshot *domain.DownloadRecord

	if rec != nil && reason != stopCancel {
		switch {
		case err == nil:
			_ = rec.Complete(now)
			status = string(domain.DownloadCompleted)
		case reason == stopPause:
			_ = rec.Pause(now)
			status = string(domain.DownloadPaused)
		case reason == stopClose:
			_ = rec.Requeue(now)
		default:
			_ = rec.Fail(err.Error(), now)
			status = string(domain.DownloadFailed)
		}
		c := rec.Clone()
		snapshot = &c
	}

	delete(e.active, id)
	close(t.done)
	e.drainLocked()
	e.mu.Unlock()

	e.persistLimit.Forget(id)
	if reason != stopCancel {
		e.persist(context.Background())
	}

	if status != "" {
		e.tel.RecordDownload(status, now.Sub(t.start))
	}
	if snapshot == nil {
		return
	}

	switch snapshot.Status {
	case domain.DownloadCompleted:
		e.logger.Info("download completed",
			zap.String("id", id),
			zap.String("title", snapshot.Title),
			zap.String("size", humanize.Bytes(uint64(snapshot.TransferredBytes))),
			zap.Duration("duration", now.Sub(t.start)))
	case domain.DownloadFailed:
		e.logger.Warn("download failed",
			zap.String("id", id),
			zap.String("url", snapshot.SourceURL),
			zap.Error(err))
	case domain.DownloadPaused:
		e.logger.Info("download paused",
			zap.String("id", id),
			zap.Int64("transferred", snapshot.TransferredBytes))
	}
	e.notify(*snapshot)
}

// progressReader wraps a reader to report progress per chunk. It stops at
// the next chunk boundary once ctx is cancelled.
type progressReader struct {
	ctx     context.Context
	reader  io.Reader
	written int64
	onChunk func(written, n int64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := r.reader.Read(p)
	if n > 0 {
		r.written += int64(n)
		r.onChunk(r.written, int64(n))
	}
	return n, err
}
