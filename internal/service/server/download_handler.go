package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/service/download"
	"github.com/vertextoedge/offline-sync/internal/service/quality"
)

// Downloads is the download engine surface exposed over HTTP
type Downloads interface {
	Enqueue(ctx context.Context, kind domain.ContentKind, title, url string, meta domain.Metadata) (string, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Status(id string) (domain.DownloadRecord, error)
	List() []domain.DownloadRecord
	ListByKind(kind domain.ContentKind) []domain.DownloadRecord
	ListByStatus(status domain.DownloadStatus) []domain.DownloadRecord
	IsAvailableOffline(url string) bool
	LocalPathFor(ctx context.Context, url string) (string, bool)
}

var _ Downloads = (*download.Engine)(nil)

type enqueueRequest struct {
	Kind     domain.ContentKind `json:"contentKind"`
	Title    string             `json:"title"`
	URL      string             `json:"url"`
	Metadata domain.Metadata    `json:"metadata"`

	// AutoQuality routes the URL through the quality selector first
	AutoQuality     bool    `json:"autoQuality"`
	DurationSeconds float64 `json:"durationSeconds"`
}

type enqueueResponse struct {
	ID        string             `json:"id"`
	Selection *quality.Selection `json:"selection,omitempty"`
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var records []domain.DownloadRecord
	switch {
	case q.Get("status") != "":
		records = s.services.Downloads.ListByStatus(domain.DownloadStatus(q.Get("status")))
	case q.Get("kind") != "":
		kind, err := domain.ParseContentKind(q.Get("kind"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		records = s.services.Downloads.ListByKind(kind)
	default:
		records = s.services.Downloads.List()
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleEnqueueDownload(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := enqueueResponse{}
	url, meta := req.URL, req.Metadata
	if req.AutoQuality && s.services.Quality != nil && strings.TrimSpace(url) != "" {
		duration := time.Duration(req.DurationSeconds * float64(time.Second))
		sel := s.services.Quality.Select(r.Context(), url, duration)
		meta.Quality = &domain.QualityMeta{Tier: sel.Tier, OriginalURL: url}
		url = sel.URL
		resp.Selection = &sel
	}

	id, err := s.services.Downloads.Enqueue(r.Context(), req.Kind, req.Title, url, meta)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.ID = id
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	rec, err := s.services.Downloads.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	if err := s.services.Downloads.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseDownload(w http.ResponseWriter, r *http.Request) {
	s.downloadTransition(w, r, s.services.Downloads.Pause)
}

func (s *Server) handleResumeDownload(w http.ResponseWriter, r *http.Request) {
	s.downloadTransition(w, r, s.services.Downloads.Resume)
}

func (s *Server) downloadTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.services.Downloads.Status(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		s.writeError(w, r, fmt.Errorf("url is required: %w", domain.ErrInvalidInput))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":       url,
		"available": s.services.Downloads.IsAvailableOffline(url),
	})
}
