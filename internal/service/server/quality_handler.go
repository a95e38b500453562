package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/service/quality"
)

// Quality is the quality selector surface exposed over HTTP
type Quality interface {
	Select(ctx context.Context, contentURL string, duration time.Duration) quality.Selection
	Preferences(ctx context.Context) (domain.QualityPreferences, error)
	UpdatePreferences(ctx context.Context, prefs domain.QualityPreferences) error
}

var _ Quality = (*quality.Selector)(nil)

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.services.Quality.Preferences(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// handleUpdatePreferences applies a partial update over the stored preferences
func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.services.Quality.Preferences(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := decode(r, &prefs); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.services.Quality.UpdatePreferences(r.Context(), prefs); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// handleSelectQuality previews the tier chosen for url: /quality/select?url=&duration=
// duration is in seconds.
func (s *Server) handleSelectQuality(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	url := q.Get("url")
	if url == "" {
		s.writeError(w, r, fmt.Errorf("url is required: %w", domain.ErrInvalidInput))
		return
	}

	var duration time.Duration
	if raw := q.Get("duration"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs < 0 {
			s.writeError(w, r, fmt.Errorf("invalid duration %q: %w", raw, domain.ErrInvalidInput))
			return
		}
		duration = time.Duration(secs * float64(time.Second))
	}

	writeJSON(w, http.StatusOK, s.services.Quality.Select(r.Context(), url, duration))
}
