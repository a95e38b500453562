package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/service/syncqueue"
)

// Sync is the sync queue surface exposed over HTTP
type Sync interface {
	AddItem(ctx context.Context, in syncqueue.NewItem) (*domain.SyncItem, error)
	Queue() []domain.SyncItem
	Conflicts() []domain.SyncConflict
	AllConflicts() []domain.SyncConflict
	ResolveConflict(ctx context.Context, itemID string, res domain.Resolution) (domain.SyncConflict, error)
	Trigger()
	Pause(ctx context.Context)
	Resume(ctx context.Context)
	RetryFailed(ctx context.Context) int
	ClearCompleted(ctx context.Context) int
	Progress() syncqueue.Progress
	StatusSummary(ctx context.Context) syncqueue.StatusSummary
	Options() domain.SyncOptions
	UpdateOptions(ctx context.Context, opts domain.SyncOptions) error
}

var _ Sync = (*syncqueue.Manager)(nil)

type resolveRequest struct {
	Resolution domain.Resolution `json:"resolution"`
}

func (s *Server) handleListSyncItems(w http.ResponseWriter, r *http.Request) {
	items := s.services.Sync.Queue()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := make([]domain.SyncItem, 0, len(items))
		for _, item := range items {
			if string(item.Status) == status {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleAddSyncItem(w http.ResponseWriter, r *http.Request) {
	var in syncqueue.NewItem
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	item, err := s.services.Sync.AddItem(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	s.services.Sync.Trigger()
	writeJSON(w, http.StatusAccepted, s.services.Sync.StatusSummary(r.Context()))
}

func (s *Server) handlePauseSync(w http.ResponseWriter, r *http.Request) {
	s.services.Sync.Pause(r.Context())
	writeJSON(w, http.StatusOK, s.services.Sync.StatusSummary(r.Context()))
}

func (s *Server) handleResumeSync(w http.ResponseWriter, r *http.Request) {
	s.services.Sync.Resume(r.Context())
	writeJSON(w, http.StatusOK, s.services.Sync.StatusSummary(r.Context()))
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n := s.services.Sync.RetryFailed(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"rearmed": n})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	n := s.services.Sync.ClearCompleted(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleSyncProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.services.Sync.Progress())
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.services.Sync.StatusSummary(r.Context()))
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("all") == "true" {
		writeJSON(w, http.StatusOK, s.services.Sync.AllConflicts())
		return
	}
	writeJSON(w, http.StatusOK, s.services.Sync.Conflicts())
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	conflict, err := s.services.Sync.ResolveConflict(r.Context(), chi.URLParam(r, "id"), req.Resolution)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

func (s *Server) handleGetSyncOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.services.Sync.Options())
}

// handleUpdateSyncOptions applies a partial update over the current options
func (s *Server) handleUpdateSyncOptions(w http.ResponseWriter, r *http.Request) {
	opts := s.services.Sync.Options()
	if err := decode(r, &opts); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.services.Sync.UpdateOptions(r.Context(), opts); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.services.Sync.Options())
}
