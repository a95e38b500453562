package server

import (
	"context"
	"net/http"

	"github.com/vertextoedge/offline-sync/internal/domain"
	"github.com/vertextoedge/offline-sync/internal/service/storage"
)

// Storage is the storage accountant surface exposed over HTTP
type Storage interface {
	Usage(ctx context.Context) domain.StorageUsageSnapshot
	ByContentKind(ctx context.Context) map[domain.ContentKind]storage.KindUsage
	Analytics(ctx context.Context) storage.Analytics
	Recommendations(ctx context.Context) storage.Recommendations
	HealthScore(ctx context.Context) int
	Cleanup(ctx context.Context, opts storage.CleanupOptions) (storage.CleanupResult, error)
}

var _ Storage = (*storage.Accountant)(nil)

func (s *Server) handleStorageUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.services.Storage.Usage(r.Context()))
}

func (s *Server) handleStorageKinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.services.Storage.ByContentKind(r.Context()))
}

func (s *Server) handleStorageAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.services.Storage.Analytics(r.Context()))
}

func (s *Server) handleStorageRecommendations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.services.Storage.Recommendations(r.Context()))
}

func (s *Server) handleStorageHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"score": s.services.Storage.HealthScore(r.Context())})
}

func (s *Server) handleStorageCleanup(w http.ResponseWriter, r *http.Request) {
	var opts storage.CleanupOptions
	if err := decode(r, &opts); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.services.Storage.Cleanup(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
