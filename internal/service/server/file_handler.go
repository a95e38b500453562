package server

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vertextoedge/offline-sync/internal/domain"
)

// handleOfflineFile serves the local copy of url: /offline/file?url=...
// Serving records an access, which idle-based cleanup reads.
func (s *Server) handleOfflineFile(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		s.writeError(w, r, fmt.Errorf("url is required: %w", domain.ErrInvalidInput))
		return
	}

	path, ok := s.services.Downloads.LocalPathFor(r.Context(), url)
	if !ok {
		http.Error(w, "Not available offline", http.StatusNotFound)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		s.logger.Error("failed to open local copy", zap.String("path", path), zap.Error(err))
		http.Error(w, "File not available", http.StatusServiceUnavailable)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		s.logger.Error("failed to stat local copy", zap.String("path", path), zap.Error(err))
		http.Error(w, "File not available", http.StatusServiceUnavailable)
		return
	}

	filename := filepath.Base(path)
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=\"%s\"", filename))

	http.ServeContent(w, r, filename, stat.ModTime(), f)

	s.logger.Debug("local copy served",
		zap.String("url", url),
		zap.String("path", path),
		zap.Int64("size", stat.Size()))
}
