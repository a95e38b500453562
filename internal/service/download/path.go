package download

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vertextoedge/offline-sync/internal/domain"
)

const maxTitleRunes = 64

// localPath builds <root>/<kind dir>/<sanitized title>_<unix millis><ext>
func localPath(root string, kind domain.ContentKind, title, sourceURL string, now time.Time) string {
	name := sanitizeTitle(title) + "_" + strconv.FormatInt(now.UnixMilli(), 10) + extensionFor(kind, sourceURL)
	return filepath.Join(root, kind.Dir(), name)
}

// uniquePathLocked returns a local path no other record or file uses
func (e *Engine) uniquePathLocked(kind domain.ContentKind, title, sourceURL string, now time.Time) string {
	base := localPath(e.fs.RootDir(), kind, title, sourceURL, now)
	candidate := base
	for n := 2; e.pathTakenLocked(candidate); n++ {
		ext := filepath.Ext(base)
		candidate = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(base, ext), n, ext)
	}
	return candidate
}

func (e *Engine) pathTakenLocked(p string) bool {
	for _, rec := range e.records {
		if rec.LocalPath == p {
			return true
		}
	}
	return e.fs.FileExists(p)
}

// sanitizeTitle keeps [A-Za-z0-9_-], collapses everything else to single
// underscores and caps the result at 64 runes
func sanitizeTitle(title string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range title {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
		if !ok || r == '_' {
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
			continue
		}
		b.WriteRune(r)
		lastUnderscore = false
	}

	out := strings.Trim(b.String(), "_")
	if len(out) > maxTitleRunes {
		out = strings.TrimRight(out[:maxTitleRunes], "_")
	}
	if out == "" {
		return "untitled"
	}
	return out
}

// extensionFor picks the kind's extension, then the URL's, then .bin
func extensionFor(kind domain.ContentKind, sourceURL string) string {
	if ext := kind.Extension(); ext != "" {
		return ext
	}
	if u, err := url.Parse(sourceURL); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		if len(ext) > 1 && len(ext) <= 6 {
			return ext
		}
	}
	return ".bin"
}
