package domain

import "fmt"

// ContentKind is the type of content kept offline.
type ContentKind string

const (
	KindAudio    ContentKind = "audio"
	KindArticle  ContentKind = "article"
	KindImage    ContentKind = "image"
	KindDocument ContentKind = "document"
)

// ContentKinds lists every supported kind in display order.
var ContentKinds = []ContentKind{KindAudio, KindArticle, KindImage, KindDocument}

// Valid reports whether k is a known content kind
func (k ContentKind) Valid() bool {
	switch k {
	case KindAudio, KindArticle, KindImage, KindDocument:
		return true
	}
	return false
}

// Extension returns the file extension used for local copies, or "" when unknown.
func (k ContentKind) Extension() string {
	switch k {
	case KindAudio:
		return ".mp3"
	case KindArticle:
		return ".html"
	case KindImage:
		return ".jpg"
	case KindDocument:
		return ".pdf"
	default:
		return ""
	}
}

// Dir returns the subdirectory local copies of this kind live in.
func (k ContentKind) Dir() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindArticle:
		return "articles"
	case KindImage:
		return "images"
	case KindDocument:
		return "documents"
	default:
		return "other"
	}
}

// ParseContentKind parses a kind name
func ParseContentKind(s string) (ContentKind, error) {
	k := ContentKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown content kind %q: %w", s, ErrInvalidInput)
	}
	return k, nil
}
