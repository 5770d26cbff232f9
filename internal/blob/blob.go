// Package blob stores attachment bytes on local disk and hands back the URL
// the relay records in file messages.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	ErrTooLarge = errors.New("attachment too large")
	ErrEmpty    = errors.New("attachment is empty")
	ErrNotFound = errors.New("attachment not found")
)

// Object describes a stored attachment.
type Object struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Store is the collaborator the HTTP layer calls before SendAttachment and
// when serving /files.
type Store interface {
	Put(ctx context.Context, r io.Reader, suggestedName string) (Object, error)
	Lookup(name string) (Object, string, error)
}

type DiskStore struct {
	dir      string
	baseURL  string
	maxBytes int64
}

// NewDiskStore creates dir if needed. URLs are baseURL + "/" + object name.
func NewDiskStore(dir, baseURL string, maxBytes int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create dir: %w", err)
	}
	return &DiskStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/"), maxBytes: maxBytes}, nil
}

// Put writes to a temp file first and renames it into place once the size
// check passed and the data is synced, so a failed upload leaves nothing.
func (s *DiskStore) Put(ctx context.Context, r io.Reader, suggestedName string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("blob: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	n, err := io.Copy(tmp, io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return Object{}, fmt.Errorf("blob: write: %w", err)
	}
	if n == 0 {
		return Object{}, ErrEmpty
	}
	if n > s.maxBytes {
		return Object{}, ErrTooLarge
	}
	if err := tmp.Sync(); err != nil {
		return Object{}, fmt.Errorf("blob: sync: %w", err)
	}
	mt, err := mimetype.DetectFile(tmp.Name())
	if err != nil {
		return Object{}, fmt.Errorf("blob: detect type: %w", err)
	}

	name := uuid.NewString() + "-" + SanitizeName(suggestedName)
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return Object{}, fmt.Errorf("blob: rename: %w", err)
	}
	return Object{Name: name, URL: s.baseURL + "/" + name, ContentType: mt.String(), Size: n}, nil
}

// Path resolves an object name to its file, refusing anything that is not a
// plain name inside the store directory.
func (s *DiskStore) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrNotFound
	}
	p := filepath.Join(s.dir, name)
	fi, err := os.Stat(p)
	if err != nil || fi.IsDir() {
		return "", ErrNotFound
	}
	return p, nil
}

// Lookup returns the object stored under name, with its content type sniffed
// from the bytes rather than taken from the extension, and its file path.
func (s *DiskStore) Lookup(name string) (Object, string, error) {
	p, err := s.Path(name)
	if err != nil {
		return Object{}, "", err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return Object{}, "", ErrNotFound
	}
	mt, err := mimetype.DetectFile(p)
	if err != nil {
		return Object{}, "", fmt.Errorf("blob: detect type: %w", err)
	}
	return Object{Name: name, URL: s.baseURL + "/" + name, ContentType: mt.String(), Size: fi.Size()}, p, nil
}

// inlineTypes may be rendered by the browser; everything else is served as a download.
var inlineTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"text/plain":      true,
	"application/pdf": true,
}

// InlineSafe reports whether contentType can be shown inline on the same origin.
func InlineSafe(contentType string) bool {
	base, _, _ := strings.Cut(contentType, ";")
	base = strings.TrimSpace(strings.ToLower(base))
	if inlineTypes[base] {
		return true
	}
	return strings.HasPrefix(base, "audio/") || strings.HasPrefix(base, "video/")
}

// SanitizeName keeps the base name and replaces anything outside
// [A-Za-z0-9._-] with '_'.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > 100 {
		out = out[len(out)-100:]
	}
	if out == "" {
		return "file"
	}
	return out
}
