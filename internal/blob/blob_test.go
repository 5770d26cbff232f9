package blob

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\photo 1.png`, "photo_1.png"},
		{"héllo.txt", "h_llo.txt"},
		{".hidden", "hidden"},
		{"", "file"},
		{"/", "_"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SanitizeName(tt.in); got != tt.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDiskStore_Put(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	s, err := NewDiskStore(dir, "/files/", 1024)
	req.NoError(err)

	obj, err := s.Put(context.Background(), strings.NewReader("hello, room"), "notes.txt")
	req.NoError(err)
	req.True(strings.HasSuffix(obj.Name, "-notes.txt"))
	req.Equal("/files/"+obj.Name, obj.URL)
	req.Equal(int64(11), obj.Size)
	req.True(strings.HasPrefix(obj.ContentType, "text/plain"))

	data, err := os.ReadFile(filepath.Join(dir, obj.Name))
	req.NoError(err)
	req.Equal("hello, room", string(data))

	p, err := s.Path(obj.Name)
	req.NoError(err)
	req.Equal(filepath.Join(dir, obj.Name), p)

	got, gotPath, err := s.Lookup(obj.Name)
	req.NoError(err)
	req.Equal(p, gotPath)
	req.Equal(obj, got)
}

func TestDiskStore_Lookup_SniffsContent(t *testing.T) {
	req := require.New(t)
	s, err := NewDiskStore(t.TempDir(), "/files", 1024)
	req.NoError(err)

	// 扩展名声称是图片，内容却是 HTML
	obj, err := s.Put(context.Background(), strings.NewReader("<html><body><script>alert(1)</script></body></html>"), "cat.png")
	req.NoError(err)
	got, _, err := s.Lookup(obj.Name)
	req.NoError(err)
	req.True(strings.HasPrefix(got.ContentType, "text/html"), got.ContentType)
	req.False(InlineSafe(got.ContentType))

	_, _, err = s.Lookup("../" + obj.Name)
	req.ErrorIs(err, ErrNotFound)
}

func TestInlineSafe(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"image/png", true},
		{"text/plain; charset=utf-8", true},
		{"video/mp4", true},
		{"Image/JPEG", true},
		{"text/html; charset=utf-8", false},
		{"image/svg+xml", false},
		{"application/javascript", false},
		{"application/octet-stream", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := InlineSafe(tt.contentType); got != tt.want {
			t.Errorf("InlineSafe(%q) = %v, want %v", tt.contentType, got, tt.want)
		}
	}
}

func TestDiskStore_Put_DetectsImage(t *testing.T) {
	req := require.New(t)
	s, err := NewDiskStore(t.TempDir(), "/files", 1024)
	req.NoError(err)

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	obj, err := s.Put(context.Background(), bytes.NewReader(png), "pic.bin")
	req.NoError(err)
	req.Equal("image/png", obj.ContentType)
}

func TestDiskStore_Put_Rejects(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	s, err := NewDiskStore(dir, "/files", 8)
	req.NoError(err)

	_, err = s.Put(context.Background(), strings.NewReader("123456789"), "big.txt")
	req.ErrorIs(err, ErrTooLarge)
	_, err = s.Put(context.Background(), strings.NewReader(""), "empty.txt")
	req.ErrorIs(err, ErrEmpty)

	entries, err := os.ReadDir(dir)
	req.NoError(err)
	req.Empty(entries, "failed uploads must not leave files behind")
}

func TestDiskStore_Path_Rejects_Traversal(t *testing.T) {
	s, err := NewDiskStore(t.TempDir(), "/files", 8)
	require.NoError(t, err)

	for _, name := range []string{"", "../secret", "a/b", ".upload-123", "missing"} {
		_, err := s.Path(name)
		require.ErrorIs(t, err, ErrNotFound, name)
	}
}
