// Package static resolves URL paths to files under a root directory.
package static

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrNotFound is returned when a path does not name a regular file under the root.
var ErrNotFound = errors.New("file not found")

// File is the content of a resolved static file.
type File struct {
	Name        string // slash-separated path relative to the root
	ContentType string
	Content     []byte
}

// Store reads files for the router.
type Store interface {
	// Read returns the file at the slash-separated name, or ErrNotFound.
	Read(name string) (*File, error)
}

// Option configures a Dir.
type Option func(d *Dir)

// WithMIMETypes sets the extension to content type table. Extensions carry the leading dot.
func WithMIMETypes(types map[string]string) Option {
	return func(d *Dir) {
		d.mimeTypes = make(map[string]string, len(types))
		for ext, mime := range types {
			d.mimeTypes[strings.ToLower(ext)] = mime
		}
	}
}

// WithDefaultMIME sets the content type for unknown extensions.
func WithDefaultMIME(mime string) Option {
	return func(d *Dir) { d.defaultMIME = mime }
}

// Dir serves files from a directory on disk. Names never escape the root:
// they are cleaned, must be local, and are opened through os.OpenInRoot.
type Dir struct {
	root        string
	mimeTypes   map[string]string
	defaultMIME string
}

// NewDir creates a Dir rooted at root.
func NewDir(root string, opts ...Option) *Dir {
	d := &Dir{
		root:        root,
		mimeTypes:   map[string]string{},
		defaultMIME: "text/plain",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Root returns the directory the store reads from.
func (d *Dir) Root() string {
	return d.root
}

// MIMEType returns the content type for name based on its extension.
func (d *Dir) MIMEType(name string) string {
	if mime, ok := d.mimeTypes[strings.ToLower(path.Ext(name))]; ok {
		return mime
	}
	return d.defaultMIME
}

// Read implements Store.
func (d *Dir) Read(name string) (*File, error) {
	rel, ok := localName(name)
	if !ok {
		return nil, ErrNotFound
	}

	f, err := os.OpenInRoot(d.root, filepath.FromSlash(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) || isEscape(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}

	return &File{
		Name:        rel,
		ContentType: d.MIMEType(rel),
		Content:     content,
	}, nil
}

// localName turns a URL path into a root-relative name. Parent segments are
// resolved against "/" first, so "/../etc/passwd" becomes "etc/passwd".
func localName(name string) (string, bool) {
	if strings.ContainsRune(name, 0) || strings.Contains(name, "\\") {
		return "", false
	}
	rel := strings.TrimPrefix(path.Clean("/"+name), "/")
	if rel == "" || !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", false
	}
	return rel, true
}

// isEscape reports whether OpenInRoot rejected the name itself rather than the
// OS failing to open it. A symlink leaving the root fails this way; its error
// carries no errno, while real I/O failures such as EACCES do.
func isEscape(err error) bool {
	var pathErr *fs.PathError
	if !errors.As(err, &pathErr) {
		return false
	}
	var errno syscall.Errno
	return !errors.As(pathErr.Err, &errno)
}
