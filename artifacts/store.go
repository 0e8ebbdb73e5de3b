// Package artifacts lays out preview and signed PDFs on local disk.
//
// Paths handed out by the store are relative to its root, for example
// "signed/20261018/Doe_cea_20261018_101500_000000000.pdf", and are the form
// persisted on signature requests.
package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"signflow/overlay"
)

// Kind is a top-level artifact directory.
type Kind string

const (
	KindPreview Kind = "previews"
	KindSigned  Kind = "signed"
)

var (
	// ErrNotFound is returned when a requested artifact does not exist.
	ErrNotFound = errors.New("artifacts: not found")
	// ErrInvalidPath is returned for paths that leave the artifact root.
	ErrInvalidPath = errors.New("artifacts: invalid path")
)

const dayLayout = "20060102"

// Store writes and serves artifacts under a single root directory.
type Store struct {
	root string
}

// New creates the directory layout under root.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifacts: resolve root: %w", err)
	}
	for _, k := range []Kind{KindPreview, KindSigned} {
		if err := os.MkdirAll(filepath.Join(abs, string(k)), 0o750); err != nil {
			return nil, fmt.Errorf("artifacts: create %s: %w", k, err)
		}
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute artifact root.
func (s *Store) Root() string { return s.root }

// Path converts a store-relative path into an absolute one.
func (s *Store) Path(rel string) (string, error) {
	rel = filepath.FromSlash(rel)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return filepath.Join(s.root, rel), nil
}

// Preview returns a destination for the preview of the request identified
// by tokenHash. Repeated previews on the same day replace each other.
func (s *Store) Preview(tokenHash string, at time.Time) overlay.Destination {
	prefix := tokenHash
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return &PreviewDestination{
		store: s,
		day:   at.UTC().Format(dayLayout),
		name:  prefix + "_sample.pdf",
	}
}

// Signed returns a destination for a signed document. Names are derived
// from the client surname, template key and signing time, and never
// overwrite an existing file.
func (s *Store) Signed(clientName, templateKey string, at time.Time) overlay.Destination {
	at = at.UTC()
	base := fmt.Sprintf("%s_%s_%s_%09d",
		safeComponent(surname(clientName), "client"),
		safeComponent(templateKey, "document"),
		at.Format("20060102_150405"),
		at.Nanosecond(),
	)
	return &SignedDestination{store: s, day: at.Format(dayLayout), base: base}
}

// Remove deletes an artifact by its store-relative path. Missing files are
// not an error.
func (s *Store) Remove(rel string) error {
	abs, err := s.Path(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("artifacts: remove %s: %w", rel, err)
	}
	return nil
}

// Open opens an artifact of the given kind for reading. Lookups are confined
// to the kind's directory; anything escaping it fails with ErrInvalidPath.
func (s *Store) Open(kind Kind, rel string) (*os.File, error) {
	if kind != KindPreview && kind != KindSigned {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPath, kind)
	}
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}

	root, err := os.OpenRoot(filepath.Join(s.root, string(kind)))
	if err != nil {
		return nil, fmt.Errorf("artifacts: open root: %w", err)
	}
	defer root.Close()

	f, err := root.Open(filepath.FromSlash(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, ErrNotFound
	}
	return f, nil
}

func (s *Store) writeTemp(dir string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*.pdf")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// PreviewDestination replaces the day's preview for one request atomically.
type PreviewDestination struct {
	store *Store
	day   string
	name  string
}

func (d *PreviewDestination) Write(data []byte) (string, error) {
	dir := filepath.Join(d.store.root, string(KindPreview), d.day)
	tmp, err := d.store.writeTemp(dir, data)
	if err != nil {
		return "", fmt.Errorf("artifacts: write preview: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, d.name)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("artifacts: publish preview: %w", err)
	}
	return filepath.ToSlash(filepath.Join(string(KindPreview), d.day, d.name)), nil
}

// SignedDestination publishes under a fresh name, appending -N on collision.
type SignedDestination struct {
	store *Store
	day   string
	base  string
}

func (d *SignedDestination) Write(data []byte) (string, error) {
	dir := filepath.Join(d.store.root, string(KindSigned), d.day)
	tmp, err := d.store.writeTemp(dir, data)
	if err != nil {
		return "", fmt.Errorf("artifacts: write signed document: %w", err)
	}
	defer os.Remove(tmp)

	for n := 0; n < 1000; n++ {
		name := d.base + ".pdf"
		if n > 0 {
			name = fmt.Sprintf("%s-%d.pdf", d.base, n)
		}
		err := os.Link(tmp, filepath.Join(dir, name))
		if err == nil {
			return filepath.ToSlash(filepath.Join(string(KindSigned), d.day, name)), nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("artifacts: publish signed document: %w", err)
		}
	}
	return "", fmt.Errorf("artifacts: no free name for %s", d.base)
}

func surname(clientName string) string {
	parts := strings.Fields(clientName)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// safeComponent keeps letters, digits, '-' and '_' so the value is usable
// inside a file name on any filesystem.
func safeComponent(s, fallback string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return fallback
	}
	return b.String()
}
