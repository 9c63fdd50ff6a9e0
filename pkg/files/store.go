// Package files is the per-user upload store. Every operation takes the
// owning username and re-derives the owner's directory; nothing a caller
// supplies can step outside it.
package files

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/akfin/datagate/pkg/api"
	"github.com/akfin/datagate/pkg/table"
)

// MaxFileBytes caps a single upload.
const MaxFileBytes = 10 << 20

// MaxNameBytes caps a stored filename, matching common filesystem limits.
const MaxNameBytes = 255

// Store keeps one directory per user under root.
type Store struct {
	root     string
	maxBytes int64
	log      *slog.Logger
}

// NewStore opens (creating if needed) the store rooted at root.
func NewStore(root string, maxBytes int64, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating files root: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = MaxFileBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: root, maxBytes: maxBytes, log: logger.With("component", "files")}, nil
}

// SafeName normalizes and validates a client-supplied filename. The result
// is NFC so visually identical names collapse to one stored name.
func SafeName(name string) (string, error) {
	name = norm.NFC.String(name)
	switch {
	case name == "" || name == ".":
		return "", fmt.Errorf("%w: empty filename", api.ErrPathViolation)
	case len(name) > MaxNameBytes:
		return "", fmt.Errorf("%w: filename too long", api.ErrPathViolation)
	case strings.Contains(name, ".."):
		return "", fmt.Errorf("%w: filename must not contain '..'", api.ErrPathViolation)
	case strings.ContainsAny(name, "/\\"):
		return "", fmt.Errorf("%w: filename must not contain path separators", api.ErrPathViolation)
	case strings.ContainsRune(name, 0):
		return "", fmt.Errorf("%w: filename contains NUL", api.ErrPathViolation)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: filename contains control characters", api.ErrPathViolation)
		}
	}
	return name, nil
}

// ownerRoot derives and creates the per-owner directory. The owner comes
// from the authenticated principal, but is validated anyway.
func (s *Store) ownerRoot(owner string) (string, error) {
	if owner == "" || strings.ContainsAny(owner, "/\\") || strings.Contains(owner, "..") {
		return "", fmt.Errorf("%w: invalid owner", api.ErrPathViolation)
	}
	dir := filepath.Join(s.root, owner)
	if filepath.Dir(dir) != filepath.Clean(s.root) {
		return "", fmt.Errorf("%w: invalid owner", api.ErrPathViolation)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating owner directory: %w", err)
	}
	return dir, nil
}

// resolve yields the absolute path of filename inside owner's directory.
func (s *Store) resolve(owner, filename string) (string, string, error) {
	dir, err := s.ownerRoot(owner)
	if err != nil {
		return "", "", err
	}
	name, err := SafeName(filename)
	if err != nil {
		return "", "", err
	}
	path := filepath.Join(dir, name)
	if filepath.Dir(path) != dir {
		return "", "", fmt.Errorf("%w: resolved path escapes owner directory", api.ErrPathViolation)
	}
	return path, name, nil
}

// Upload streams r into owner's directory as filename. Bytes land in a
// temp sibling first and are renamed on success, so a disconnect mid-upload
// never leaves a partial file in the listing. Streams over the size cap are
// rejected with nothing stored.
func (s *Store) Upload(owner, filename string, r io.Reader) (string, error) {
	path, name, err := s.resolve(owner, filename)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("writing upload: %w", err)
	}
	if n > s.maxBytes {
		_ = tmp.Close()
		return "", fmt.Errorf("%w: upload exceeds %d bytes", api.ErrTooLarge, s.maxBytes)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("storing upload: %w", err)
	}
	s.log.Info("file stored", "owner", owner, "filename", name, "bytes", n)
	return name, nil
}

// List returns owner's filenames in lexicographic order. Temp files from
// in-flight uploads are never listed.
func (s *Store) List(owner string) ([]string, error) {
	dir, err := s.ownerRoot(owner)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes owner's file.
func (s *Store) Delete(owner, filename string) error {
	path, name, err := s.resolve(owner, filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", api.ErrNotFound, name)
		}
		return fmt.Errorf("deleting file: %w", err)
	}
	s.log.Info("file deleted", "owner", owner, "filename", name)
	return nil
}

// Browse parses owner's file as CSV with a header row and returns the
// requested page.
func (s *Store) Browse(owner, filename string, page, pageSize int) (*table.Page, error) {
	path, name, err := s.resolve(owner, filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", api.ErrNotFound, name)
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	t, err := table.ParseCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", api.ErrParse, name, err)
	}
	return table.Paginate(t, page, pageSize), nil
}
