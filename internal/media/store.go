// Package media stores downloaded message attachments on the local
// filesystem. Files are named from the owning channel and the upstream
// message id, so saving the same message twice overwrites one file.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrInvalidRef is returned for references that do not resolve inside the store.
var ErrInvalidRef = errors.New("invalid attachment reference")

// Store is a filesystem attachment store.
type Store struct {
	basePath string
}

// NewStore creates the store, creating basePath if needed.
func NewStore(basePath string) (*Store, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("media base path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve media path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	return &Store{basePath: abs}, nil
}

// BasePath returns the root every reference is resolved against.
func (s *Store) BasePath() string {
	return s.basePath
}

// Ref returns the reference Save uses for a message's attachment.
func Ref(channel string, externalID int64, ext string) string {
	return path.Join(sanitize(channel), strconv.FormatInt(externalID, 10)+normalizeExt(ext))
}

// Save writes r under the deterministic name for (channel, externalID) and
// returns its relative reference. The content is written to a temporary file
// and renamed into place, so readers never observe a partial file.
func (s *Store) Save(channel string, externalID int64, ext string, r io.Reader) (string, error) {
	ref := Ref(channel, externalID, ext)
	target, err := s.resolve(ref)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create channel directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close attachment: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("chmod attachment: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("rename attachment: %w", err)
	}
	return ref, nil
}

// Open opens a stored attachment for reading.
func (s *Store) Open(ref string) (*os.File, error) {
	p, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Delete removes a stored attachment. Deleting a missing file is not an error.
func (s *Store) Delete(ref string) error {
	p, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

// List returns the references of every stored attachment. In-progress
// temporary files are skipped.
func (s *Store) List() ([]string, error) {
	var refs []string
	err := filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.basePath, p)
		if err != nil {
			return err
		}
		refs = append(refs, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return refs, nil
}

func (s *Store) resolve(ref string) (string, error) {
	if ref == "" || path.IsAbs(ref) {
		return "", ErrInvalidRef
	}
	clean := path.Clean(ref)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrInvalidRef
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean)), nil
}

// sanitize maps a channel handle to a single safe path segment. Handles that
// are already safe map to themselves; any other handle gets a digest of the
// raw name appended after a dot, which the safe alphabet never produces, so
// distinct handles never share a directory.
func sanitize(channel string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(channel)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	if sb.Len() == 0 {
		sb.WriteByte('_')
	}
	if sb.String() == channel {
		return channel
	}
	sum := sha256.Sum256([]byte(channel))
	return sb.String() + "." + hex.EncodeToString(sum[:6])
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ".bin"
		}
	}
	return ext
}
