// Package artifact writes rendered transcripts to durable storage and serves
// them back individually or as one zip bundle.
package artifact

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"
)

// ErrNotFound is returned when a job folder or file does not exist.
var ErrNotFound = errors.New("artifact not found")

const maxTitleLen = 40

// Store keeps one folder per job under Root.
type Store struct {
	root      string
	mkdirAll  func(path string, perm os.FileMode) error
	writeFile func(name string, data []byte, perm os.FileMode) error
	removeAll func(path string) error
}

// NewStore creates a file-backed store rooted at root.
func NewStore(root string) *Store {
	return &Store{
		root:      root,
		mkdirAll:  os.MkdirAll,
		writeFile: os.WriteFile,
		removeAll: os.RemoveAll,
	}
}

// Root returns the directory holding every job folder.
func (s *Store) Root() string {
	return s.root
}

// FileName builds the deterministic artifact name for a title, language and format.
func FileName(title, language, format string) string {
	base := slug.Make(title)
	if len(base) > maxTitleLen {
		base = strings.TrimRight(base[:maxTitleLen], "-")
	}
	if base == "" {
		base = "transcript"
	}
	return fmt.Sprintf("%s_%s.%s", base, LanguageSlug(language), format)
}

// LanguageSlug is the language part of an artifact name. Codes with the same
// slug share file names.
func LanguageSlug(language string) string {
	lang := slug.Make(language)
	if lang == "" {
		lang = "xx"
	}
	return lang
}

// Write stores content as jobID/name and returns the stored name.
func (s *Store) Write(jobID, name string, content []byte) (string, error) {
	if !isPlainName(jobID) || !isPlainName(name) {
		return "", fmt.Errorf("invalid artifact path %q/%q", jobID, name)
	}

	dir := filepath.Join(s.root, jobID)
	if err := s.mkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job folder: %w", err)
	}
	if err := s.writeFile(filepath.Join(dir, name), content, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return name, nil
}

// Open returns a reader for one artifact. Callers must close it.
func (s *Store) Open(jobID, name string) (*os.File, error) {
	if !isPlainName(jobID) || !isPlainName(name) {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.root, jobID, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		_ = f.Close()
		return nil, ErrNotFound
	}
	return f, nil
}

// Exists reports whether every named artifact is present for jobID.
func (s *Store) Exists(jobID string, names []string) bool {
	for _, name := range names {
		f, err := s.Open(jobID, name)
		if err != nil {
			return false
		}
		_ = f.Close()
	}
	return true
}

// Archive streams a zip containing the named artifacts of jobID to w.
func (s *Store) Archive(ctx context.Context, jobID string, names []string, w io.Writer) error {
	zw := zip.NewWriter(w)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return err
		}
		if err := s.addToZip(zw, jobID, name); err != nil {
			_ = zw.Close()
			return err
		}
	}
	return zw.Close()
}

func (s *Store) addToZip(zw *zip.Writer, jobID, name string) error {
	f, err := s.Open(jobID, name)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	entry, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("add %s to archive: %w", name, err)
	}
	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("copy %s to archive: %w", name, err)
	}
	return nil
}

// Remove deletes the folder of jobID.
func (s *Store) Remove(jobID string) error {
	if !isPlainName(jobID) {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	return s.removeAll(filepath.Join(s.root, jobID))
}

// isPlainName rejects anything that could escape the job folder.
func isPlainName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return filepath.Base(name) == name && !strings.ContainsAny(name, `/\`)
}
