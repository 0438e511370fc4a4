// Package local implements a Backend that reads letters from a directory tree.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/shineum/letter-opener-web/internal/storage"
)

// Backend reads letters laid out as <root>/<id>/{plain,rich}.html and
// <root>/<id>/attachments/<filename>.
type Backend struct {
	// root is the absolute, cleaned storage location.
	root string
}

// New creates a local Backend rooted at dir. Relative paths are resolved
// against the working directory.
func New(dir string) *Backend {
	root, err := filepath.Abs(dir)
	if err != nil {
		root = filepath.Clean(dir)
	}
	return &Backend{root: root}
}

// Root returns the absolute storage location.
func (b *Backend) Root() string {
	return b.root
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "local"
}

// Search lists the immediate subdirectories of the storage location, most
// recently modified first. A missing location holds no letters.
func (b *Backend) Search(_ context.Context) ([]storage.Entry, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read letters location: %w", err)
	}

	letters := make([]storage.Entry, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to stat letter %q: %w", entry.Name(), err)
		}
		letters = append(letters, storage.Entry{ID: entry.Name(), SentAt: info.ModTime()})
	}

	slices.SortStableFunc(letters, func(a, b storage.Entry) int {
		return b.SentAt.Compare(a.SentAt)
	})

	slog.Debug("listed local letters", "location", b.root, "count", len(letters))
	return letters, nil
}

// Valid reports whether id names a non-empty directory strictly inside the
// storage location.
func (b *Backend) Valid(_ context.Context, id string) (bool, error) {
	dir, ok := b.letterDir(id)
	if !ok {
		return false, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat letter %q: %w", id, err)
	}
	if !info.IsDir() {
		return false, nil
	}

	f, err := os.Open(dir)
	if err != nil {
		return false, fmt.Errorf("failed to open letter %q: %w", id, err)
	}
	defer f.Close()

	names, err := f.Readdirnames(1)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read letter %q: %w", id, err)
	}
	return len(names) > 0, nil
}

// ReadStyle reads <root>/<id>/<style>.html. A missing file reads as "".
func (b *Backend) ReadStyle(_ context.Context, id string, style storage.Style) (string, error) {
	dir, ok := b.letterDir(id)
	if !ok {
		return "", nil
	}

	data, err := os.ReadFile(filepath.Join(dir, style.FileName()))
	if err != nil {
		// ENOTDIR: the letter path is a regular file.
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read %s body of letter %q: %w", style, id, err)
	}
	return string(data), nil
}

// Attachments maps each file under <root>/<id>/attachments/ to its absolute path.
func (b *Backend) Attachments(_ context.Context, id string) (storage.Attachments, error) {
	attachments := storage.Attachments{}

	dir, ok := b.letterDir(id)
	if !ok {
		return attachments, nil
	}

	attachmentsDir := filepath.Join(dir, storage.AttachmentsDir)
	entries, err := os.ReadDir(attachmentsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return attachments, nil
		}
		return nil, fmt.Errorf("failed to list attachments of letter %q: %w", id, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		attachments[entry.Name()] = filepath.Join(attachmentsDir, entry.Name())
	}
	return attachments, nil
}

// Delete recursively removes the letter's directory. Invalid letters are
// left untouched.
func (b *Backend) Delete(ctx context.Context, id string) error {
	valid, err := b.Valid(ctx, id)
	if err != nil {
		return err
	}
	if !valid {
		slog.Debug("skipping delete of invalid letter", "id", id)
		return nil
	}

	dir, _ := b.letterDir(id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete letter %q: %w", id, err)
	}

	slog.Debug("deleted local letter", "id", id)
	return nil
}

// DestroyAll recursively removes the whole storage location.
func (b *Backend) DestroyAll(_ context.Context) error {
	if err := os.RemoveAll(b.root); err != nil {
		return fmt.Errorf("failed to delete letters location: %w", err)
	}

	slog.Debug("deleted all local letters", "location", b.root)
	return nil
}

// letterDir resolves id to its directory. It returns false when the cleaned
// path is not strictly below the storage location.
func (b *Backend) letterDir(id string) (string, bool) {
	if id == "" || filepath.IsAbs(id) || strings.ContainsRune(id, 0) {
		return "", false
	}

	dir := filepath.Join(b.root, id)
	rel, err := filepath.Rel(b.root, dir)
	if err != nil {
		return "", false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return dir, true
}
