// Package storage defines the interface for letter storage backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Style is a rendering variant of a letter body.
type Style string

const (
	StylePlain Style = "plain"
	StyleRich  Style = "rich"
)

// ParseStyle returns the Style named by s.
func ParseStyle(s string) (Style, error) {
	switch Style(s) {
	case StylePlain, StyleRich:
		return Style(s), nil
	default:
		return "", fmt.Errorf("unknown style %q", s)
	}
}

// FileName returns the name of the artifact holding this style's body.
func (s Style) FileName() string {
	return string(s) + ".html"
}

// AttachmentsDir is the per-letter directory (or key segment) holding attachments.
const AttachmentsDir = "attachments"

// Attachments maps a display filename to its locator: an absolute filesystem
// path for local storage, or a presigned read URL for remote storage.
type Attachments map[string]string

// Entry identifies one letter found by Backend.Search.
type Entry struct {
	ID string
	// SentAt is zero when the backend cannot tell when the letter was captured.
	SentAt time.Time
}

// ErrInvalidLetter is returned by callers that need to distinguish an id with
// no stored artifacts (or one that escapes the storage location) from a
// backend failure. Backends themselves treat invalid letters as no-ops.
var ErrInvalidLetter = errors.New("letter does not exist")

// DeleteError describes a single object a bulk delete failed to remove.
type DeleteError struct {
	Key     string
	Code    string
	Message string
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("delete %s: %s: %s", e.Key, e.Code, e.Message)
}

// Backend is the interface that letter storage backends must implement.
// Both variants present the same letter lifecycle: enumerate, read, delete.
// Backends never write letters; capture happens out-of-band.
type Backend interface {
	// Search returns every letter under the storage location, newest first.
	Search(ctx context.Context) ([]Entry, error)

	// Valid reports whether id has at least one stored artifact and resolves
	// to a location strictly inside the storage location.
	Valid(ctx context.Context, id string) (bool, error)

	// ReadStyle returns the raw HTML for the given style, or "" if the letter
	// has no artifact for it.
	ReadStyle(ctx context.Context, id string, style Style) (string, error)

	// Attachments lists the letter's attachments. Invalid letters have none.
	Attachments(ctx context.Context, id string) (Attachments, error)

	// Delete removes every artifact of the letter. It is a no-op for
	// invalid letters.
	Delete(ctx context.Context, id string) error

	// DestroyAll removes every letter under the storage location.
	DestroyAll(ctx context.Context) error

	// Name returns the human-readable name of this backend.
	Name() string
}

// IsRemoteLocator reports whether an attachment locator is a URL rather than
// a filesystem path.
func IsRemoteLocator(locator string) bool {
	return strings.HasPrefix(locator, "https://") || strings.HasPrefix(locator, "http://")
}
