// Package letter is the entry point for browsing captured letters. It pairs
// the active storage Backend with the content transformations and memoizes
// what it reads per Letter.
package letter

import (
	"context"
	"time"

	"github.com/shineum/letter-opener-web/internal/content"
	"github.com/shineum/letter-opener-web/internal/storage"
)

// Repository finds letters in one storage backend.
type Repository struct {
	backend storage.Backend
}

// NewRepository creates a Repository over the given backend.
func NewRepository(backend storage.Backend) *Repository {
	return &Repository{backend: backend}
}

// Backend returns the backend letters are read from.
func (r *Repository) Backend() storage.Backend {
	return r.backend
}

// Search returns every stored letter, newest first.
func (r *Repository) Search(ctx context.Context) ([]*Letter, error) {
	entries, err := r.backend.Search(ctx)
	if err != nil {
		return nil, err
	}

	letters := make([]*Letter, 0, len(entries))
	for _, e := range entries {
		letters = append(letters, newLetter(r.backend, e.ID, e.SentAt))
	}
	return letters, nil
}

// Find returns the letter with the given id. It does not check that the
// letter exists; see Letter.Valid.
func (r *Repository) Find(id string) *Letter {
	return newLetter(r.backend, id, time.Time{})
}

// DestroyAll removes every stored letter.
func (r *Repository) DestroyAll(ctx context.Context) error {
	return r.backend.DestroyAll(ctx)
}

// Letter is one captured email. It is not safe for concurrent use; create one
// per request.
type Letter struct {
	id      string
	sentAt  time.Time
	backend storage.Backend

	// raw holds the untransformed body per style, "" when absent.
	raw map[storage.Style]string
	// bodies holds bodies with link targets rewritten.
	bodies      map[storage.Style]string
	headers     *string
	attachments storage.Attachments
}

func newLetter(backend storage.Backend, id string, sentAt time.Time) *Letter {
	return &Letter{
		id:      id,
		sentAt:  sentAt,
		backend: backend,
		raw:     make(map[storage.Style]string),
		bodies:  make(map[storage.Style]string),
	}
}

// ID returns the letter id.
func (l *Letter) ID() string {
	return l.id
}

// SentAt returns when the letter was captured, or the zero time if the
// backend does not record it.
func (l *Letter) SentAt() time.Time {
	return l.sentAt
}

// Headers returns the header block of the rich body, or of the plain body
// when there is no rich one. Returns content.HeadersFallback if neither has a
// recognizable header block.
func (l *Letter) Headers(ctx context.Context) (string, error) {
	if l.headers != nil {
		return *l.headers, nil
	}

	doc, err := l.read(ctx, storage.StyleRich)
	if err != nil {
		return "", err
	}
	if doc == "" {
		if doc, err = l.read(ctx, storage.StylePlain); err != nil {
			return "", err
		}
	}

	headers := content.ExtractHeaders(doc)
	l.headers = &headers
	return headers, nil
}

// PlainText returns the plain body with external links opening in a new window.
func (l *Letter) PlainText(ctx context.Context) (string, error) {
	return l.Body(ctx, storage.StylePlain)
}

// RichText returns the rich body with external links opening in a new window.
func (l *Letter) RichText(ctx context.Context) (string, error) {
	return l.Body(ctx, storage.StyleRich)
}

// Body returns the body for style with link targets rewritten, or "" if the
// letter has no such body.
func (l *Letter) Body(ctx context.Context, style storage.Style) (string, error) {
	if body, ok := l.bodies[style]; ok {
		return body, nil
	}

	doc, err := l.read(ctx, style)
	if err != nil {
		return "", err
	}

	body := content.RewriteAnchors(doc)
	l.bodies[style] = body
	return body, nil
}

// DefaultStyle returns rich when the letter has a rich body, plain otherwise.
func (l *Letter) DefaultStyle(ctx context.Context) (storage.Style, error) {
	doc, err := l.read(ctx, storage.StyleRich)
	if err != nil {
		return "", err
	}
	if doc != "" {
		return storage.StyleRich, nil
	}
	return storage.StylePlain, nil
}

// Attachments returns the letter's attachments. Remote locators are
// presigned once per Letter and may expire if the Letter is kept around.
func (l *Letter) Attachments(ctx context.Context) (storage.Attachments, error) {
	if l.attachments != nil {
		return l.attachments, nil
	}

	attachments, err := l.backend.Attachments(ctx, l.id)
	if err != nil {
		return nil, err
	}
	if attachments == nil {
		attachments = storage.Attachments{}
	}
	l.attachments = attachments
	return attachments, nil
}

// Valid reports whether the letter exists inside the storage location.
func (l *Letter) Valid(ctx context.Context) (bool, error) {
	return l.backend.Valid(ctx, l.id)
}

// Delete removes the letter. Deleting an invalid letter does nothing.
func (l *Letter) Delete(ctx context.Context) error {
	return l.backend.Delete(ctx, l.id)
}

// read returns the raw body for style, fetching it at most once.
func (l *Letter) read(ctx context.Context, style storage.Style) (string, error) {
	if doc, ok := l.raw[style]; ok {
		return doc, nil
	}

	doc, err := l.backend.ReadStyle(ctx, l.id, style)
	if err != nil {
		return "", err
	}
	l.raw[style] = doc
	return doc, nil
}
