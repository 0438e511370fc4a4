package web

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/letter-opener-web/internal/letter"
	"github.com/shineum/letter-opener-web/internal/storage"
)

type letterSummary struct {
	ID     string `json:"id"`
	SentAt string `json:"sentAt,omitempty"`
}

type attachmentRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type letterDetail struct {
	ID           string          `json:"id"`
	SentAt       string          `json:"sentAt,omitempty"`
	Headers      string          `json:"headers"`
	DefaultStyle storage.Style   `json:"defaultStyle"`
	Attachments  []attachmentRef `json:"attachments"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/letters", s.handleListLetters)
	mux.HandleFunc("DELETE /api/letters", s.handleDestroyAll)
	mux.HandleFunc("GET /api/letters/{id}", s.handleGetLetter)
	mux.HandleFunc("DELETE /api/letters/{id}", s.handleDeleteLetter)
	mux.HandleFunc("GET /api/letters/{id}/{style}", s.handleLetterBody)
	mux.HandleFunc("GET /api/letters/{id}/attachments/{name}", s.handleAttachment)

	return s.logRequests(s.auth.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleListLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.Repository().Search(r.Context())
	if err != nil {
		s.fail(w, r, "failed to list letters", err)
		return
	}

	out := make([]letterSummary, 0, len(letters))
	for _, l := range letters {
		out = append(out, letterSummary{ID: l.ID(), SentAt: formatTime(l.SentAt())})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleDestroyAll(w http.ResponseWriter, r *http.Request) {
	if err := s.Repository().DestroyAll(r.Context()); err != nil {
		s.fail(w, r, "failed to delete letters", err)
		return
	}
	slog.Info("all letters deleted", "request_id", requestID(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetLetter(w http.ResponseWriter, r *http.Request) {
	l, ok := s.findValid(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	headers, err := l.Headers(ctx)
	if err != nil {
		s.fail(w, r, "failed to read letter headers", err)
		return
	}
	style, err := l.DefaultStyle(ctx)
	if err != nil {
		s.fail(w, r, "failed to read letter body", err)
		return
	}
	attachments, err := l.Attachments(ctx)
	if err != nil {
		s.fail(w, r, "failed to list attachments", err)
		return
	}

	names := make([]string, 0, len(attachments))
	for name := range attachments {
		names = append(names, name)
	}
	sort.Strings(names)

	refs := make([]attachmentRef, 0, len(names))
	for _, name := range names {
		refs = append(refs, attachmentRef{
			Name: name,
			URL:  "/api/letters/" + url.PathEscape(l.ID()) + "/attachments/" + url.PathEscape(name),
		})
	}

	respondJSON(w, http.StatusOK, letterDetail{
		ID:           l.ID(),
		SentAt:       formatTime(l.SentAt()),
		Headers:      headers,
		DefaultStyle: style,
		Attachments:  refs,
	})
}

func (s *Server) handleLetterBody(w http.ResponseWriter, r *http.Request) {
	style, err := storage.ParseStyle(r.PathValue("style"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	l, ok := s.findValid(w, r)
	if !ok {
		return
	}

	body, err := l.Body(r.Context(), style)
	if err != nil {
		s.fail(w, r, "failed to read letter body", err)
		return
	}
	if body == "" {
		respondError(w, http.StatusNotFound, "letter has no "+string(style)+" body")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	l, ok := s.findValid(w, r)
	if !ok {
		return
	}

	attachments, err := l.Attachments(r.Context())
	if err != nil {
		s.fail(w, r, "failed to list attachments", err)
		return
	}

	name := r.PathValue("name")
	locator, ok := attachments[name]
	if !ok {
		respondError(w, http.StatusNotFound, "attachment not found")
		return
	}

	if storage.IsRemoteLocator(locator) {
		http.Redirect(w, r, locator, http.StatusFound)
		return
	}

	s.serveLocalFile(w, r, name, locator)
}

// serveLocalFile writes the file at path under the attachment's own name.
// ServeFile is avoided since it redirects requests ending in /index.html.
func (s *Server) serveLocalFile(w http.ResponseWriter, r *http.Request, name, path string) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			respondError(w, http.StatusNotFound, "attachment not found")
			return
		}
		s.fail(w, r, "failed to open attachment", err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		s.fail(w, r, "failed to stat attachment", err)
		return
	}
	if info.IsDir() {
		respondError(w, http.StatusNotFound, "attachment not found")
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), file)
}

func (s *Server) handleDeleteLetter(w http.ResponseWriter, r *http.Request) {
	l := s.Repository().Find(r.PathValue("id"))
	if err := l.Delete(r.Context()); err != nil {
		s.fail(w, r, "failed to delete letter", err)
		return
	}
	slog.Info("letter deleted", "id", l.ID(), "request_id", requestID(r))
	w.WriteHeader(http.StatusNoContent)
}

// findValid resolves the {id} path value to a stored letter, writing a 404
// when there is none.
func (s *Server) findValid(w http.ResponseWriter, r *http.Request) (*letter.Letter, bool) {
	l := s.Repository().Find(r.PathValue("id"))
	valid, err := l.Valid(r.Context())
	if err != nil {
		s.fail(w, r, "failed to look up letter", err)
		return nil, false
	}
	if !valid {
		respondError(w, http.StatusNotFound, storage.ErrInvalidLetter.Error())
		return nil, false
	}
	return l, true
}

// fail logs a backend error and writes a generic 500. Cancelled requests are
// dropped without a response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	slog.Error(msg,
		"error", err,
		"backend", s.Repository().Backend().Name(),
		"request_id", requestID(r),
	)
	respondError(w, http.StatusInternalServerError, msg)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

type requestIDKey struct{}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// logRequests tags each request with an id and logs one line when it completes.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))

		slog.Info("http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
