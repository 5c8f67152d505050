// Package server exposes the reader's HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"onereader/internal/app"
	"onereader/pkg/ingest"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App               *app.App
	MaxUploadBytes    int64
	AllowedExtensions []string
}

// Server exposes HTTP endpoints for the reader core.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	maxUploadBytes int64
	allowedExts    map[string]bool
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 * 1024 * 1024
	}
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = []string{".txt", ".epub", ".pdf"}
	}
	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(strings.TrimSpace(ext))] = true
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
		allowedExts:    allowed,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/books", s.handleBooks)
	s.mux.HandleFunc("/books/refresh", s.handleRefresh)
	s.mux.HandleFunc("/books/", s.handleBookByID)
	s.mux.HandleFunc("/progress", s.handleProgress)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUploadBook(w, r)
	case http.MethodGet:
		s.handleShelf(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUploadBook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !s.allowedExts[ext] {
		writeError(w, http.StatusBadRequest, "unsupported file type")
		return
	}
	book, err := s.app.ImportUpload(header.Filename, file, s.maxUploadBytes)
	if err != nil {
		if errors.Is(err, ingest.ErrNoChapters) || errors.Is(err, ingest.ErrUnsupportedFormat) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "import failed")
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

// handleRefresh forces a shelf merge with the cloud. GET /books does the same
// merge; this exists so clients can trigger it without rendering the list.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.handleShelf(w, r)
}

func (s *Server) handleShelf(w http.ResponseWriter, r *http.Request) {
	books, err := s.app.Shelf(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, books)
}

// /books/{id}, /books/{id}/open, /books/{id}/download, /books/{id}/trim-status
// and /books/{id}/chapters/{chapterID}/content|trim-stream
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/books/")
	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	switch {
	case len(parts) == 1:
		s.handleBook(w, r, id)
	case len(parts) == 2 && parts[1] == "open":
		s.handleOpenBook(w, r, id)
	case len(parts) == 2 && parts[1] == "download":
		s.handleDownloadBook(w, r, id)
	case len(parts) == 2 && parts[1] == "trim-status":
		s.handleTrimStatus(w, r, id)
	case len(parts) == 4 && parts[1] == "chapters" && parts[3] == "content":
		s.handleChapterContent(w, r, id, parts[2])
	case len(parts) == 4 && parts[1] == "chapters" && parts[3] == "trim-stream":
		s.handleTrimStream(w, r, id, parts[2])
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		book, ok, err := s.app.GetBook(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			notFound(w, "book not found")
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodDelete:
		if err := s.app.DeleteBook(id); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleOpenBook(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	res, err := s.app.Open(r.Context(), id)
	if err != nil {
		notFound(w, "book not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDownloadBook(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.Download(r.Context(), id); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "downloaded"})
}

func (s *Server) handleTrimStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status, err := s.app.TrimStatus(r.Context(), id)
	if err != nil {
		notFound(w, "book not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleChapterContent(w http.ResponseWriter, r *http.Request, bookID, chapterID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	promptID, ok := promptParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid prompt parameter")
		return
	}
	text, found, err := s.app.ChapterText(r.Context(), bookID, chapterID, promptID)
	if err != nil {
		notFound(w, "book or chapter not found")
		return
	}
	if !found {
		notFound(w, "content not available")
		return
	}
	writeJSON(w, http.StatusOK, text)
}

// handleTrimStream streams trim chunks as they arrive, one per line. Closing
// the request cancels generation on the next chunk boundary; a generation
// that completes anyway is still cached server-side.
func (s *Server) handleTrimStream(w http.ResponseWriter, r *http.Request, bookID, chapterID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	promptID, ok := promptParam(r)
	if !ok || promptID == 0 {
		writeError(w, http.StatusBadRequest, "invalid prompt parameter")
		return
	}
	ts, err := s.app.StreamTrim(r.Context(), bookID, chapterID, promptID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for {
		select {
		case chunk, open := <-ts.Chunks():
			if !open {
				return
			}
			if _, err := w.Write([]byte(chunk)); err != nil {
				ts.Cancel()
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			ts.Cancel()
			return
		}
	}
}

type progressRequest struct {
	BookID    string `json:"bookId"`
	ChapterID string `json:"chapterId"`
	PromptID  int    `json:"promptId"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.BookID == "" || req.ChapterID == "" {
		writeError(w, http.StatusBadRequest, "bookId and chapterId are required")
		return
	}
	if err := s.app.ChapterViewed(req.BookID, req.ChapterID, req.PromptID); err != nil {
		notFound(w, "book or chapter not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func promptParam(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("prompt")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}
