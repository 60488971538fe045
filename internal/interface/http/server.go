// Package http exposes a viewing session over a loopback HTTP API so that
// a thin presentation layer can drive it.
package http

import (
	"context"
	"docviewer/internal/core/bookmarks"
	"docviewer/internal/core/domain/models"
	"docviewer/internal/core/domain/ports"
	"docviewer/internal/core/events"
	"docviewer/internal/core/protection"
	"docviewer/internal/core/render"
	"docviewer/internal/core/service"
	"docviewer/internal/core/surface"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"strconv"
	"time"
)

// Server holds the dependencies for the control API.
type Server struct {
	viewer    *service.ViewerService
	incidents ports.IncidentLog
}

// NewServer creates the API for viewer. incidents may be nil.
func NewServer(viewer *service.ViewerService, incidents ports.IncidentLog) *Server {
	return &Server{viewer: viewer, incidents: incidents}
}

func (s *Server) RegisterRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/state", s.handleState)
	mux.HandleFunc("GET /api/v1/surface.png", s.handleSurface)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	mux.HandleFunc("POST /api/v1/documents/{document_id}/open", s.handleOpen)
	mux.HandleFunc("POST /api/v1/navigate", s.handleNavigate)
	mux.HandleFunc("POST /api/v1/next", s.handleStep(s.viewer.Coordinator().NextPage))
	mux.HandleFunc("POST /api/v1/prev", s.handleStep(s.viewer.Coordinator().PrevPage))
	mux.HandleFunc("POST /api/v1/first", s.handleStep(s.viewer.Coordinator().FirstPage))
	mux.HandleFunc("POST /api/v1/last", s.handleStep(s.viewer.Coordinator().LastPage))
	mux.HandleFunc("POST /api/v1/zoom", s.handleZoom)
	mux.HandleFunc("POST /api/v1/scale", s.handleScale)
	mux.HandleFunc("POST /api/v1/resize", s.handleResize)

	mux.HandleFunc("POST /api/v1/window/focus", s.handleFocus)
	mux.HandleFunc("POST /api/v1/window/blur", s.handleBlur)
	mux.HandleFunc("POST /api/v1/window/metrics", s.handleMetrics)
	mux.HandleFunc("POST /api/v1/keys", s.handleKey)
	mux.HandleFunc("POST /api/v1/actions", s.handleAction)
	mux.HandleFunc("POST /api/v1/advisory/dismiss", s.handleDismiss)

	mux.HandleFunc("GET /api/v1/bookmarks", s.handleListBookmarks)
	mux.HandleFunc("POST /api/v1/bookmarks", s.handleCreateBookmark)
	mux.HandleFunc("DELETE /api/v1/bookmarks/{bookmark_id}", s.handleDeleteBookmark)

	mux.HandleFunc("GET /api/v1/incidents", s.handleIncidents)

	return mux
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.RegisterRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Println("[Server] shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Server] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var loadErr *models.LoadError
	switch {
	case errors.Is(err, models.ErrNoDocument):
		return http.StatusConflict
	case errors.Is(err, models.ErrPageOutOfRange), errors.Is(err, models.ErrInvalidSize):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrDuplicateBookmark):
		return http.StatusConflict
	case errors.Is(err, models.ErrLicenseBlocked):
		return http.StatusForbidden
	case errors.As(err, &loadErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type StateResponse struct {
	View       models.ViewState     `json:"view"`
	Protection protection.Snapshot  `json:"protection"`
	Visibility surface.Visibility   `json:"visibility"`
	Advisory   string               `json:"advisory,omitempty"`
	Bookmarks  bookmarks.Affordance `json:"bookmarks"`
	Stats      render.Stats         `json:"stats"`
}

func (s *Server) state() StateResponse {
	vis := s.viewer.Coordinator().Surface().Visibility()
	resp := StateResponse{
		View:       s.viewer.Coordinator().State(),
		Protection: s.viewer.Guard().Snapshot(),
		Visibility: vis,
		Bookmarks:  s.viewer.Bookmarks().Affordance(),
		Stats:      s.viewer.Coordinator().Stats(),
	}
	if vis.Overlay {
		resp.Advisory = surface.AdvisoryMessage
	}
	return resp
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleSurface(w http.ResponseWriter, r *http.Request) {
	img := s.viewer.Coordinator().Surface().Composite()
	if img == nil {
		writeError(w, http.StatusNotFound, "No page is displayed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		log.Printf("[Server] failed to encode surface: %v", err)
	}
}

// handleEvents streams bus events as Server-Sent Events until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	stream := make(chan events.Event, 64)
	unsubscribe := s.viewer.Bus().Subscribe(func(e events.Event) {
		select {
		case stream <- e:
		default:
			log.Printf("[Server] event stream full, dropping %s", e.Kind)
		}
	})
	defer unsubscribe()

	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-stream:
			data, err := json.Marshal(e)
			if err != nil {
				log.Printf("[Server] failed to marshal event: %v", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	page := 0
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "page must be an integer")
			return
		}
		page = n
	}

	doc, err := s.viewer.Open(r.Context(), r.PathValue("document_id"), page)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type PageResponse struct {
	Page  int    `json:"page"`
	Error string `json:"error,omitempty"`
}

type NavigateRequest struct {
	Page int `json:"page"`
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req NavigateRequest
	if !decode(w, r, &req) {
		return
	}
	page, err := s.viewer.Coordinator().GoToPage(req.Page)
	if err != nil {
		writeJSON(w, statusFor(err), PageResponse{Page: page, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, PageResponse{Page: page})
}

func (s *Server) handleStep(step func() (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := step()
		if err != nil {
			writeJSON(w, statusFor(err), PageResponse{Page: page, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, PageResponse{Page: page})
	}
}

type ZoomRequest struct {
	// Direction is "in" or "out".
	Direction string `json:"direction"`
}

type ScaleResponse struct {
	Scale models.Scale `json:"scale"`
}

func (s *Server) handleZoom(w http.ResponseWriter, r *http.Request) {
	var req ZoomRequest
	if !decode(w, r, &req) {
		return
	}
	var scale models.Scale
	switch req.Direction {
	case "in":
		scale = s.viewer.Coordinator().ZoomIn()
	case "out":
		scale = s.viewer.Coordinator().ZoomOut()
	default:
		writeError(w, http.StatusBadRequest, `direction must be "in" or "out"`)
		return
	}
	writeJSON(w, http.StatusOK, ScaleResponse{Scale: scale})
}

type ScaleRequest struct {
	Scale models.Scale `json:"scale"`
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	var req ScaleRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, ScaleResponse{Scale: s.viewer.Coordinator().SetScale(req.Scale)})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req models.Size
	if !decode(w, r, &req) {
		return
	}
	if err := s.viewer.Coordinator().Resize(req.Width, req.Height); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	s.viewer.Guard().FocusGained()
	writeJSON(w, http.StatusOK, s.viewer.Guard().Snapshot())
}

func (s *Server) handleBlur(w http.ResponseWriter, r *http.Request) {
	s.viewer.Guard().FocusLost()
	writeJSON(w, http.StatusOK, s.viewer.Guard().Snapshot())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var m models.WindowMetrics
	if !decode(w, r, &m) {
		return
	}
	s.viewer.Window().Set(m)
	s.viewer.Guard().Sample(m)
	writeJSON(w, http.StatusOK, s.viewer.Guard().Snapshot())
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	var k protection.KeyEvent
	if !decode(w, r, &k) {
		return
	}
	writeJSON(w, http.StatusOK, s.viewer.HandleKey(k))
}

type ActionRequest struct {
	Action protection.Action `json:"action"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.viewer.Guard().HandleAction(req.Action))
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	s.viewer.Guard().DismissAdvisory()
	w.WriteHeader(http.StatusNoContent)
}

type BookmarksResponse struct {
	Bookmarks  []models.Bookmark    `json:"bookmarks"`
	Affordance bookmarks.Affordance `json:"affordance"`
}

func (s *Server) handleListBookmarks(w http.ResponseWriter, r *http.Request) {
	list := s.viewer.Bookmarks().List()
	if list == nil {
		list = []models.Bookmark{}
	}
	writeJSON(w, http.StatusOK, BookmarksResponse{Bookmarks: list, Affordance: s.viewer.Bookmarks().Affordance()})
}

type CreateBookmarkRequest struct {
	// Page defaults to the current page.
	Page int    `json:"page"`
	Name string `json:"name"`
}

func (s *Server) handleCreateBookmark(w http.ResponseWriter, r *http.Request) {
	var req CreateBookmarkRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Page == 0 {
		req.Page = s.viewer.Coordinator().State().Page
	}
	b, err := s.viewer.Bookmarks().Create(r.Context(), req.Page, req.Name)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// handleDeleteBookmark requires confirm=true; the prompt itself is shown by
// the presentation layer.
func (s *Server) handleDeleteBookmark(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("bookmark_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bookmark_id must be an integer")
		return
	}
	confirmed := r.URL.Query().Get("confirm") == "true"
	confirmer := ports.ConfirmFunc(func(string) bool { return confirmed })

	deleted, err := s.viewer.Bookmarks().Delete(r.Context(), id, confirmer)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if !deleted {
		writeJSON(w, http.StatusPreconditionRequired, map[string]string{"prompt": bookmarks.ConfirmDeletePrompt})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if s.incidents == nil {
		writeError(w, http.StatusNotFound, "Incident log is disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	docID := r.URL.Query().Get("document_id")
	if docID == "" {
		docID = s.viewer.DocumentID()
	}
	list, err := s.incidents.ListIncidents(r.Context(), docID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []models.Incident{}
	}
	writeJSON(w, http.StatusOK, list)
}
