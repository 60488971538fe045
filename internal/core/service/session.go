package service

import (
	"context"
	"docviewer/internal/core/bookmarks"
	"docviewer/internal/core/domain/models"
	"docviewer/internal/core/domain/ports"
	"docviewer/internal/core/events"
	"docviewer/internal/core/protection"
	"docviewer/internal/core/render"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Deps are the collaborators of a viewing session. License, Positions and
// Downloads are optional.
type Deps struct {
	License     *LicenseGate
	Coordinator *render.Coordinator
	Guard       *protection.Guard
	Window      *protection.Window
	Bookmarks   *bookmarks.Sync
	Positions   ports.ReadingStateStore
	Downloads   ports.DownloadBackend
	Bus         *events.Bus
	SessionID   string
}

// ViewerService ties the license gate, render coordinator, protection guard
// and bookmark cache into one viewing session.
type ViewerService struct {
	deps Deps

	mu          sync.Mutex
	documentID  string
	unsubscribe func()
	started     bool
}

func NewViewerService(deps Deps) *ViewerService {
	if deps.Window == nil {
		deps.Window = &protection.Window{}
	}
	return &ViewerService{deps: deps}
}

func (s *ViewerService) Coordinator() *render.Coordinator { return s.deps.Coordinator }
func (s *ViewerService) Guard() *protection.Guard          { return s.deps.Guard }
func (s *ViewerService) Window() *protection.Window        { return s.deps.Window }
func (s *ViewerService) Bookmarks() *bookmarks.Sync        { return s.deps.Bookmarks }
func (s *ViewerService) Bus() *events.Bus                  { return s.deps.Bus }
func (s *ViewerService) SessionID() string                 { return s.deps.SessionID }

func (s *ViewerService) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID
}

// Start begins protection polling and position tracking.
func (s *ViewerService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.deps.Guard.Start(ctx)
	if s.deps.Positions != nil {
		s.unsubscribe = s.deps.Bus.Subscribe(s.trackPosition)
	}
}

// Open checks the license, then loads the document and its bookmarks
// concurrently. A startPage below 1 resumes from the saved position.
func (s *ViewerService) Open(ctx context.Context, documentID string, startPage int) (models.Document, error) {
	if s.deps.License != nil {
		if _, err := s.deps.License.Check(ctx); err != nil {
			return models.Document{}, err
		}
	}

	if startPage < 1 {
		startPage = s.resumePage(ctx, documentID)
	}

	var doc models.Document
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		doc, err = s.deps.Coordinator.LoadDocument(gctx, documentID, startPage)
		return err
	})
	if s.deps.Bookmarks != nil {
		g.Go(func() error {
			// Bookmark failures degrade to an empty list.
			s.deps.Bookmarks.Load(ctx, documentID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.Document{}, err
	}

	s.deps.Guard.SetDocument(documentID)
	s.mu.Lock()
	s.documentID = documentID
	s.mu.Unlock()
	log.Printf("[Viewer] opened %s (%q, %d pages) at page %d", doc.ID, doc.Title, doc.PageCount, max(startPage, 1))
	return doc, nil
}

func (s *ViewerService) resumePage(ctx context.Context, documentID string) int {
	if s.deps.Positions == nil {
		return 1
	}
	pos, err := s.deps.Positions.LastPosition(ctx, documentID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			log.Printf("[Viewer] failed to read last position for %s: %v", documentID, err)
		}
		return 1
	}
	s.deps.Coordinator.SetScale(pos.Scale)
	return pos.Page
}

func (s *ViewerService) trackPosition(e events.Event) {
	if e.Kind != events.RenderCompleted || e.DocumentID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.deps.Positions.SavePosition(ctx, models.ReadingPosition{
		DocumentID: e.DocumentID,
		Page:       e.Page,
		Scale:      s.deps.Coordinator.State().Scale,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[Viewer] failed to save position for %s: %v", e.DocumentID, err)
	}
}

// KeyResult is the outcome of a key press: either a protection
// interception or a navigation command.
type KeyResult struct {
	protection.Outcome
	Command string `json:"command,omitempty"`
	Page    int    `json:"page,omitempty"`
}

// HandleKey routes a key press through the protection guard and then the
// navigation shortcuts.
func (s *ViewerService) HandleKey(k protection.KeyEvent) KeyResult {
	out := s.deps.Guard.HandleKey(k)
	if out.Suppress {
		return KeyResult{Outcome: out}
	}

	c := s.deps.Coordinator
	command := k.Ctrl || k.Meta
	var (
		name string
		page int
		err  error
	)
	switch {
	case k.Key == "ArrowLeft" && !command:
		name = "prev"
		page, err = c.PrevPage()
	case k.Key == "ArrowRight" && !command:
		name = "next"
		page, err = c.NextPage()
	case k.Key == "Home" && !command:
		name = "first"
		page, err = c.FirstPage()
	case k.Key == "End" && !command:
		name = "last"
		page, err = c.LastPage()
	case (k.Key == "+" || k.Key == "=") && command:
		c.ZoomIn()
		return KeyResult{Outcome: protection.Outcome{Suppress: true}, Command: "zoom-in"}
	case k.Key == "-" && command:
		c.ZoomOut()
		return KeyResult{Outcome: protection.Outcome{Suppress: true}, Command: "zoom-out"}
	default:
		return KeyResult{}
	}
	if err != nil {
		return KeyResult{}
	}
	return KeyResult{Command: name, Page: page}
}

// Close stops protection and releases the document.
func (s *ViewerService) Close() error {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.started = false
	s.mu.Unlock()

	s.deps.Guard.Stop()
	if unsubscribe != nil {
		unsubscribe()
	}
	if err := s.deps.Coordinator.Close(); err != nil {
		return fmt.Errorf("failed to close document: %w", err)
	}
	return nil
}
