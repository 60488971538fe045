// Package bookmarks keeps the client-side cache of a document's bookmarks
// in step with the backend.
package bookmarks

import (
	"context"
	"docviewer/internal/core/domain/models"
	"docviewer/internal/core/domain/ports"
	"docviewer/internal/core/events"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
)

const (
	ConfirmDeletePrompt = "Are you sure you want to remove this bookmark?"

	msgSaved     = "Bookmark saved successfully!"
	msgDuplicate = "This page is already bookmarked"
	msgSaveFail  = "Failed to save bookmark"
	msgRemoved   = "Bookmark removed successfully!"
	msgRemoveErr = "Failed to remove bookmark"
)

// Breaker guards backend calls. A nil Breaker calls straight through.
type Breaker interface {
	Execute(fn func() error) error
}

// Affordance is the state of the bookmark toggle in the toolbar.
type Affordance struct {
	Active bool   `json:"active"`
	Count  int    `json:"count"`
	Label  string `json:"label"`
}

type Sync struct {
	backend ports.BookmarkBackend
	bus     *events.Bus
	breaker Breaker

	mu         sync.Mutex
	documentID string
	items      []models.Bookmark
}

func NewSync(backend ports.BookmarkBackend, bus *events.Bus, breaker Breaker) *Sync {
	return &Sync{backend: backend, bus: bus, breaker: breaker}
}

func (s *Sync) call(fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Execute(fn)
}

// Load replaces the cache with the backend list for documentID. Any error
// leaves the cache empty; it is logged and not returned.
func (s *Sync) Load(ctx context.Context, documentID string) []models.Bookmark {
	s.mu.Lock()
	s.documentID = documentID
	s.items = nil
	s.mu.Unlock()

	var list []models.Bookmark
	err := s.call(func() error {
		var err error
		list, err = s.backend.ListBookmarks(ctx, documentID)
		return err
	})
	if err != nil {
		log.Printf("[Bookmarks] failed to load bookmarks for %s: %v", documentID, err)
		list = nil
	}

	s.mu.Lock()
	if s.documentID != documentID {
		s.mu.Unlock()
		return nil
	}
	s.items = list
	out := slices.Clone(s.items)
	s.mu.Unlock()

	s.changed(len(out))
	return out
}

// Create bookmarks page on the current document. A conflict returns
// ErrDuplicateBookmark and leaves the cache unchanged.
func (s *Sync) Create(ctx context.Context, page int, name string) (models.Bookmark, error) {
	s.mu.Lock()
	documentID := s.documentID
	s.mu.Unlock()
	if documentID == "" {
		return models.Bookmark{}, models.ErrNoDocument
	}

	var (
		created  models.Bookmark
		conflict bool
	)
	err := s.call(func() error {
		var err error
		created, err = s.backend.CreateBookmark(ctx, documentID, page, name)
		if errors.Is(err, models.ErrDuplicateBookmark) {
			// A conflict means the backend is healthy.
			conflict = true
			return nil
		}
		return err
	})
	if conflict {
		err = models.ErrDuplicateBookmark
	}

	switch {
	case errors.Is(err, models.ErrDuplicateBookmark):
		s.bus.Notify(models.LevelWarning, msgDuplicate)
		return models.Bookmark{}, err
	case err != nil:
		log.Printf("[Bookmarks] failed to create bookmark on page %d: %v", page, err)
		s.bus.Notify(models.LevelError, msgSaveFail)
		return models.Bookmark{}, fmt.Errorf("create bookmark: %w", err)
	}

	s.mu.Lock()
	if s.documentID != documentID {
		s.mu.Unlock()
		return created, nil
	}
	s.items = append(s.items, created)
	count := len(s.items)
	s.mu.Unlock()

	s.bus.Notify(models.LevelSuccess, msgSaved)
	s.changed(count)
	return created, nil
}

// Delete removes a bookmark once confirmer agrees. It reports whether a
// request was made; the cache entry goes only after the backend succeeds.
func (s *Sync) Delete(ctx context.Context, bookmarkID int64, confirmer ports.Confirmer) (bool, error) {
	if confirmer == nil || !confirmer.Confirm(ConfirmDeletePrompt) {
		return false, nil
	}

	err := s.call(func() error {
		return s.backend.DeleteBookmark(ctx, bookmarkID)
	})
	if err != nil {
		log.Printf("[Bookmarks] failed to delete bookmark %d: %v", bookmarkID, err)
		s.bus.Notify(models.LevelError, msgRemoveErr)
		return true, fmt.Errorf("delete bookmark: %w", err)
	}

	s.mu.Lock()
	s.items = slices.DeleteFunc(s.items, func(b models.Bookmark) bool { return b.ID == bookmarkID })
	count := len(s.items)
	s.mu.Unlock()

	s.bus.Notify(models.LevelSuccess, msgRemoved)
	s.changed(count)
	return true, nil
}

// List returns the cached bookmarks in creation order.
func (s *Sync) List() []models.Bookmark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

// ForPage returns the cached bookmark on page, if any.
func (s *Sync) ForPage(page int) (models.Bookmark, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.items {
		if b.Page == page {
			return b, true
		}
	}
	return models.Bookmark{}, false
}

func (s *Sync) Affordance() Affordance {
	s.mu.Lock()
	n := len(s.items)
	s.mu.Unlock()
	return AffordanceFor(n)
}

func AffordanceFor(count int) Affordance {
	if count == 0 {
		return Affordance{Label: "Bookmark"}
	}
	return Affordance{Active: true, Count: count, Label: fmt.Sprintf("Bookmarks (%d)", count)}
}

func (s *Sync) changed(count int) {
	s.bus.Publish(events.Event{Kind: events.BookmarksChanged, Count: count})
}
