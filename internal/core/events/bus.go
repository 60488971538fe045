package events

import (
	"docviewer/internal/core/domain/models"
	"slices"
	"sync"
	"time"
)

type Kind string

const (
	DocumentLoaded    Kind = "document-loaded"
	LoadFailed        Kind = "load-failed"
	RenderStarted     Kind = "render-started"
	RenderCompleted   Kind = "render-completed"
	RenderFailed      Kind = "render-failed"
	ProtectionChanged Kind = "protection-changed"
	NoticeRaised      Kind = "notice"
	BookmarksChanged  Kind = "bookmarks-changed"
)

// Event is a flat record; only the fields relevant to Kind are set.
type Event struct {
	Kind       Kind                   `json:"kind"`
	At         time.Time              `json:"at"`
	DocumentID string                 `json:"document_id,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Page       int                    `json:"page,omitempty"`
	PageCount  int                    `json:"page_count,omitempty"`
	Scale      float64                `json:"scale,omitempty"`
	Width      int                    `json:"width,omitempty"`
	Height     int                    `json:"height,omitempty"`
	HasPrev    bool                   `json:"has_prev,omitempty"`
	HasNext    bool                   `json:"has_next,omitempty"`
	Protection models.ProtectionState `json:"protection,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Notice     *models.Notice         `json:"notice,omitempty"`
	Count      int                    `json:"count,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Err        error                  `json:"-"`
}

type Listener func(Event)

// Bus fans events out synchronously to every subscriber. A nil *Bus drops
// everything, so components can be used without one.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
}

func NewBus() *Bus {
	return &Bus{listeners: make(map[int]Listener)}
}

// Subscribe registers l and returns a function that removes it.
func (b *Bus) Subscribe(l Listener) func() {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Err != nil && e.Error == "" {
		e.Error = e.Err.Error()
	}

	b.mu.RLock()
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	slices.Sort(ids)
	for _, id := range ids {
		b.mu.RLock()
		l, ok := b.listeners[id]
		b.mu.RUnlock()
		if ok {
			l(e)
		}
	}
}

// Notify publishes a notice event.
func (b *Bus) Notify(level models.NoticeLevel, msg string) {
	b.Publish(Event{Kind: NoticeRaised, Notice: &models.Notice{Level: level, Message: msg}})
}
