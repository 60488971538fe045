package protection

import (
	"docviewer/internal/core/domain/models"
	"sync"
)

// Window holds the latest window metrics reported by the presentation
// layer and serves them to the devtools poll.
type Window struct {
	mu sync.RWMutex
	m  models.WindowMetrics
}

func (w *Window) Set(m models.WindowMetrics) {
	w.mu.Lock()
	w.m = m
	w.mu.Unlock()
}

func (w *Window) WindowMetrics() models.WindowMetrics {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.m
}
