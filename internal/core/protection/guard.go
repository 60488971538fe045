// Package protection degrades the visibility of the rendered page when a
// capture is suspected and suppresses copy, print and save shortcuts. It is
// a deterrent only.
package protection

import (
	"context"
	"docviewer/internal/core/domain/models"
	"docviewer/internal/core/domain/ports"
	"docviewer/internal/core/events"
	"docviewer/internal/core/surface"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultDwell             = 2 * time.Second
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultDevtoolsThreshold = 160
)

// Layer is the visibility wrapper over the page surface.
type Layer interface {
	SetVisibility(v surface.Visibility)
	DismissOverlay()
}

type Options struct {
	Dwell             time.Duration
	PollInterval      time.Duration
	DevtoolsThreshold int
	SessionID         string
	// Recorder is optional; failures are logged and ignored.
	Recorder ports.IncidentRecorder
	// Metrics is optional; without it Start does not poll.
	Metrics ports.WindowMetricsSource
}

// Outcome tells the presentation layer what to do with an event.
type Outcome struct {
	Suppress   bool           `json:"suppress"`
	Screenshot bool           `json:"screenshot,omitempty"`
	Notice     *models.Notice `json:"notice,omitempty"`
}

type Snapshot struct {
	State        models.ProtectionState `json:"state"`
	Attempts     int                    `json:"attempts"`
	DevtoolsOpen bool                   `json:"devtools_open"`
}

// Guard is the Normal/Degraded state machine. Listeners on the bus are
// called with the guard lock held and must not call back into it.
type Guard struct {
	layer Layer
	bus   *events.Bus
	opts  Options

	mu           sync.Mutex
	state        models.ProtectionState
	attempts     int
	devtoolsOpen bool
	documentID   string
	gen          uint64
	timer        *time.Timer
	cancel       context.CancelFunc
	done         chan struct{}
}

func NewGuard(layer Layer, bus *events.Bus, opts Options) *Guard {
	if opts.Dwell <= 0 {
		opts.Dwell = DefaultDwell
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DevtoolsThreshold <= 0 {
		opts.DevtoolsThreshold = DefaultDevtoolsThreshold
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	return &Guard{
		layer: layer,
		bus:   bus,
		opts:  opts,
		state: models.ProtectionNormal,
	}
}

// SetDocument tags subsequent incidents with documentID.
func (g *Guard) SetDocument(documentID string) {
	g.mu.Lock()
	g.documentID = documentID
	g.mu.Unlock()
}

func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{State: g.state, Attempts: g.attempts, DevtoolsOpen: g.devtoolsOpen}
}

func (g *Guard) FocusLost() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.degradeLocked("focus-lost")
}

// FocusGained restores visibility immediately and cancels a pending revert.
func (g *Guard) FocusGained() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen++
	g.stopTimerLocked()
	g.restoreLocked("focus-gained")
}

// DismissAdvisory hides the overlay without restoring visibility.
func (g *Guard) DismissAdvisory() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == models.ProtectionDegraded {
		g.layer.DismissOverlay()
	}
}

// HandleKey intercepts capture and save shortcuts. Screenshot combinations
// also count as an attempt and degrade the surface.
func (g *Guard) HandleKey(k KeyEvent) Outcome {
	if isScreenshot(k) {
		g.mu.Lock()
		g.attempts++
		attempt := g.attempts
		g.noticeLocked(MsgScreenshotDisabled)
		g.degradeLocked("screenshot")
		docID := g.documentID
		g.mu.Unlock()

		g.record(models.IncidentScreenshot, docID, attempt)
		return Outcome{Suppress: true, Screenshot: true, Notice: warning(MsgScreenshotDisabled)}
	}

	if msg := interception(k); msg != "" {
		g.notify(msg)
		return Outcome{Suppress: true, Notice: warning(msg)}
	}
	return Outcome{}
}

// HandleAction intercepts context menu, selection, drag and print requests.
func (g *Guard) HandleAction(a Action) Outcome {
	msg := actionMessage(a)
	if msg == "" {
		return Outcome{}
	}
	g.notify(msg)
	return Outcome{Suppress: true, Notice: warning(msg)}
}

// Sample feeds one window measurement into the devtools heuristic. Only
// the transition from closed to open degrades the surface.
func (g *Guard) Sample(m models.WindowMetrics) {
	th := g.opts.DevtoolsThreshold
	open := m.OuterHeight-m.InnerHeight > th || m.OuterWidth-m.InnerWidth > th

	g.mu.Lock()
	rising := open && !g.devtoolsOpen
	g.devtoolsOpen = open
	if !rising {
		g.mu.Unlock()
		return
	}
	g.noticeLocked(MsgDevtoolsDetected)
	g.degradeLocked("devtools")
	attempt := g.attempts
	docID := g.documentID
	g.mu.Unlock()

	g.record(models.IncidentDevtools, docID, attempt)
}

// Start polls the window metrics until ctx is done or Stop is called.
func (g *Guard) Start(ctx context.Context) {
	if g.opts.Metrics == nil {
		return
	}
	g.mu.Lock()
	if g.cancel != nil {
		g.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	g.cancel = cancel
	g.done = done
	g.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(g.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Sample(g.opts.Metrics.WindowMetrics())
			}
		}
	}()
}

// Stop ends polling, cancels any pending revert and restores visibility.
func (g *Guard) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.gen++
	g.stopTimerLocked()
	g.restoreLocked("stopped")
	g.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// degradeLocked enters Degraded and (re)arms the revert timer, replacing
// any earlier one.
func (g *Guard) degradeLocked(reason string) {
	g.gen++
	gen := g.gen
	g.stopTimerLocked()
	g.timer = time.AfterFunc(g.opts.Dwell, func() { g.revert(gen) })

	g.layer.SetVisibility(surface.Degraded)
	if g.state == models.ProtectionDegraded {
		return
	}
	g.state = models.ProtectionDegraded
	log.Printf("[Guard] degraded: %s", reason)
	g.bus.Publish(events.Event{Kind: events.ProtectionChanged, Protection: g.state, Reason: reason})
}

func (g *Guard) revert(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen != g.gen {
		return
	}
	g.timer = nil
	g.restoreLocked("dwell-elapsed")
}

func (g *Guard) restoreLocked(reason string) {
	if g.state == models.ProtectionNormal {
		return
	}
	g.state = models.ProtectionNormal
	g.layer.SetVisibility(surface.Clear)
	log.Printf("[Guard] restored: %s", reason)
	g.bus.Publish(events.Event{Kind: events.ProtectionChanged, Protection: g.state, Reason: reason})
}

func (g *Guard) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *Guard) notify(msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.noticeLocked(msg)
}

func (g *Guard) noticeLocked(msg string) {
	g.bus.Notify(models.LevelWarning, msg)
}

func (g *Guard) record(kind models.IncidentKind, documentID string, attempt int) {
	if g.opts.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := g.opts.Recorder.RecordIncident(ctx, models.Incident{
		ID:         uuid.NewString(),
		SessionID:  g.opts.SessionID,
		DocumentID: documentID,
		Kind:       kind,
		Attempt:    attempt,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[Guard] failed to record %s incident: %v", kind, err)
	}
}

func warning(msg string) *models.Notice {
	return &models.Notice{Level: models.LevelWarning, Message: msg}
}
