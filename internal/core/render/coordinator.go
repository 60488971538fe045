// Package render owns the current page and scale of a viewing session and
// coalesces page requests so that at most one rasterization is in flight
// and at most one request waits behind it.
package render

import (
	"context"
	"docviewer/internal/core/domain/models"
	"docviewer/internal/core/domain/ports"
	"docviewer/internal/core/events"
	"docviewer/internal/core/surface"
	"fmt"
	"image/draw"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Stamper decorates a freshly rendered page before it is displayed.
type Stamper interface {
	Stamp(dst draw.Image, text string)
}

type Options struct {
	Container     models.Size
	InitialScale  models.Scale
	WatermarkText string
}

type Stats struct {
	Rasterizations int64 `json:"rasterizations"`
	Failures       int64 `json:"failures"`
	Coalesced      int64 `json:"coalesced"`
}

type Coordinator struct {
	docs      ports.DocumentBackend
	engine    ports.Engine
	stamper   Stamper
	surface   *surface.Surface
	bus       *events.Bus
	watermark string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	doc       models.Document
	raster    ports.RasterDocument
	page      int
	displayed int
	scale     models.Scale
	resolved  float64
	container models.Size

	rendering bool
	inFlight  int
	pending   int
	idle      chan struct{}
	stats     Stats
	closed    bool
}

func NewCoordinator(docs ports.DocumentBackend, engine ports.Engine, stamper Stamper, surf *surface.Surface, bus *events.Bus, opts Options) *Coordinator {
	scale := opts.InitialScale
	if !scale.IsSymbolic() {
		if scale.Value == 0 {
			scale.Value = DefaultScale
		}
		scale.Value = ClampScale(scale.Value)
	}
	if surf == nil {
		surf = surface.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &Coordinator{
		docs:      docs,
		engine:    engine,
		stamper:   stamper,
		surface:   surf,
		bus:       bus,
		watermark: opts.WatermarkText,
		ctx:       ctx,
		cancel:    cancel,
		scale:     scale,
		container: opts.Container,
		idle:      idle,
	}
}

func (c *Coordinator) Surface() *surface.Surface { return c.surface }

// LoadDocument fetches metadata and payload concurrently, opens the payload
// with the engine and renders startPage clamped into the document bounds.
// On failure the surface is blanked and the coordinator returns to the
// empty state.
func (c *Coordinator) LoadDocument(ctx context.Context, documentID string, startPage int) (models.Document, error) {
	var (
		info    models.DocumentInfo
		payload []byte
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		info, err = c.docs.DocumentInfo(gctx, documentID)
		if err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		payload, err = c.docs.DocumentPayload(gctx, documentID)
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		return nil
	})

	err := g.Wait()
	var raster ports.RasterDocument
	if err == nil {
		raster, err = c.engine.Open(ctx, payload)
		if err != nil {
			err = fmt.Errorf("engine: %w", err)
		}
	}
	if err == nil && raster.NumPages() < 1 {
		_ = raster.Close()
		err = fmt.Errorf("engine found no pages")
	}

	if err != nil {
		loadErr := &models.LoadError{DocumentID: documentID, Err: err}
		log.Printf("[Render] %v", loadErr)
		c.reset(nil, models.Document{})
		c.surface.Blank()
		c.bus.Publish(events.Event{Kind: events.LoadFailed, DocumentID: documentID, Err: loadErr})
		return models.Document{}, loadErr
	}

	count := raster.NumPages()
	if info.PageCount > 0 && info.PageCount != count {
		log.Printf("[Render] document %s reports %d pages, engine found %d", documentID, info.PageCount, count)
	}
	doc := models.Document{ID: documentID, Title: info.Title, PageCount: count}

	if !c.reset(raster, doc) {
		_ = raster.Close()
		return models.Document{}, fmt.Errorf("coordinator closed")
	}

	page := min(max(startPage, 1), count)
	c.bus.Publish(events.Event{
		Kind:       events.DocumentLoaded,
		DocumentID: doc.ID,
		Title:      doc.Title,
		PageCount:  doc.PageCount,
		Page:       page,
	})
	if err := c.RenderPage(page); err != nil {
		return doc, err
	}
	return doc, nil
}

// reset swaps in a new document once any in-flight render has finished.
// It reports false if the coordinator is closed.
func (c *Coordinator) reset(raster ports.RasterDocument, doc models.Document) bool {
	c.mu.Lock()
	for c.rendering {
		c.pending = 0
		idle := c.idle
		c.mu.Unlock()
		<-idle
		c.mu.Lock()
	}
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if c.raster != nil {
		if err := c.raster.Close(); err != nil {
			log.Printf("[Render] failed to close document %s: %v", c.doc.ID, err)
		}
	}
	c.raster = raster
	c.doc = doc
	c.page = 0
	c.displayed = 0
	c.resolved = 0
	return true
}

// RenderPage requests page n. If a render is in flight, n replaces any
// pending request and is drawn when the current one completes.
func (c *Coordinator) RenderPage(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestLocked(n)
}

func (c *Coordinator) requestLocked(n int) error {
	if c.raster == nil || c.closed {
		return models.ErrNoDocument
	}
	if n < 1 || n > c.doc.PageCount {
		return fmt.Errorf("%w: %d not in [1, %d]", models.ErrPageOutOfRange, n, c.doc.PageCount)
	}
	c.page = n

	if c.rendering {
		if c.pending != 0 {
			c.stats.Coalesced++
		}
		c.pending = n
		return nil
	}

	c.rendering = true
	c.inFlight = n
	c.idle = make(chan struct{})
	go c.drain(n)
	return nil
}

type job struct {
	doc       models.Document
	raster    ports.RasterDocument
	page      int
	scale     models.Scale
	container models.Size
}

func (c *Coordinator) drain(n int) {
	for {
		c.mu.Lock()
		j := job{
			doc:       c.doc,
			raster:    c.raster,
			page:      n,
			scale:     c.scale,
			container: c.container,
		}
		c.stats.Rasterizations++
		c.mu.Unlock()

		c.bus.Publish(events.Event{Kind: events.RenderStarted, DocumentID: j.doc.ID, Page: n})
		c.finish(j, c.rasterize(j))

		c.mu.Lock()
		if c.pending == 0 || c.closed {
			c.pending = 0
			c.rendering = false
			c.inFlight = 0
			close(c.idle)
			c.mu.Unlock()
			return
		}
		n = c.pending
		c.pending = 0
		c.inFlight = n
		c.mu.Unlock()
	}
}

type result struct {
	resolved float64
	width    int
	height   int
	err      error
}

// rasterize reports an engine panic as an ordinary failure so the drain
// loop always reaches Idle.
func (c *Coordinator) rasterize(j job) (r result) {
	defer func() {
		if p := recover(); p != nil {
			r = result{err: fmt.Errorf("engine panic: %v", p)}
		}
	}()

	page, err := j.raster.Page(c.ctx, j.page)
	if err != nil {
		return result{err: err}
	}
	resolved := ResolveScale(j.scale, page.Viewport(1), j.container)
	vp := page.Viewport(resolved)
	if _, _, err := vp.PixelSize(); err != nil {
		return result{err: err}
	}
	img, err := page.Render(c.ctx, vp)
	if err != nil {
		return result{err: err}
	}
	if c.stamper != nil {
		c.stamper.Stamp(img, c.watermark)
	}
	c.surface.SetPage(img, j.page)
	b := img.Bounds()
	return result{resolved: resolved, width: b.Dx(), height: b.Dy()}
}

func (c *Coordinator) finish(j job, r result) {
	if r.err != nil {
		renderErr := &models.RenderError{Page: j.page, Err: r.err}
		log.Printf("[Render] %v", renderErr)
		c.mu.Lock()
		c.stats.Failures++
		c.mu.Unlock()
		c.bus.Publish(events.Event{Kind: events.RenderFailed, DocumentID: j.doc.ID, Page: j.page, Err: renderErr})
		return
	}

	c.mu.Lock()
	c.displayed = j.page
	c.resolved = r.resolved
	c.mu.Unlock()

	c.bus.Publish(events.Event{
		Kind:       events.RenderCompleted,
		DocumentID: j.doc.ID,
		Page:       j.page,
		PageCount:  j.doc.PageCount,
		Scale:      r.resolved,
		Width:      r.width,
		Height:     r.height,
		HasPrev:    j.page > 1,
		HasNext:    j.page < j.doc.PageCount,
	})
}

// GoToPage navigates to n. Out-of-range input leaves the state untouched
// and returns the current page with ErrPageOutOfRange.
func (c *Coordinator) GoToPage(n int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requestLocked(n); err != nil {
		return c.page, err
	}
	return n, nil
}

func (c *Coordinator) NextPage() (int, error) {
	return c.step(func(page, count int) int { return page + 1 })
}

func (c *Coordinator) PrevPage() (int, error) {
	return c.step(func(page, count int) int { return page - 1 })
}

func (c *Coordinator) FirstPage() (int, error) {
	return c.step(func(page, count int) int { return 1 })
}

func (c *Coordinator) LastPage() (int, error) {
	return c.step(func(page, count int) int { return count })
}

// step moves relative to the current page; moves past either end and moves
// onto the current page are no-ops.
func (c *Coordinator) step(target func(page, count int) int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raster == nil {
		return 0, models.ErrNoDocument
	}
	n := target(c.page, c.doc.PageCount)
	if n < 1 || n > c.doc.PageCount || n == c.page {
		return c.page, nil
	}
	if err := c.requestLocked(n); err != nil {
		return c.page, err
	}
	return n, nil
}

// Zoom adds delta to a numeric scale, clamped. It does nothing while the
// scale is symbolic.
func (c *Coordinator) Zoom(delta float64) models.Scale {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scale.IsSymbolic() {
		return c.scale
	}
	next := ClampScale(c.scale.Value + delta)
	if next == c.scale.Value {
		return c.scale
	}
	c.scale = models.NumericScale(next)
	c.rerenderLocked()
	return c.scale
}

func (c *Coordinator) ZoomIn() models.Scale  { return c.Zoom(ZoomStep) }
func (c *Coordinator) ZoomOut() models.Scale { return c.Zoom(-ZoomStep) }

// SetScale switches to s. Numeric values are clamped.
func (c *Coordinator) SetScale(s models.Scale) models.Scale {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !s.IsSymbolic() {
		s = models.NumericScale(ClampScale(s.Value))
	}
	if s == c.scale {
		return c.scale
	}
	c.scale = s
	c.rerenderLocked()
	return c.scale
}

// Resize records the container size. A symbolic scale is re-resolved by
// rendering the current page again. Each side must be finite and within
// [0, MaxContainerDimension].
func (c *Coordinator) Resize(width, height float64) error {
	if !ValidDimension(width) || !ValidDimension(height) {
		return fmt.Errorf("%w: container %gx%g", models.ErrInvalidSize, width, height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	size := models.Size{Width: width, Height: height}
	if size == c.container {
		return nil
	}
	c.container = size
	if c.scale.IsSymbolic() {
		c.rerenderLocked()
	}
	return nil
}

func (c *Coordinator) rerenderLocked() {
	if c.raster == nil || c.page == 0 {
		return
	}
	if err := c.requestLocked(c.page); err != nil {
		log.Printf("[Render] failed to re-render page %d: %v", c.page, err)
	}
}

func (c *Coordinator) State() models.ViewState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.ViewState{
		DocumentID:    c.doc.ID,
		Title:         c.doc.Title,
		PageCount:     c.doc.PageCount,
		Page:          c.page,
		DisplayedPage: c.displayed,
		Scale:         c.scale,
		ResolvedScale: c.resolved,
		Rendering:     c.rendering,
		RenderingPage: c.inFlight,
		PendingPage:   c.pending,
		Container:     c.container,
	}
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// WaitIdle blocks until no render is in flight or ctx is done.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any in-flight render, waits for the drain goroutine and
// releases the open document.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pending = 0
	idle := c.idle
	c.mu.Unlock()

	c.cancel()
	<-idle

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raster == nil {
		return nil
	}
	err := c.raster.Close()
	c.raster = nil
	return err
}
