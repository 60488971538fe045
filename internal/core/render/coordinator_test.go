package render

import (
	"bytes"
	"context"
	imageengine "docviewer/internal/adapters/engine"
	"docviewer/internal/core/domain/models"
	"docviewer/internal/core/domain/ports"
	"docviewer/internal/core/events"
	"docviewer/internal/core/surface"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	info       models.DocumentInfo
	infoErr    error
	payload    []byte
	payloadErr error
}

func (b *fakeBackend) DocumentInfo(ctx context.Context, id string) (models.DocumentInfo, error) {
	return b.info, b.infoErr
}

func (b *fakeBackend) DocumentPayload(ctx context.Context, id string) ([]byte, error) {
	if b.payloadErr != nil {
		return nil, b.payloadErr
	}
	if b.payload != nil {
		return b.payload, nil
	}
	return []byte("%PDF-1.7"), nil
}

// fakeEngine renders blank pages. When gate is set, every Render call waits
// for one token from it.
type fakeEngine struct {
	pages   int
	gate    chan struct{}
	started chan int
	fail    map[int]bool
	panics  map[int]bool

	mu       sync.Mutex
	rendered []int
	widths   []int
	closed   int
}

func (e *fakeEngine) Open(ctx context.Context, payload []byte) (ports.RasterDocument, error) {
	return &fakeDoc{e: e}, nil
}

func (e *fakeEngine) Rendered() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.rendered...)
}

func (e *fakeEngine) Widths() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.widths...)
}

type fakeDoc struct{ e *fakeEngine }

func (d *fakeDoc) NumPages() int { return d.e.pages }

func (d *fakeDoc) Page(ctx context.Context, n int) (ports.RasterPage, error) {
	return &fakePage{e: d.e, n: n}, nil
}

func (d *fakeDoc) Close() error {
	d.e.mu.Lock()
	d.e.closed++
	d.e.mu.Unlock()
	return nil
}

type fakePage struct {
	e *fakeEngine
	n int
}

func (p *fakePage) Viewport(scale float64) models.Viewport {
	return models.Viewport{Width: 100 * scale, Height: 200 * scale}
}

func (p *fakePage) Render(ctx context.Context, vp models.Viewport) (*image.RGBA, error) {
	p.e.mu.Lock()
	p.e.rendered = append(p.e.rendered, p.n)
	p.e.widths = append(p.e.widths, int(vp.Width))
	p.e.mu.Unlock()

	if p.e.started != nil {
		p.e.started <- p.n
	}
	if p.e.gate != nil {
		select {
		case <-p.e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.e.fail[p.n] {
		return nil, fmt.Errorf("corrupt page")
	}
	if p.e.panics[p.n] {
		panic("decoder state corrupted")
	}
	return image.NewRGBA(image.Rect(0, 0, int(vp.Width), int(vp.Height))), nil
}

func newGatedEngine(pages int) *fakeEngine {
	return &fakeEngine{
		pages:   pages,
		gate:    make(chan struct{}, 16),
		started: make(chan int, 16),
	}
}

func newTestCoordinator(t *testing.T, engine *fakeEngine, opts Options) (*Coordinator, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	c := NewCoordinator(&fakeBackend{info: models.DocumentInfo{Title: "Manual", PageCount: engine.pages}}, engine, nil, surface.New(), bus, opts)
	t.Cleanup(func() { _ = c.Close() })
	return c, bus
}

func waitStarted(t *testing.T, e *fakeEngine, want int) {
	t.Helper()
	select {
	case got := <-e.started:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("render of page %d never started", want)
	}
}

func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitIdle(ctx))
}

func TestCoordinator_BurstCoalescesToLastRequest(t *testing.T) {
	engine := newGatedEngine(10)
	c, _ := newTestCoordinator(t, engine, Options{})

	_, err := c.LoadDocument(context.Background(), "doc-1", 1)
	require.NoError(t, err)
	waitStarted(t, engine, 1)

	for n := 2; n <= 9; n++ {
		require.NoError(t, c.RenderPage(n))
	}
	st := c.State()
	assert.True(t, st.Rendering)
	assert.Equal(t, 1, st.RenderingPage)
	assert.Equal(t, 9, st.PendingPage)

	engine.gate <- struct{}{}
	waitStarted(t, engine, 9)
	engine.gate <- struct{}{}
	waitIdle(t, c)

	assert.Equal(t, []int{1, 9}, engine.Rendered())
	assert.Equal(t, 9, c.State().DisplayedPage)
	assert.Equal(t, 9, c.Surface().PageNumber())
	assert.Equal(t, int64(2), c.Stats().Rasterizations)
	assert.Equal(t, int64(7), c.Stats().Coalesced)
}

func TestCoordinator_EndToEndFiveThenEight(t *testing.T) {
	engine := newGatedEngine(10)
	c, bus := newTestCoordinator(t, engine, Options{})

	var (
		mu        sync.Mutex
		completed []int
	)
	bus.Subscribe(func(e events.Event) {
		if e.Kind == events.RenderCompleted {
			mu.Lock()
			completed = append(completed, e.Page)
			mu.Unlock()
		}
	})

	_, err := c.LoadDocument(context.Background(), "doc-1", 1)
	require.NoError(t, err)
	waitStarted(t, engine, 1)
	engine.gate <- struct{}{}
	waitIdle(t, c)

	require.NoError(t, c.RenderPage(5))
	waitStarted(t, engine, 5)
	require.NoError(t, c.RenderPage(8))
	engine.gate <- struct{}{}
	engine.gate <- struct{}{}
	waitIdle(t, c)

	assert.Equal(t, []int{1, 5, 8}, engine.Rendered())
	assert.Equal(t, 8, c.State().DisplayedPage)
	assert.Equal(t, 8, c.State().Page)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 8, completed[len(completed)-1])
}

func TestCoordinator_FailedRenderDoesNotWedge(t *testing.T) {
	engine := newGatedEngine(10)
	engine.fail = map[int]bool{3: true}
	c, bus := newTestCoordinator(t, engine, Options{})

	var (
		mu     sync.Mutex
		failed []error
	)
	bus.Subscribe(func(e events.Event) {
		if e.Kind == events.RenderFailed {
			mu.Lock()
			failed = append(failed, e.Err)
			mu.Unlock()
		}
	})

	_, err := c.LoadDocument(context.Background(), "doc-1", 3)
	require.NoError(t, err)
	waitStarted(t, engine, 3)
	require.NoError(t, c.RenderPage(4))
	engine.gate <- struct{}{}
	engine.gate <- struct{}{}
	waitIdle(t, c)

	assert.Equal(t, 4, c.State().DisplayedPage)
	assert.False(t, c.State().Rendering)
	assert.Equal(t, int64(1), c.Stats().Failures)

	mu.Lock()
	require.Len(t, failed, 1)
	var renderErr *models.RenderError
	require.True(t, errors.As(failed[0], &renderErr))
	assert.Equal(t, 3, renderErr.Page)
	mu.Unlock()

	// Later requests still go through.
	require.NoError(t, c.RenderPage(5))
	engine.gate <- struct{}{}
	waitIdle(t, c)
	assert.Equal(t, 5, c.State().DisplayedPage)
}

func TestCoordinator_LoadFailureLeavesEmptyState(t *testing.T) {
	engine := &fakeEngine{pages: 4}
	bus := events.NewBus()
	backend := &fakeBackend{payloadErr: errors.New("503 Service Unavailable")}
	c := NewCoordinator(backend, engine, nil, surface.New(), bus, Options{})
	defer c.Close()

	var got events.Event
	bus.Subscribe(func(e events.Event) { got = e })

	_, err := c.LoadDocument(context.Background(), "doc-9", 1)
	var loadErr *models.LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, "doc-9", loadErr.DocumentID)

	assert.Equal(t, events.LoadFailed, got.Kind)
	assert.Contains(t, got.Error, "503")
	assert.Nil(t, c.Surface().Composite())
	assert.Equal(t, 0, c.State().PageCount)
	assert.ErrorIs(t, c.RenderPage(1), models.ErrNoDocument)
	assert.Empty(t, engine.Rendered())
}

func TestCoordinator_StartPageIsClamped(t *testing.T) {
	engine := &fakeEngine{pages: 10}
	c, _ := newTestCoordinator(t, engine, Options{})

	doc, err := c.LoadDocument(context.Background(), "doc-1", 50)
	require.NoError(t, err)
	waitIdle(t, c)
	assert.Equal(t, 10, doc.PageCount)
	assert.Equal(t, "Manual", doc.Title)
	assert.Equal(t, 10, c.State().DisplayedPage)

	_, err = c.LoadDocument(context.Background(), "doc-2", 0)
	require.NoError(t, err)
	waitIdle(t, c)
	assert.Equal(t, 1, c.State().DisplayedPage)
	assert.Equal(t, "doc-2", c.State().DocumentID)
}

func TestCoordinator_GoToPageBounds(t *testing.T) {
	engine := &fakeEngine{pages: 10}
	c, _ := newTestCoordinator(t, engine, Options{})

	_, err := c.LoadDocument(context.Background(), "doc-1", 4)
	require.NoError(t, err)
	waitIdle(t, c)

	for _, n := range []int{0, -1, 11, 100} {
		page, err := c.GoToPage(n)
		assert.ErrorIs(t, err, models.ErrPageOutOfRange)
		assert.Equal(t, 4, page)
	}
	waitIdle(t, c)
	assert.Equal(t, []int{4}, engine.Rendered())
	assert.Equal(t, 4, c.State().Page)

	page, err := c.GoToPage(7)
	require.NoError(t, err)
	assert.Equal(t, 7, page)
	waitIdle(t, c)
	assert.Equal(t, 7, c.State().DisplayedPage)
}

func TestCoordinator_StepNavigation(t *testing.T) {
	engine := &fakeEngine{pages: 3}
	c, _ := newTestCoordinator(t, engine, Options{})

	_, err := c.LoadDocument(context.Background(), "doc-1", 1)
	require.NoError(t, err)
	waitIdle(t, c)

	page, err := c.PrevPage()
	require.NoError(t, err)
	assert.Equal(t, 1, page)

	page, _ = c.NextPage()
	assert.Equal(t, 2, page)
	waitIdle(t, c)
	page, _ = c.LastPage()
	assert.Equal(t, 3, page)
	waitIdle(t, c)
	page, _ = c.NextPage()
	assert.Equal(t, 3, page)
	page, _ = c.FirstPage()
	assert.Equal(t, 1, page)
	waitIdle(t, c)

	assert.Equal(t, []int{1, 2, 3, 1}, engine.Rendered())
}

func TestCoordinator_ZoomIsClamped(t *testing.T) {
	engine := &fakeEngine{pages: 2}
	c, _ := newTestCoordinator(t, engine, Options{})

	_, err := c.LoadDocument(context.Background(), "doc-1", 1)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		c.ZoomIn()
	}
	assert.Equal(t, models.NumericScale(MaxScale), c.State().Scale)

	for i := 0; i < 20; i++ {
		c.ZoomOut()
	}
	assert.Equal(t, models.NumericScale(MinScale), c.State().Scale)

	assert.Equal(t, models.NumericScale(MaxScale), c.SetScale(models.NumericScale(7)))
	assert.Equal(t, models.NumericScale(MinScale), c.SetScale(models.NumericScale(0.01)))
	assert.Equal(t, models.NumericScale(1.5), c.SetScale(models.NumericScale(1.5)))

	waitIdle(t, c)
	assert.Equal(t, 1.5, c.State().ResolvedScale)
}

func TestCoordinator_ZoomIgnoredWhileSymbolic(t *testing.T) {
	engine := &fakeEngine{pages: 2}
	c, _ := newTestCoordinator(t, engine, Options{InitialScale: models.AutoScale, Container: models.Size{Width: 300, Height: 300}})

	_, err := c.LoadDocument(context.Background(), "doc-1", 1)
	require.NoError(t, err)
	waitIdle(t, c)

	assert.Equal(t, models.AutoScale, c.ZoomIn())
	waitIdle(t, c)
	assert.Equal(t, []int{1}, engine.Rendered())
	assert.InDelta(t, 1.5, c.State().ResolvedScale, 1e-9)
}

func TestCoordinator_FitTracksContainerWidth(t *testing.T) {
	engine := &fakeEngine{pages: 5}
	c, _ := newTestCoordinator(t, engine, Options{Container: models.Size{Width: 200, Height: 900}})

	_, err := c.LoadDocument(context.Background(), "doc-1", 2)
	require.NoError(t, err)
	waitIdle(t, c)

	c.SetScale(models.FitScale)
	waitIdle(t, c)
	first := c.State().ResolvedScale

	require.NoError(t, c.Resize(300, 900))
	waitIdle(t, c)
	second := c.State().ResolvedScale

	assert.InDelta(t, 2.0, first, 1e-9)
	assert.InDelta(t, 3.0, second, 1e-9)
	assert.InDelta(t, 200.0/300.0, first/second, 1e-9)
	assert.Equal(t, []int{100, 200, 300}, engine.Widths())

	// A numeric scale ignores resizes.
	c.SetScale(models.NumericScale(1))
	waitIdle(t, c)
	require.NoError(t, c.Resize(500, 900))
	waitIdle(t, c)
	assert.Equal(t, []int{100, 200, 300, 100}, engine.Widths())
}

func TestCoordinator_EventSequence(t *testing.T) {
	engine := &fakeEngine{pages: 2}
	c, bus := newTestCoordinator(t, engine, Options{})

	var (
		mu    sync.Mutex
		kinds []events.Kind
		done  events.Event
	)
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, e.Kind)
		if e.Kind == events.RenderCompleted {
			done = e
		}
	})

	_, err := c.LoadDocument(context.Background(), "doc-1", 1)
	require.NoError(t, err)
	waitIdle(t, c)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.Kind{events.DocumentLoaded, events.RenderStarted, events.RenderCompleted}, kinds)
	assert.False(t, done.HasPrev)
	assert.True(t, done.HasNext)
	assert.Equal(t, 100, done.Width)
	assert.Equal(t, 200, done.Height)
}

type recordingStamper struct {
	mu    sync.Mutex
	texts []string
}

func (s *recordingStamper) Stamp(dst draw.Image, text string) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
}

func TestCoordinator_StampsBeforeCompletion(t *testing.T) {
	engine := &fakeEngine{pages: 1}
	stamper := &recordingStamper{}
	bus := events.NewBus()
	c := NewCoordinator(&fakeBackend{info: models.DocumentInfo{PageCount: 1}}, engine, stamper, nil, bus, Options{WatermarkText: "ACME INTERNAL"})
	defer c.Close()

	var stampedAtCompletion int
	bus.Subscribe(func(e events.Event) {
		if e.Kind == events.RenderCompleted {
			stamper.mu.Lock()
			stampedAtCompletion = len(stamper.texts)
			stamper.mu.Unlock()
		}
	})

	_, err := c.LoadDocument(context.Background(), "doc-1", 1)
	require.NoError(t, err)
	waitIdle(t, c)

	assert.Equal(t, 1, stampedAtCompletion)
	assert.Equal(t, []string{"ACME INTERNAL"}, stamper.texts)
}

func TestCoordinator_CloseReleasesDocument(t *testing.T) {
	engine := newGatedEngine(3)
	c, _ := newTestCoordinator(t, engine, Options{})

	_, err := c.LoadDocument(context.Background(), "doc-1", 1)
	require.NoError(t, err)
	waitStarted(t, engine, 1)

	require.NoError(t, c.Close())
	assert.Equal(t, 1, engine.closed)
	assert.ErrorIs(t, c.RenderPage(2), models.ErrNoDocument)
}

func collectFailures(bus *events.Bus) func() []error {
	var (
		mu     sync.Mutex
		failed []error
	)
	bus.Subscribe(func(e events.Event) {
		if e.Kind == events.RenderFailed {
			mu.Lock()
			failed = append(failed, e.Err)
			mu.Unlock()
		}
	})
	return func() []error {
		mu.Lock()
		defer mu.Unlock()
		return append([]error(nil), failed...)
	}
}

func TestCoordinator_EnginePanicIsReportedAsFailure(t *testing.T) {
	engine := &fakeEngine{pages: 3, panics: map[int]bool{1: true}}
	c, bus := newTestCoordinator(t, engine, Options{})
	failures := collectFailures(bus)

	_, err := c.LoadDocument(context.Background(), "doc-1", 1)
	require.NoError(t, err)
	waitIdle(t, c)

	st := c.State()
	assert.False(t, st.Rendering)
	assert.Equal(t, 0, st.DisplayedPage)
	assert.Equal(t, int64(1), c.Stats().Failures)

	failed := failures()
	require.Len(t, failed, 1)
	var renderErr *models.RenderError
	require.ErrorAs(t, failed[0], &renderErr)
	assert.Equal(t, 1, renderErr.Page)
	assert.Contains(t, renderErr.Error(), "decoder state corrupted")

	require.NoError(t, c.RenderPage(2))
	waitIdle(t, c)
	assert.Equal(t, 2, c.State().DisplayedPage)
}

func TestCoordinator_ResizeRejectsInvalidSizes(t *testing.T) {
	engine := &fakeEngine{pages: 2}
	c, _ := newTestCoordinator(t, engine, Options{Container: models.Size{Width: 200, Height: 400}, InitialScale: models.FitScale})

	_, err := c.LoadDocument(context.Background(), "doc-1", 1)
	require.NoError(t, err)
	waitIdle(t, c)

	for _, size := range [][2]float64{
		{1e12, 600},
		{600, MaxContainerDimension + 1},
		{-1, 600},
		{math.NaN(), 600},
		{math.Inf(1), 600},
	} {
		assert.ErrorIs(t, c.Resize(size[0], size[1]), models.ErrInvalidSize, "size %v", size)
	}
	waitIdle(t, c)

	assert.Equal(t, models.Size{Width: 200, Height: 400}, c.State().Container)
	assert.Equal(t, []int{200}, engine.Widths())

	require.NoError(t, c.Resize(0, 0))
	require.NoError(t, c.Resize(MaxContainerDimension, MaxContainerDimension))
}

func pngPayload(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestCoordinator_OversizedViewportFailsWithImageEngine(t *testing.T) {
	bus := events.NewBus()
	failures := collectFailures(bus)
	backend := &fakeBackend{info: models.DocumentInfo{PageCount: 1}, payload: pngPayload(t, 10, 10)}
	c := NewCoordinator(backend, imageengine.NewImageEngine(), nil, surface.New(), bus, Options{
		Container:    models.Size{Width: MaxContainerDimension, Height: MaxContainerDimension},
		InitialScale: models.FitScale,
	})
	t.Cleanup(func() { _ = c.Close() })

	_, err := c.LoadDocument(context.Background(), "scan-1", 1)
	require.NoError(t, err)
	waitIdle(t, c)

	assert.False(t, c.State().Rendering)
	assert.Equal(t, 0, c.State().DisplayedPage)
	failed := failures()
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0], models.ErrInvalidSize)

	c.SetScale(models.NumericScale(2))
	waitIdle(t, c)
	assert.Equal(t, 1, c.State().DisplayedPage)
	assert.Equal(t, 20, c.Surface().Page().Bounds().Dx())
}

func TestCoordinator_EngineWithoutPagesFailsLoad(t *testing.T) {
	engine := &fakeEngine{pages: 0}
	backend := &fakeBackend{info: models.DocumentInfo{Title: "Empty", PageCount: 5}}
	c := NewCoordinator(backend, engine, nil, surface.New(), events.NewBus(), Options{})
	t.Cleanup(func() { _ = c.Close() })

	_, err := c.LoadDocument(context.Background(), "doc-1", 1)
	var loadErr *models.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, 0, c.State().PageCount)
	assert.Equal(t, 1, engine.closed)
}
