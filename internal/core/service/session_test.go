package service

import (
	"bytes"
	"context"
	"docviewer/internal/adapters/tracker"
	"docviewer/internal/config"
	"docviewer/internal/core/domain/models"
	"docviewer/internal/core/events"
	"docviewer/internal/core/protection"
	"encoding/json"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	mu        sync.Mutex
	license   models.LicenseSnapshot
	bookmarks []map[string]any
	created   []string
}

func gifDocument(t *testing.T, pages int) []byte {
	t.Helper()
	anim := &gif.GIF{Config: image.Config{Width: 40, Height: 60, ColorModel: color.Palette(palette.Plan9)}}
	for i := 0; i < pages; i++ {
		anim.Image = append(anim.Image, image.NewPaletted(image.Rect(0, 0, 40, 60), palette.Plan9))
		anim.Delay = append(anim.Delay, 0)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, anim))
	return buf.Bytes()
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{
		license:   models.LicenseSnapshot{IsActive: true, IsValid: true, Edition: "enterprise", DaysRemaining: 200},
		bookmarks: []map[string]any{{"id": 1, "pageNumber": 2, "bookmarkName": "Chapter 2"}},
	}
	payload := gifDocument(t, 3)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /documents/info/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "doc-1" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"title": "Quarterly Report", "pageCount": 3})
	})
	mux.HandleFunc("GET /documents/view/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "doc-1" {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	})
	mux.HandleFunc("GET /documents/bookmarks/{id}", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		json.NewEncoder(w).Encode(fs.bookmarks)
	})
	mux.HandleFunc("POST /documents/bookmark/{id}", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		fs.created = append(fs.created, r.URL.Query().Get("page"))
		json.NewEncoder(w).Encode(map[string]any{"id": 2, "pageNumber": 3, "bookmarkName": r.URL.Query().Get("name")})
	})
	mux.HandleFunc("GET /documents/download-watermarked/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="report_watermarked.pdf"`)
		w.Write([]byte("%PDF-1.4 watermarked"))
	})
	mux.HandleFunc("GET /api/license/status", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		json.NewEncoder(w).Encode(fs.license)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fs, srv
}

func testConfig(serverURL string) *config.Config {
	return &config.Config{
		ServerURL:         serverURL,
		LogLevel:          "info",
		WatermarkText:     "CONFIDENTIAL",
		Engine:            "image",
		ContainerWidth:    800,
		ContainerHeight:   600,
		DwellMS:           50,
		PollMS:            10,
		DevtoolsThreshold: 160,
		BreakerThreshold:  3,
		BreakerTimeoutSec: 30,
	}
}

type recordingRedirector struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingRedirector) RedirectToLicense(reason string, _ models.LicenseSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func newTestViewer(t *testing.T, store StateStore, redirect *recordingRedirector) (*ViewerService, *fakeServer) {
	t.Helper()
	fs, srv := newFakeServer(t)
	if redirect == nil {
		redirect = &recordingRedirector{}
	}
	v, err := NewViewer(testConfig(srv.URL), store, redirect)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v, fs
}

func waitIdle(t *testing.T, v *ViewerService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, v.Coordinator().WaitIdle(ctx))
}

func TestViewerService_Open(t *testing.T) {
	v, _ := newTestViewer(t, nil, nil)

	doc, err := v.Open(context.Background(), "doc-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly Report", doc.Title)
	assert.Equal(t, 3, doc.PageCount)
	waitIdle(t, v)

	st := v.Coordinator().State()
	assert.Equal(t, 2, st.DisplayedPage)
	assert.Equal(t, "doc-1", v.DocumentID())

	require.Len(t, v.Bookmarks().List(), 1)
	assert.True(t, v.Bookmarks().Affordance().Active)
}

func TestViewerService_OpenUnknownDocument(t *testing.T) {
	v, _ := newTestViewer(t, nil, nil)

	_, err := v.Open(context.Background(), "missing", 1)
	var loadErr *models.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "missing", loadErr.DocumentID)
	assert.Empty(t, v.DocumentID())
}

func TestViewerService_LicenseBlocksOpen(t *testing.T) {
	redirect := &recordingRedirector{}
	v, fs := newTestViewer(t, nil, redirect)
	fs.license = models.LicenseSnapshot{IsActive: false}

	var notices []string
	v.Bus().Subscribe(func(e events.Event) {
		if e.Kind == events.NoticeRaised {
			notices = append(notices, e.Notice.Message)
		}
	})

	_, err := v.Open(context.Background(), "doc-1", 1)
	require.ErrorIs(t, err, models.ErrLicenseBlocked)
	assert.Equal(t, []string{ReasonNotActivated}, redirect.reasons)
	assert.Equal(t, []string{ReasonNotActivated}, notices)
	assert.Equal(t, 0, v.Coordinator().State().PageCount)
}

func TestViewerService_ResumesAndTracksPosition(t *testing.T) {
	store, err := tracker.Open("file:" + filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SavePosition(ctx, models.ReadingPosition{DocumentID: "doc-1", Page: 3, Scale: models.NumericScale(1.5)}))

	v, _ := newTestViewer(t, store, nil)
	v.Start(ctx)

	_, err = v.Open(ctx, "doc-1", 0)
	require.NoError(t, err)
	waitIdle(t, v)

	st := v.Coordinator().State()
	assert.Equal(t, 3, st.DisplayedPage)
	assert.Equal(t, models.NumericScale(1.5), st.Scale)

	_, err = v.Coordinator().PrevPage()
	require.NoError(t, err)
	waitIdle(t, v)

	pos, err := store.LastPosition(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, pos.Page)
	assert.Equal(t, models.NumericScale(1.5), pos.Scale)
}

func TestViewerService_HandleKey(t *testing.T) {
	v, _ := newTestViewer(t, nil, nil)
	_, err := v.Open(context.Background(), "doc-1", 1)
	require.NoError(t, err)
	waitIdle(t, v)

	res := v.HandleKey(protection.KeyEvent{Key: "ArrowRight"})
	assert.Equal(t, "next", res.Command)
	assert.Equal(t, 2, res.Page)
	assert.False(t, res.Suppress)

	res = v.HandleKey(protection.KeyEvent{Key: "End"})
	assert.Equal(t, 3, res.Page)

	res = v.HandleKey(protection.KeyEvent{Key: "ArrowRight", Ctrl: true})
	assert.Empty(t, res.Command)
	assert.Equal(t, 3, v.Coordinator().State().Page)

	res = v.HandleKey(protection.KeyEvent{Key: "=", Ctrl: true})
	assert.Equal(t, "zoom-in", res.Command)
	assert.True(t, res.Suppress)
	assert.Equal(t, models.NumericScale(1.25), v.Coordinator().State().Scale)

	res = v.HandleKey(protection.KeyEvent{Key: "p", Meta: true})
	assert.True(t, res.Suppress)
	assert.Empty(t, res.Command)

	res = v.HandleKey(protection.KeyEvent{Key: "PrintScreen"})
	assert.True(t, res.Screenshot)
	assert.Equal(t, models.ProtectionDegraded, v.Guard().Snapshot().State)
	waitIdle(t, v)
}

func TestViewerService_SaveWatermarked(t *testing.T) {
	v, _ := newTestViewer(t, nil, nil)

	_, err := v.SaveWatermarked(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, models.ErrNoDocument)

	_, err = v.Open(context.Background(), "doc-1", 1)
	require.NoError(t, err)
	waitIdle(t, v)

	var notices []models.Notice
	v.Bus().Subscribe(func(e events.Event) {
		if e.Kind == events.NoticeRaised {
			notices = append(notices, *e.Notice)
		}
	})

	dir := filepath.Join(t.TempDir(), "out")
	path, err := v.SaveWatermarked(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report_watermarked.pdf"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 watermarked", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, []models.Notice{{Level: models.LevelSuccess, Message: msgDownloaded}}, notices)
}
