package service

import (
	"docviewer/internal/adapters/backend"
	"docviewer/internal/adapters/engine"
	"docviewer/internal/adapters/resilience"
	"docviewer/internal/config"
	"docviewer/internal/core/bookmarks"
	"docviewer/internal/core/domain/models"
	"docviewer/internal/core/domain/ports"
	"docviewer/internal/core/events"
	"docviewer/internal/core/protection"
	"docviewer/internal/core/render"
	"docviewer/internal/core/surface"
	"docviewer/internal/core/watermark"
	"fmt"

	"github.com/google/uuid"
)

// StateStore persists reading positions and protection incidents.
type StateStore interface {
	ports.ReadingStateStore
	ports.IncidentRecorder
}

func CreateEngine(cfg *config.Config) ports.Engine {
	switch cfg.Engine {
	case "image":
		return engine.NewImageEngine()
	default:
		return engine.NewPoppler(cfg.PDFInfoPath, cfg.PDFToPPMPath)
	}
}

func CreateBackend(cfg *config.Config) *backend.Client {
	return backend.NewClient(cfg.ServerURL, backend.Options{
		Username:         cfg.Username,
		Password:         cfg.Password,
		MaxDocumentBytes: cfg.MaxDocumentBytes,
		Retries:          cfg.HTTPRetries,
		LogLevel:         cfg.LogLevel,
	})
}

// NewViewer wires a viewing session against the configured backend. store
// and redirect may be nil.
func NewViewer(cfg *config.Config, store StateStore, redirect ports.Redirector) (*ViewerService, error) {
	return NewViewerWith(cfg, CreateBackend(cfg), CreateEngine(cfg), store, redirect)
}

// Backend is everything the viewer needs from the document server.
type Backend interface {
	ports.DocumentBackend
	ports.BookmarkBackend
	ports.LicenseBackend
	ports.DownloadBackend
}

func NewViewerWith(cfg *config.Config, be Backend, eng ports.Engine, store StateStore, redirect ports.Redirector) (*ViewerService, error) {
	stamper, err := watermark.NewStamper()
	if err != nil {
		return nil, fmt.Errorf("failed to create watermark stamper: %w", err)
	}

	bus := events.NewBus()
	surf := surface.New()
	window := &protection.Window{}
	sessionID := uuid.NewString()

	coord := render.NewCoordinator(be, eng, stamper, surf, bus, render.Options{
		Container:     models.Size{Width: cfg.ContainerWidth, Height: cfg.ContainerHeight},
		InitialScale:  models.NumericScale(render.DefaultScale),
		WatermarkText: cfg.WatermarkText,
	})

	guardOpts := protection.Options{
		Dwell:             cfg.Dwell(),
		PollInterval:      cfg.PollInterval(),
		DevtoolsThreshold: cfg.DevtoolsThreshold,
		SessionID:         sessionID,
		Metrics:           window,
	}
	deps := Deps{
		License:     NewLicenseGate(be, redirect, bus),
		Coordinator: coord,
		Window:      window,
		Bookmarks:   bookmarks.NewSync(be, bus, resilience.NewCircuitBreaker("bookmarks", cfg.BreakerThreshold, cfg.BreakerTimeout())),
		Downloads:   be,
		Bus:         bus,
		SessionID:   sessionID,
	}
	if store != nil {
		guardOpts.Recorder = store
		deps.Positions = store
	}
	deps.Guard = protection.NewGuard(surf, bus, guardOpts)

	return NewViewerService(deps), nil
}
