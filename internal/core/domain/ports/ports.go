package ports

import (
	"context"
	"docviewer/internal/core/domain/models"
	"image"
	"io"
)

type DocumentBackend interface {
	DocumentInfo(ctx context.Context, documentID string) (models.DocumentInfo, error)
	DocumentPayload(ctx context.Context, documentID string) ([]byte, error)
}

type BookmarkBackend interface {
	ListBookmarks(ctx context.Context, documentID string) ([]models.Bookmark, error)
	CreateBookmark(ctx context.Context, documentID string, page int, name string) (models.Bookmark, error)
	DeleteBookmark(ctx context.Context, bookmarkID int64) error
}

type LicenseBackend interface {
	LicenseStatus(ctx context.Context) (models.LicenseSnapshot, error)
}

// DownloadBackend streams the server-watermarked copy of a document.
type DownloadBackend interface {
	DownloadWatermarked(ctx context.Context, documentID string) (filename string, body io.ReadCloser, err error)
}

// Engine opens a document payload for rasterization.
type Engine interface {
	Open(ctx context.Context, payload []byte) (RasterDocument, error)
}

type RasterDocument interface {
	NumPages() int
	Page(ctx context.Context, number int) (RasterPage, error)
	Close() error
}

// RasterPage computes the output size for a scale and renders into a new
// RGBA image of exactly that size.
type RasterPage interface {
	Viewport(scale float64) models.Viewport
	Render(ctx context.Context, vp models.Viewport) (*image.RGBA, error)
}

type ReadingStateStore interface {
	SavePosition(ctx context.Context, pos models.ReadingPosition) error
	LastPosition(ctx context.Context, documentID string) (models.ReadingPosition, error)
}

type IncidentRecorder interface {
	RecordIncident(ctx context.Context, incident models.Incident) error
}

type IncidentLog interface {
	IncidentRecorder
	ListIncidents(ctx context.Context, documentID string, limit int) ([]models.Incident, error)
}

// Confirmer asks the user to confirm a destructive action.
type Confirmer interface {
	Confirm(prompt string) bool
}

type ConfirmFunc func(prompt string) bool

func (f ConfirmFunc) Confirm(prompt string) bool { return f(prompt) }

type WindowMetricsSource interface {
	WindowMetrics() models.WindowMetrics
}

// Redirector is invoked when the license blocks the viewer.
type Redirector interface {
	RedirectToLicense(reason string, snapshot models.LicenseSnapshot)
}
