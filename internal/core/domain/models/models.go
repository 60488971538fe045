package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DocumentInfo is the metadata returned by the document backend.
type DocumentInfo struct {
	Title     string `json:"title"`
	PageCount int    `json:"pageCount"`
}

// Document is immutable once loaded; a new load replaces it wholesale.
type Document struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	PageCount int    `json:"page_count"`
}

type Bookmark struct {
	ID         int64     `json:"id"`
	DocumentID string    `json:"documentId,omitempty"`
	Page       int       `json:"page"`
	Name       string    `json:"name,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

type LicenseSnapshot struct {
	IsActive      bool   `json:"isActive"`
	IsValid       bool   `json:"isValid"`
	Edition       string `json:"edition"`
	DaysRemaining int    `json:"daysRemaining"`
	ExpiryDate    string `json:"expiryDate,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Blocked reports whether the viewer must refuse to initialize.
func (l LicenseSnapshot) Blocked() bool {
	return !l.IsActive || !l.IsValid
}

type ScaleMode string

const (
	ScaleNumeric ScaleMode = ""
	ScaleFit     ScaleMode = "fit"
	ScaleAuto    ScaleMode = "auto"
)

// Scale is either a positive zoom factor or a symbolic mode resolved from
// the container size on every render.
type Scale struct {
	Mode  ScaleMode
	Value float64
}

func NumericScale(v float64) Scale { return Scale{Mode: ScaleNumeric, Value: v} }

var (
	FitScale  = Scale{Mode: ScaleFit}
	AutoScale = Scale{Mode: ScaleAuto}
)

func (s Scale) IsSymbolic() bool {
	return s.Mode == ScaleFit || s.Mode == ScaleAuto
}

func (s Scale) String() string {
	if s.IsSymbolic() {
		return string(s.Mode)
	}
	return strconv.FormatFloat(s.Value, 'f', 2, 64)
}

// ParseScale accepts "fit", "auto" or a positive decimal factor.
func ParseScale(v string) (Scale, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case string(ScaleFit):
		return FitScale, nil
	case string(ScaleAuto):
		return AutoScale, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return Scale{}, fmt.Errorf("invalid scale %q: %w", v, err)
	}
	if f <= 0 {
		return Scale{}, fmt.Errorf("invalid scale %q: must be positive", v)
	}
	return NumericScale(f), nil
}

func (s Scale) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Scale) UnmarshalText(b []byte) error {
	parsed, err := ParseScale(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// MaxPagePixels bounds the area of a single rendered page.
const MaxPagePixels = 1 << 25

// PixelSize rounds v to whole pixels, at least 1x1. Non-finite viewports
// and pages larger than MaxPagePixels fail with ErrInvalidSize.
func (v Viewport) PixelSize() (int, int, error) {
	if math.IsNaN(v.Width) || math.IsNaN(v.Height) || math.IsInf(v.Width, 0) || math.IsInf(v.Height, 0) {
		return 0, 0, fmt.Errorf("%w: viewport %gx%g", ErrInvalidSize, v.Width, v.Height)
	}
	w := math.Max(1, math.Round(v.Width))
	h := math.Max(1, math.Round(v.Height))
	if w*h > MaxPagePixels {
		return 0, 0, fmt.Errorf("%w: viewport %.0fx%.0f exceeds %d pixels", ErrInvalidSize, w, h, MaxPagePixels)
	}
	return int(w), int(h), nil
}

// Size is the container the page is fitted into.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ViewState is a point-in-time copy of the render coordinator state.
type ViewState struct {
	DocumentID    string  `json:"document_id"`
	Title         string  `json:"title"`
	PageCount     int     `json:"page_count"`
	Page          int     `json:"page"`
	DisplayedPage int     `json:"displayed_page"`
	Scale         Scale   `json:"scale"`
	ResolvedScale float64 `json:"resolved_scale"`
	Rendering     bool    `json:"rendering"`
	RenderingPage int     `json:"rendering_page,omitempty"`
	PendingPage   int     `json:"pending_page,omitempty"`
	Container     Size    `json:"container"`
}

type NoticeLevel string

const (
	LevelInfo    NoticeLevel = "info"
	LevelSuccess NoticeLevel = "success"
	LevelWarning NoticeLevel = "warning"
	LevelError   NoticeLevel = "error"
)

// Notice is a transient advisory notification for the UI.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
}

type ProtectionState string

const (
	ProtectionNormal   ProtectionState = "normal"
	ProtectionDegraded ProtectionState = "degraded"
)

// WindowMetrics holds the outer and inner window dimensions sampled by the
// devtools heuristic.
type WindowMetrics struct {
	OuterWidth  int `json:"outer_width"`
	OuterHeight int `json:"outer_height"`
	InnerWidth  int `json:"inner_width"`
	InnerHeight int `json:"inner_height"`
}

type IncidentKind string

const (
	IncidentScreenshot IncidentKind = "screenshot"
	IncidentDevtools   IncidentKind = "devtools"
)

// Incident records a suspected capture attempt.
type Incident struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"session_id"`
	DocumentID string       `json:"document_id"`
	Kind       IncidentKind `json:"kind"`
	Attempt    int          `json:"attempt"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ReadingPosition is the last displayed page of a document.
type ReadingPosition struct {
	DocumentID string    `json:"document_id"`
	Page       int       `json:"page"`
	Scale      Scale     `json:"scale"`
	UpdatedAt  time.Time `json:"updated_at"`
}
