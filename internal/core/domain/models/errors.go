package models

import (
	"errors"
	"fmt"
)

var (
	ErrNoDocument        = errors.New("no document loaded")
	ErrPageOutOfRange    = errors.New("page out of range")
	ErrDuplicateBookmark = errors.New("page is already bookmarked")
	ErrLicenseBlocked    = errors.New("license is not active or has expired")
	ErrNotFound          = errors.New("record not found")
	ErrInvalidSize       = errors.New("invalid size")
)

// LoadError reports that a document could not be loaded. The viewer stays
// in its pre-load state.
type LoadError struct {
	DocumentID string
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load document %s: %v", e.DocumentID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// RenderError reports a single page that failed to rasterize.
type RenderError struct {
	Page int
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("failed to render page %d: %v", e.Page, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }
