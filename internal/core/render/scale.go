package render

import (
	"docviewer/internal/core/domain/models"
	"math"
)

const (
	MinScale     = 0.25
	MaxScale     = 3.0
	ZoomStep     = 0.25
	DefaultScale = 1.0

	MaxContainerDimension = 16384
)

// ValidDimension reports whether v is usable as a container side.
func ValidDimension(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= MaxContainerDimension
}

// ClampScale bounds a numeric zoom factor to [MinScale, MaxScale].
func ClampScale(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultScale
	}
	return math.Min(MaxScale, math.Max(MinScale, v))
}

// ResolveScale turns s into a numeric factor. base is the page viewport at
// scale 1. Symbolic modes fall back to DefaultScale while the container or
// page has no area.
func ResolveScale(s models.Scale, base models.Viewport, container models.Size) float64 {
	switch s.Mode {
	case models.ScaleFit:
		if base.Width <= 0 || container.Width <= 0 {
			return DefaultScale
		}
		return container.Width / base.Width
	case models.ScaleAuto:
		if base.Width <= 0 || base.Height <= 0 || container.Width <= 0 || container.Height <= 0 {
			return DefaultScale
		}
		return math.Min(container.Width/base.Width, container.Height/base.Height)
	default:
		return ClampScale(s.Value)
	}
}
