// Package surface holds the rendered page and the visibility layer drawn
// over it. Page pixels are written by the render coordinator only and the
// visibility layer by the protection guard only.
package surface

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"

	xdraw "golang.org/x/image/draw"
)

const AdvisoryMessage = "Content protected. Return focus to the viewer to continue."

// Visibility is the presentation layer applied on top of page pixels.
type Visibility struct {
	Blur    float64 `json:"blur"`
	Opacity float64 `json:"opacity"`
	Overlay bool    `json:"overlay"`
}

var (
	Clear    = Visibility{Blur: 0, Opacity: 1}
	Degraded = Visibility{Blur: 10, Opacity: 0.3, Overlay: true}
)

type Surface struct {
	mu      sync.RWMutex
	page    *image.RGBA
	number  int
	vis     Visibility
	version uint64
}

func New() *Surface {
	return &Surface{vis: Clear}
}

// SetPage replaces the page pixels. The surface takes ownership of img.
func (s *Surface) SetPage(img *image.RGBA, number int) {
	s.mu.Lock()
	s.page = img
	s.number = number
	s.version++
	s.mu.Unlock()
}

// Blank drops the page pixels, leaving the visibility layer alone.
func (s *Surface) Blank() {
	s.SetPage(nil, 0)
}

// PageNumber returns the page currently shown, 0 if blank.
func (s *Surface) PageNumber() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.number
}

func (s *Surface) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Page returns a copy of the raw page pixels without the visibility layer.
func (s *Surface) Page() *image.RGBA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.page == nil {
		return nil
	}
	return clone(s.page)
}

func (s *Surface) SetVisibility(v Visibility) {
	s.mu.Lock()
	s.vis = v
	s.version++
	s.mu.Unlock()
}

func (s *Surface) Visibility() Visibility {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vis
}

// DismissOverlay hides the advisory overlay only; blur and opacity stay.
func (s *Surface) DismissOverlay() {
	s.mu.Lock()
	s.vis.Overlay = false
	s.version++
	s.mu.Unlock()
}

// Composite returns a new image with the visibility layer applied to a
// copy of the page, or nil when no page is shown.
func (s *Surface) Composite() *image.RGBA {
	s.mu.RLock()
	if s.page == nil {
		s.mu.RUnlock()
		return nil
	}
	out := clone(s.page)
	vis := s.vis
	s.mu.RUnlock()

	if vis.Blur > 0 {
		out = blur(out, vis.Blur)
	}
	if vis.Opacity < 1 {
		out = fade(out, vis.Opacity)
	}
	if vis.Overlay {
		shade(out)
	}
	return out
}

func clone(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}

// blur approximates a gaussian of the given radius by scaling down and
// back up.
func blur(src *image.RGBA, radius float64) *image.RGBA {
	b := src.Bounds()
	w := int(math.Max(1, math.Round(float64(b.Dx())/radius)))
	h := int(math.Max(1, math.Round(float64(b.Dy())/radius)))

	small := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(small, small.Bounds(), src, b, xdraw.Src, nil)

	dst := image.NewRGBA(b)
	xdraw.BiLinear.Scale(dst, b, small, small.Bounds(), xdraw.Src, nil)
	return dst
}

// fade draws src at the given opacity over white.
func fade(src *image.RGBA, opacity float64) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	mask := image.NewUniform(color.Alpha{A: uint8(math.Round(clamp01(opacity) * 0xff))})
	draw.DrawMask(dst, dst.Bounds(), src, src.Bounds().Min, mask, image.Point{}, draw.Over)
	return dst
}

// shade darkens a centered band where the advisory is shown.
func shade(dst *image.RGBA) {
	b := dst.Bounds()
	band := image.Rect(b.Min.X, b.Min.Y+b.Dy()*2/5, b.Max.X, b.Min.Y+b.Dy()*3/5)
	draw.Draw(dst, band, image.NewUniform(color.RGBA{A: 0x99}), image.Point{}, draw.Over)
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
