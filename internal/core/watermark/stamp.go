// Package watermark overlays the deterrent diagonal text on rendered pages.
package watermark

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/f64"
	"golang.org/x/image/math/fixed"
	xdraw "golang.org/x/image/draw"
)

const (
	FontSize = 48
	Opacity  = 0.1
	// Angle is counter-clockwise on screen; image space has y pointing down.
	Angle = math.Pi / 4
)

// Color is the watermark ink before opacity is applied.
var Color = color.RGBA{R: 0xff, A: 0xff}

// Stamper draws text onto page surfaces. It is safe for concurrent use.
type Stamper struct {
	mu    sync.Mutex
	face  font.Face
	text  string
	label *image.NRGBA
}

func NewStamper() (*Stamper, error) {
	ft, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse watermark font: %w", err)
	}
	face, err := opentype.NewFace(ft, &opentype.FaceOptions{
		Size:    FontSize,
		DPI:     72,
		Hinting: font.HintingNone,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create watermark face: %w", err)
	}
	return &Stamper{face: face}, nil
}

// Stamp composites text centered on dst, rotated by Angle, with Over so
// page pixels under transparent glyph areas are kept. Empty text is a no-op.
func (s *Stamper) Stamp(dst draw.Image, text string) {
	if text == "" {
		return
	}
	b := dst.Bounds()
	if b.Empty() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	label := s.labelFor(text)
	lb := label.Bounds()

	scx, scy := float64(lb.Dx())/2, float64(lb.Dy())/2
	dcx := float64(b.Min.X) + float64(b.Dx())/2
	dcy := float64(b.Min.Y) + float64(b.Dy())/2
	c, sn := math.Cos(Angle), math.Sin(Angle)

	// Source to destination: rotate about the label center, then move the
	// center onto the surface center.
	s2d := f64.Aff3{
		c, sn, dcx - (c*scx + sn*scy),
		-sn, c, dcy - (-sn*scx + c*scy),
	}
	xdraw.BiLinear.Transform(dst, s2d, label, lb, xdraw.Over, nil)
}

func (s *Stamper) labelFor(text string) *image.NRGBA {
	if s.label != nil && s.text == text {
		return s.label
	}

	m := s.face.Metrics()
	width := font.MeasureString(s.face, text).Ceil()
	height := (m.Ascent + m.Descent).Ceil()
	mask := image.NewAlpha(image.Rect(0, 0, width, height))
	d := font.Drawer{
		Dst:  mask,
		Src:  image.Opaque,
		Face: s.face,
		Dot:  fixed.Point26_6{X: 0, Y: m.Ascent},
	}
	d.DrawString(text)

	label := image.NewNRGBA(mask.Bounds())
	for i, cov := range mask.Pix {
		if cov == 0 {
			continue
		}
		a := uint8(math.Round(float64(cov) * Opacity))
		label.Pix[i*4+0] = Color.R
		label.Pix[i*4+1] = Color.G
		label.Pix[i*4+2] = Color.B
		label.Pix[i*4+3] = a
	}

	s.text = text
	s.label = label
	return label
}
