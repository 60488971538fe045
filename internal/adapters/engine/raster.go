package engine

import (
	"bytes"
	"context"
	"docviewer/internal/core/domain/models"
	"docviewer/internal/core/domain/ports"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var _ ports.Engine = (*ImageEngine)(nil)

// ImageEngine serves scanned documents delivered as images. Animated GIF
// frames become pages; every other format is a single page.
type ImageEngine struct{}

func NewImageEngine() *ImageEngine { return &ImageEngine{} }

func (e *ImageEngine) Open(ctx context.Context, payload []byte) (ports.RasterDocument, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("unsupported image payload: %w", err)
	}

	var pages []*image.RGBA
	if format == "gif" {
		pages, err = gifPages(payload)
	} else {
		var img image.Image
		img, _, err = image.Decode(bytes.NewReader(payload))
		if err == nil {
			pages = []*image.RGBA{toRGBA(img)}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", format, err)
	}
	return &imageDoc{pages: pages}, nil
}

// gifPages flattens each frame onto the frames before it.
func gifPages(payload []byte) ([]*image.RGBA, error) {
	g, err := gif.DecodeAll(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, image.White, image.Point{}, draw.Src)

	pages := make([]*image.RGBA, 0, len(g.Image))
	for _, frame := range g.Image {
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		page := image.NewRGBA(bounds)
		copy(page.Pix, canvas.Pix)
		pages = append(pages, page)
	}
	return pages, nil
}

type imageDoc struct {
	pages []*image.RGBA
}

func (d *imageDoc) NumPages() int { return len(d.pages) }

func (d *imageDoc) Page(ctx context.Context, number int) (ports.RasterPage, error) {
	if number < 1 || number > len(d.pages) {
		return nil, fmt.Errorf("%w: %d", models.ErrPageOutOfRange, number)
	}
	return &imagePage{src: d.pages[number-1]}, nil
}

func (d *imageDoc) Close() error { return nil }

type imagePage struct {
	src *image.RGBA
}

func (p *imagePage) Viewport(scale float64) models.Viewport {
	b := p.src.Bounds()
	return models.Viewport{Width: float64(b.Dx()) * scale, Height: float64(b.Dy()) * scale}
}

func (p *imagePage) Render(ctx context.Context, vp models.Viewport) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, h, err := vp.PixelSize()
	if err != nil {
		return nil, err
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), p.src, p.src.Bounds(), xdraw.Src, nil)
	return dst, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
